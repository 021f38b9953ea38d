package installer

import (
	"context"

	"github.com/go-errors/errors"
)

var (
	ErrNoInstaller = errors.New("no installer available")
)

// Bundle is what gets handed to a backend for installation.
type Bundle struct {
	Name    string
	Version string
	Source  string
}

// ProgressFunc receives install progress in percent.
type ProgressFunc func(percentage int)

// Installer writes a bundle to the device. Install blocks until the
// installation has finished and reports progress on the way.
type Installer interface {
	Install(ctx context.Context, bundle Bundle, progress ProgressFunc) error
}

// System describes the running system for update selection.
type System interface {
	Compatible() (string, error)
	Version() (string, error)
}

// StaticSystem reports fixed values, usually taken from configuration.
type StaticSystem struct {
	CompatibleString string
	VersionString    string
}

var _ System = (*StaticSystem)(nil)

func (s *StaticSystem) Compatible() (string, error) {
	if s.CompatibleString == "" {
		return "", errors.New("no compatible string configured")
	}

	return s.CompatibleString, nil
}

func (s *StaticSystem) Version() (string, error) {
	if s.VersionString != "" {
		return s.VersionString, nil
	}

	return OSVersion()
}
