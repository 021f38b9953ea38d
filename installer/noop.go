package installer

import "context"

type NoopInstaller struct {
}

// Compile time check for protocol compatibility
var _ Installer = (*NoopInstaller)(nil)

func NewNoopInstaller() *NoopInstaller {
	return &NoopInstaller{}
}

func (n *NoopInstaller) Install(ctx context.Context, bundle Bundle, progress ProgressFunc) error {
	return ErrNoInstaller
}
