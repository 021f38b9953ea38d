package repository

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-errors/errors"
	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"
)

// check ManifestSource compliance to its interface during compile time
var _ Source = (*ManifestSource)(nil)

// ManifestSource reads releases from a local YAML file, for devices that are
// fed updates by removable media or a provisioning tool.
//
//	releases:
//	  - version: 1.8.2
//	    name: Penguin
//	    bundles:
//	      - url: /media/usb/cbpifw-raspberrypi3-64_v1.8.2_update.bin
type ManifestSource struct {
	log  Logger
	path string
}

type manifest struct {
	Releases []manifestRelease `yaml:"releases"`
}

type manifestRelease struct {
	Version    string           `yaml:"version"`
	Name       string           `yaml:"name"`
	Notes      string           `yaml:"notes"`
	Date       time.Time        `yaml:"date"`
	Prerelease bool             `yaml:"prerelease"`
	Bundles    []manifestBundle `yaml:"bundles"`
}

type manifestBundle struct {
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	Compatibility string `yaml:"compatible"`
	Size          int64  `yaml:"size"`
}

type ManifestConfig struct {
	Path   string
	Logger Logger
}

func NewManifestSource(config *ManifestConfig) *ManifestSource {
	m := &ManifestSource{
		path: config.Path,
	}

	if config.Logger != nil {
		m.log = config.Logger
	} else {
		m.log = noopLogger{}
	}

	return m
}

func (m *ManifestSource) Updates(ctx context.Context) ([]Update, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, errors.Errorf("could not read manifest %v: %v", m.path, err)
	}

	var parsed manifest
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, errors.Errorf("could not parse manifest %v: %v", m.path, err)
	}

	updates := make([]Update, 0, len(parsed.Releases))

	for _, release := range parsed.Releases {
		v, err := version.NewVersion(release.Version)
		if err != nil {
			m.log.Warnf("Ignoring release %v in manifest: %v", release.Version, err)
			continue
		}

		update := Update{
			Version:     v,
			ReleaseDate: release.Date,
			Name:        release.Name,
			Notes:       release.Notes,
			Prerelease:  release.Prerelease,
		}

		for _, bundle := range release.Bundles {
			update.Bundles = append(update.Bundles, &BundleLink{
				URL:           m.resolve(bundle.URL),
				AssetName:     bundle.Name,
				Compatibility: bundle.Compatibility,
				Size:          bundle.Size,
			})
		}

		updates = append(updates, update)
	}

	return updates, nil
}

// resolve makes relative bundle paths relative to the manifest.
func (m *ManifestSource) resolve(url string) string {
	if url == "" || filepath.IsAbs(url) || strings.Contains(url, "://") {
		return url
	}

	return filepath.Join(filepath.Dir(m.path), url)
}

// Watch calls changed whenever the manifest is written, created or renamed
// into place, until ctx is done. The directory is watched so that editors
// replacing the file are noticed.
func (m *ManifestSource) Watch(ctx context.Context, changed func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Errorf("could not create watcher: %v", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			m.log.Warnf("Could not close watcher: %v", err)
		}
	}()

	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return errors.Errorf("could not watch %v: %v", m.path, err)
	}

	name := filepath.Clean(m.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed unexpectedly")
			}

			if filepath.Clean(event.Name) != name {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				m.log.Debugf("Manifest %v changed", m.path)
				changed()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed unexpectedly")
			}

			m.log.Warnf("Manifest watcher error: %v", err)
		}
	}
}
