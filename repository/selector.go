package repository

import (
	"sort"

	"github.com/go-errors/errors"
	"github.com/hashicorp/go-version"
)

// Selector picks the next update for a system.
type Selector struct {
	// Compatible must equal the compatibility of a bundle for it to be
	// installable.
	Compatible string
	// Current is the version installed on the system.
	Current         string
	AllowPrerelease bool
	Logger          Logger
}

// Selection is the update chosen by a Selector together with the bundle
// that fits the system.
type Selection struct {
	Update Update
	Bundle BundleLink
}

// Select returns the lowest version newer than Current that ships a
// compatible update bundle. Updates are never skipped over, as an
// intermediate release might carry migrations the later ones rely on.
func (s *Selector) Select(updates []Update) (*Selection, error) {
	log := s.Logger
	if log == nil {
		log = noopLogger{}
	}

	current, err := version.NewVersion(s.Current)
	if err != nil {
		return nil, errors.Errorf("current version %v can not be compared: %v", s.Current, err)
	}

	candidates := make([]Update, 0, len(updates))
	for _, update := range updates {
		if update.Version == nil {
			continue
		}

		candidates = append(candidates, update)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Version.LessThan(candidates[j].Version)
	})

	for _, update := range candidates {
		if !current.LessThan(update.Version) {
			continue
		}

		if update.Prerelease && !s.AllowPrerelease {
			log.Debugf("Skipping prerelease %v", update.Version)
			continue
		}

		bundle := s.compatibleBundle(update)
		if bundle == nil {
			log.Debugf("Update %v has no bundle for %v", update.Version, s.Compatible)
			continue
		}

		return &Selection{
			Update: update,
			Bundle: *bundle,
		}, nil
	}

	return nil, ErrNoSuitableUpdate
}

func (s *Selector) compatibleBundle(update Update) *BundleLink {
	for _, bundle := range update.Bundles {
		if bundle == nil {
			continue
		}

		name := bundle.assetName()
		if !IsArtifactUpdateBundle(name) {
			continue
		}

		compatibility := bundle.Compatibility
		if compatibility == "" {
			compatibility = ExtractCompatibility(name)
		}

		if compatibility == s.Compatible {
			return &BundleLink{
				URL:           bundle.URL,
				AssetName:     name,
				Compatibility: compatibility,
				Size:          bundle.Size,
			}
		}
	}

	return nil
}
