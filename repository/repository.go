package repository

import (
	"context"
	"path"
	"regexp"
	"time"

	"github.com/go-errors/errors"
	"github.com/hashicorp/go-version"
)

var (
	ErrNoSuitableUpdate = errors.New("no suitable update found")
)

// Update is a release offered by a source.
type Update struct {
	Version     *version.Version
	ReleaseDate time.Time
	Name        string
	Notes       string
	Bundles     []*BundleLink
	Prerelease  bool
}

// BundleLink is one downloadable artifact of a release.
type BundleLink struct {
	URL           string
	AssetName     string
	Compatibility string
	Size          int64
}

// Source lists the releases known to an update source.
type Source interface {
	Updates(ctx context.Context) ([]Update, error)
}

var compatibilityRegex = regexp.MustCompile(`^([a-zA-Z0-9\-\.]+)_.*`)

// ExtractCompatibility returns the compatible string encoded in the asset
// name, which is everything up to the first underscore.
func ExtractCompatibility(assetName string) string {
	submatches := compatibilityRegex.FindStringSubmatch(assetName)
	if len(submatches) > 1 {
		return submatches[1]
	}

	return ""
}

var updateBundleRegex = regexp.MustCompile(`.*_update\.bin$`)

// IsArtifactUpdateBundle reports whether the asset is an update bundle as
// opposed to a full image or sources.
func IsArtifactUpdateBundle(assetName string) bool {
	return updateBundleRegex.MatchString(assetName)
}

// assetName returns the bundle's asset name, defaulting to the last element
// of its URL.
func (b *BundleLink) assetName() string {
	if b.AssetName != "" {
		return b.AssetName
	}

	_, name := path.Split(b.URL)

	return name
}
