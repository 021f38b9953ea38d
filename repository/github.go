package repository

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-errors/errors"
	"github.com/google/go-github/v57/github"
	"github.com/hashicorp/go-version"
)

const releasesPerPage = 50

// check GithubSource compliance to its interface during compile time
var _ Source = (*GithubSource)(nil)

type GithubConfig struct {
	Owner string
	Repo  string
	// BaseURL of a GitHub Enterprise API. api.github.com is used when empty.
	BaseURL string
	Token   string
	Client  *http.Client
	Logger  Logger
}

// GithubSource lists the releases of a GitHub repository. Release tags must
// be versions, optionally prefixed with v.
type GithubSource struct {
	log    Logger
	owner  string
	repo   string
	client *github.Client
}

func NewGithubSource(config *GithubConfig) (*GithubSource, error) {
	httpClient := config.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	client := github.NewClient(httpClient)

	if config.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(config.BaseURL, config.BaseURL)
		if err != nil {
			return nil, errors.Errorf("invalid GitHub url %v: %v", config.BaseURL, err)
		}
	}

	if config.Token != "" {
		client = client.WithAuthToken(config.Token)
	}

	g := &GithubSource{
		owner:  config.Owner,
		repo:   config.Repo,
		client: client,
	}

	if config.Logger != nil {
		g.log = config.Logger
	} else {
		g.log = noopLogger{}
	}

	return g, nil
}

func (g *GithubSource) Updates(ctx context.Context) ([]Update, error) {
	releases, _, err := g.client.Repositories.ListReleases(ctx, g.owner, g.repo, &github.ListOptions{
		PerPage: releasesPerPage,
	})
	if err != nil {
		return nil, errors.Errorf("could not query github repo %v/%v: %v", g.owner, g.repo, err)
	}

	updates := make([]Update, 0, len(releases))

	for _, release := range releases {
		if release.GetDraft() {
			continue
		}

		v, err := version.NewVersion(strings.TrimPrefix(release.GetTagName(), "v"))
		if err != nil {
			g.log.Warnf("Ignoring release %v, tag is not a version: %v", release.GetTagName(), err)
			continue
		}

		update := Update{
			Version:     v,
			ReleaseDate: release.GetPublishedAt().Time,
			Name:        release.GetName(),
			Notes:       release.GetBody(),
			Prerelease:  release.GetPrerelease(),
		}

		for _, asset := range release.Assets {
			update.Bundles = append(update.Bundles, &BundleLink{
				URL:       asset.GetBrowserDownloadURL(),
				AssetName: asset.GetName(),
				Size:      int64(asset.GetSize()),
			})
		}

		updates = append(updates, update)
	}

	return updates, nil
}
