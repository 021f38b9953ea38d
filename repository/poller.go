package repository

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-co-op/gocron"
	"github.com/go-errors/errors"
	"github.com/hashicorp/go-version"

	"github.com/the-lightning-land/updated/installer"
	"github.com/the-lightning-land/updated/updater"
)

const defaultInterval = time.Hour

const checkTag = "check-update"

// Catalog receives the update selected by a Poller.
type Catalog interface {
	OnCatalogUpdated(entry updater.Entry)
}

type PollerConfig struct {
	Source  Source
	System  installer.System
	Catalog Catalog
	// Interval between two checks, defaults to one hour.
	Interval        time.Duration
	AllowPrerelease bool
	// Backoff returns the retry policy for a failing source. Each check gets
	// a fresh policy.
	Backoff func() backoff.BackOff
	Logger  Logger
}

// Poller periodically asks the source for releases and hands the next
// suitable one to the catalog.
type Poller struct {
	log             Logger
	source          Source
	system          installer.System
	catalog         Catalog
	interval        time.Duration
	allowPrerelease bool
	newBackoff      func() backoff.BackOff
	trigger         chan struct{}

	mtx       sync.Mutex
	installed *version.Version
}

func NewPoller(config *PollerConfig) *Poller {
	p := &Poller{
		source:          config.Source,
		system:          config.System,
		catalog:         config.Catalog,
		interval:        config.Interval,
		allowPrerelease: config.AllowPrerelease,
		newBackoff:      config.Backoff,
		trigger:         make(chan struct{}, 1),
	}

	if p.interval <= 0 {
		p.interval = defaultInterval
	}

	if p.newBackoff == nil {
		p.newBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 5 * time.Minute
			return b
		}
	}

	if config.Logger != nil {
		p.log = config.Logger
	} else {
		p.log = noopLogger{}
	}

	return p
}

// Trigger schedules a check as soon as possible. Triggers arriving while a
// check is pending are merged.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// MarkInstalled records that v has been installed but is not booted yet, so
// it and everything older is no longer offered.
func (p *Poller) MarkInstalled(v string) {
	installed, err := version.NewVersion(v)
	if err != nil {
		p.log.Warnf("Could not parse installed version %v: %v", v, err)
		return
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.installed == nil || p.installed.LessThan(installed) {
		p.installed = installed
	}
}

// Run checks right away and then on every interval or trigger until ctx is
// done. Checks never overlap.
func (p *Poller) Run(ctx context.Context) {
	scheduler := gocron.NewScheduler(time.UTC)

	_, err := scheduler.Every(p.interval).SingletonMode().Tag(checkTag).Do(func() {
		p.checkAndLog(ctx)
	})
	if err != nil {
		p.log.Errorf("Could not schedule update check: %v", err)
		return
	}

	scheduler.StartAsync()
	defer scheduler.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.trigger:
			if err := scheduler.RunByTag(checkTag); err != nil {
				p.log.Errorf("Could not run update check: %v", err)
			}
		}
	}
}

func (p *Poller) checkAndLog(ctx context.Context) {
	selection, err := p.Check(ctx)
	switch {
	case err == ErrNoSuitableUpdate:
		p.log.Infof("No new update found")
	case err != nil && ctx.Err() != nil:
	case err != nil:
		p.log.Errorf("Could not check for update: %v", err)
	default:
		p.log.Debugf("Next update is %v %v", selection.Update.Name, selection.Update.Version)
	}
}

// Check queries the source once, retrying failures with backoff, and passes
// the selected update on to the catalog.
func (p *Poller) Check(ctx context.Context) (*Selection, error) {
	compatible, err := p.system.Compatible()
	if err != nil {
		return nil, errors.Errorf("could not determine compatible string: %v", err)
	}

	current, err := p.currentVersion()
	if err != nil {
		return nil, err
	}

	p.log.Debugf("Checking for update newer than %v for %v", current, compatible)

	var updates []Update
	err = backoff.Retry(func() error {
		var err error
		updates, err = p.source.Updates(ctx)
		if err != nil {
			p.log.Warnf("Could not list updates: %v", err)
		}
		return err
	}, backoff.WithContext(p.newBackoff(), ctx))
	if err != nil {
		return nil, errors.Errorf("could not load updates from source: %v", err)
	}

	selector := &Selector{
		Compatible:      compatible,
		Current:         current,
		AllowPrerelease: p.allowPrerelease,
		Logger:          p.log,
	}

	selection, err := selector.Select(updates)
	if err != nil {
		return nil, err
	}

	p.catalog.OnCatalogUpdated(updater.Entry{
		Name:        selection.Update.Name,
		Version:     selection.Update.Version.Original(),
		Bundle:      selection.Bundle.URL,
		Notes:       selection.Update.Notes,
		ReleaseDate: selection.Update.ReleaseDate,
		Prerelease:  selection.Update.Prerelease,
	})

	return selection, nil
}

// currentVersion is the running version, or the last installed one if that
// is newer.
func (p *Poller) currentVersion() (string, error) {
	running, err := p.system.Version()
	if err != nil {
		return "", errors.Errorf("could not determine current version: %v", err)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.installed == nil {
		return running, nil
	}

	v, err := version.NewVersion(running)
	if err != nil || v.LessThan(p.installed) {
		return p.installed.Original(), nil
	}

	return running, nil
}
