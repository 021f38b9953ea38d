package main

import (
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/the-lightning-land/updated/api"
	"github.com/the-lightning-land/updated/daemon"
	"github.com/the-lightning-land/updated/dbusapi"
	"github.com/the-lightning-land/updated/installer"
	"github.com/the-lightning-land/updated/metrics"
	"github.com/the-lightning-land/updated/repository"
	"github.com/the-lightning-land/updated/updatedb"
	"github.com/the-lightning-land/updated/updater"

	// Blank import to set up profiling HTTP handlers.
	_ "net/http/pprof"
)

var (
	// commit stores the current commit hash of this build. This should be set using -ldflags during compilation.
	Commit string
	// version stores the version string of this build. This should be set using -ldflags during compilation.
	Version string
	// date stores the date of this build. This should be set using -ldflags during compilation.
	Date string
)

// updatedMain is the true entry point for updated. This is required since defers
// created in the top-level scope of a main method aren't executed if os.Exit() is called.
func updatedMain() error {
	logger := log.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(log.InfoLevel)

	// Load CLI configuration and defaults
	cfg, err := loadConfig()
	if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		return nil
	} else if err != nil {
		return errors.Errorf("Failed parsing arguments: %v", err)
	}

	if cfg.LogFile != "" {
		logger.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cleanPath(cfg.LogFile),
			MaxSize:    5, // MB
			MaxBackups: 3,
			MaxAge:     30, // days
			Compress:   true,
		}))
	}

	// Set logger into debug mode if called with --debug
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
		logger.Info("Setting debug mode.")
	}

	logger.Debug("Loaded config.")

	// Print version of the daemon
	logger.Infof("Version %s (commit %s)", Version, Commit)
	logger.Infof("Built on %s", Date)

	// Stop here if only version was requested
	if cfg.ShowVersion {
		return nil
	}

	if cfg.Profiling.Listen != "" {
		go func() {
			logger.Infof("Starting profiling server on %v", cfg.Profiling.Listen)
			// Redirect the root path
			http.Handle("/", http.RedirectHandler("/debug/pprof", http.StatusSeeOther))
			// All other handlers are registered on DefaultServeMux through the import of pprof
			err := http.ListenAndServe(cfg.Profiling.Listen, nil)
			if err != nil {
				logger.Errorf("Could not run profiler: %v", err)
			}
		}()
	}

	// updated.db keeps the history of installs
	db, err := updatedb.Open(cfg.DataDir)
	if err != nil {
		return errors.Errorf("Could not open updated.db: %v", err)
	}

	logger.Infof("Opened %v", db.Path())

	defer func() {
		err := db.Close()
		if err != nil {
			logger.Errorf("Could not close updated.db: %v", err)
		} else {
			logger.Info("Closed updated.db.")
		}
	}()

	// The installer writes bundles, the system describes what is running
	var inst installer.Installer
	var system installer.System

	staticSystem := &installer.StaticSystem{
		CompatibleString: cfg.Compatible,
		VersionString:    cfg.Version,
	}

	switch cfg.Installer {
	case "rauc":
		rauc, err := installer.NewRaucInstaller(&installer.RaucConfig{
			Logger: logger.WithField("system", "rauc"),
		})
		if err != nil {
			return errors.Errorf("Could not create rauc installer: %v", err)
		}

		inst = rauc
		system = rauc

		if cfg.Compatible != "" {
			system = staticSystem
		}

		logger.Info("Created rauc installer.")
	case "file":
		inst = installer.NewFileInstaller(&installer.FileConfig{
			Target: cleanPath(cfg.File.Target),
			Logger: logger.WithField("system", "installer"),
		})
		system = staticSystem

		logger.Infof("Created file installer for %v.", cfg.File.Target)
	case "none":
		inst = installer.NewNoopInstaller()
		system = staticSystem

		logger.Info("Created noop installer.")
	default:
		return errors.Errorf("Unknown installer type %v", cfg.Installer)
	}

	// The update source
	var source repository.Source
	var watcher daemon.Watcher

	switch cfg.Source {
	case "github":
		github, err := repository.NewGithubSource(&repository.GithubConfig{
			Owner:   cfg.Github.Owner,
			Repo:    cfg.Github.Repo,
			BaseURL: cfg.Github.BaseURL,
			Token:   cfg.Github.Token,
			Logger:  logger.WithField("system", "github"),
		})
		if err != nil {
			return errors.Errorf("Could not create GitHub source: %v", err)
		}

		source = github

		logger.Infof("Created GitHub source for %v/%v.", cfg.Github.Owner, cfg.Github.Repo)
	case "manifest":
		manifest := repository.NewManifestSource(&repository.ManifestConfig{
			Path:   cfg.Manifest.Path,
			Logger: logger.WithField("system", "manifest"),
		})

		source = manifest
		if cfg.Manifest.Watch {
			watcher = manifest
		}

		logger.Infof("Created manifest source for %v.", cfg.Manifest.Path)
	default:
		return errors.Errorf("Unknown source type %v", cfg.Source)
	}

	manager := updater.NewManager(&updater.Config{
		Installer: inst,
		Journal:   db,
		Logger:    logger.WithField("system", "updater"),
	})

	poller := repository.NewPoller(&repository.PollerConfig{
		Source:          source,
		System:          system,
		Catalog:         manager,
		Interval:        cfg.Interval,
		AllowPrerelease: cfg.Prerelease,
		Logger:          logger.WithField("system", "poller"),
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := metrics.New(registry)

	a := api.New(&api.Config{
		Manager: manager,
		History: db,
		Metrics: m.Handler(),
		Log:     logger.WithField("system", "api"),
	})

	logger.Info("Created API.")

	var dbusServer *dbusapi.Server
	if !cfg.DBus.Disabled {
		dbusServer = dbusapi.New(&dbusapi.Config{
			Manager:    manager,
			SessionBus: cfg.DBus.SessionBus,
			Logger:     logger.WithField("system", "dbus"),
		})

		logger.Info("Created D-Bus server.")
	}

	socketMode, err := cfg.socketMode()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Socket), 0755); err != nil {
		return errors.Errorf("Could not create socket directory: %v", err)
	}

	// central controller for everything the daemon does
	d := daemon.NewDaemon(&daemon.Config{
		Manager:    manager,
		Poller:     poller,
		Watcher:    watcher,
		Api:        a,
		DBus:       dbusServer,
		DB:         db,
		Metrics:    m,
		SocketPath: cfg.Socket,
		SocketMode: socketMode,
		Logger:     logger.WithField("system", "daemon"),
	})

	logger.Info("Created daemon.")

	// Handle interrupt signals correctly
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		sig := <-signals
		logger.Info(sig)
		logger.Info("Received an interrupt, stopping daemon...")
		d.Shutdown()
	}()

	// blocks until the daemon is shut down
	err = d.Run()
	if err != nil {
		return errors.Errorf("Failed running daemon: %v", err)
	}

	// finish with no error
	return nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := updatedMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			log.WithError(err).Println("Failed running updated.")
		}
		os.Exit(1)
	}
}
