package daemon

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-errors/errors"

	"github.com/the-lightning-land/updated/api"
	"github.com/the-lightning-land/updated/dbusapi"
	"github.com/the-lightning-land/updated/metrics"
	"github.com/the-lightning-land/updated/repository"
	"github.com/the-lightning-land/updated/updatedb"
	"github.com/the-lightning-land/updated/updater"
)

const shutdownTimeout = 5 * time.Second

// Watcher notifies about changes of an update source.
type Watcher interface {
	Watch(ctx context.Context, changed func()) error
}

type Config struct {
	Manager *updater.Manager
	Poller  *repository.Poller
	// Watcher is optional and triggers the poller on source changes.
	Watcher Watcher
	Api     *api.Api
	// DBus is optional, the D-Bus surface is not served when nil.
	DBus    *dbusapi.Server
	DB      *updatedb.DB
	Metrics *metrics.Metrics

	SocketPath string
	SocketMode os.FileMode
	Logger     Logger
}

// Daemon is the central controller. It connects the update manager to its
// sources and control surfaces and runs until shut down.
type Daemon struct {
	manager    *updater.Manager
	poller     *repository.Poller
	watcher    Watcher
	api        *api.Api
	dbus       *dbusapi.Server
	db         *updatedb.DB
	metrics    *metrics.Metrics
	socketPath string
	socketMode os.FileMode
	log        Logger

	done         chan struct{}
	shutdownOnce sync.Once
}

func NewDaemon(config *Config) *Daemon {
	d := &Daemon{
		manager:    config.Manager,
		poller:     config.Poller,
		watcher:    config.Watcher,
		api:        config.Api,
		dbus:       config.DBus,
		db:         config.DB,
		metrics:    config.Metrics,
		socketPath: config.SocketPath,
		socketMode: config.SocketMode,
		done:       make(chan struct{}),
	}

	if config.Logger != nil {
		d.log = config.Logger
	} else {
		d.log = noopLogger{}
	}

	if d.socketMode == 0 {
		d.socketMode = 0660
	}

	return d
}

// Run starts all subsystems and blocks until Shutdown is called.
func (d *Daemon) Run() error {
	d.log.Infof("Starting daemon...")

	d.restoreInstalled()

	// A successful install is not booted yet, so it must not be offered again.
	d.manager.SetOnInstalled(func(info updater.SessionInfo) {
		d.poller.MarkInstalled(info.Target.Version)
		d.poller.Trigger()
	})

	var wg sync.WaitGroup
	defer wg.Wait()

	if d.metrics != nil {
		sub := d.manager.Hub().Subscribe()
		defer sub.Cancel()

		wg.Add(1)
		go func() {
			defer wg.Done()
			d.metrics.Run(sub)
		}()
	}

	lis, err := d.listen()
	if err != nil {
		return err
	}

	defer d.removeSocket()

	wg.Add(1)
	go func() {
		defer wg.Done()

		err := d.api.Serve(lis)
		if err != nil {
			d.log.Errorf("Could not serve api: %v", err)
		}
	}()

	defer d.shutdownApi()

	d.log.Infof("Serving api on %v", d.socketPath)

	if d.dbus != nil {
		if err := d.dbus.Start(); err != nil {
			return errors.Errorf("Could not start D-Bus server: %v", err)
		}

		defer func() {
			if err := d.dbus.Close(); err != nil {
				d.log.Errorf("Could not stop D-Bus server: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.poller.Run(ctx)
	}()

	if d.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := d.watcher.Watch(ctx, d.poller.Trigger)
			if err != nil {
				d.log.Errorf("Could not watch update source: %v", err)
			}
		}()
	}

	d.log.Infof("Started daemon.")

	<-d.done

	d.log.Infof("Stopping daemon...")

	// Running installs are cancelled before the surfaces go away so that
	// their final state is still published.
	d.manager.Close()
	d.manager.Hub().Close()

	return nil
}

// Shutdown makes Run return. It may be called more than once.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		close(d.done)
	})
}

// listen creates the unix socket, replacing a stale one left behind by a
// previous run.
func (d *Daemon) listen() (net.Listener, error) {
	if err := os.Remove(d.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Errorf("Could not remove stale socket %v: %v", d.socketPath, err)
	}

	lis, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return nil, errors.Errorf("Unable to listen on %v: %v", d.socketPath, err)
	}

	if err := os.Chmod(d.socketPath, d.socketMode); err != nil {
		_ = lis.Close()
		return nil, errors.Errorf("Could not set mode of %v: %v", d.socketPath, err)
	}

	return lis, nil
}

func (d *Daemon) shutdownApi() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.api.Shutdown(ctx); err != nil {
		d.log.Errorf("Could not stop api: %v", err)
	}
}

func (d *Daemon) removeSocket() {
	if err := os.Remove(d.socketPath); err != nil && !os.IsNotExist(err) {
		d.log.Warnf("Could not remove socket %v: %v", d.socketPath, err)
	}
}

// restoreInstalled tells the poller about an install that succeeded in a
// previous run of the daemon.
func (d *Daemon) restoreInstalled() {
	if d.db == nil {
		return
	}

	last, err := d.db.LastInstall()
	if err != nil {
		d.log.Warnf("Could not read last install: %v", err)
		return
	}

	if last == nil {
		return
	}

	d.log.Infof("Last install was %v %v (%v)", last.Target.Name, last.Target.Version, last.State)

	if last.State == updater.StateSucceeded {
		d.poller.MarkInstalled(last.Target.Version)
	}
}
