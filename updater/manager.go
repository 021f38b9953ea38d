package updater

import (
	"context"
	"sync"
	"time"

	"github.com/the-lightning-land/updated/installer"
)

type Config struct {
	Installer installer.Installer
	Hub       *Hub
	Journal   Journal
	Logger    Logger

	// OnInstalled is called after an install succeeded, typically to
	// trigger a fresh poll of the update source.
	OnInstalled func(info SessionInfo)
}

// Manager owns the catalog and the current install session. Both control
// surfaces and the poller go through a single Manager.
type Manager struct {
	mtx     sync.Mutex
	catalog Catalog
	session *Session

	installer   installer.Installer
	hub         *Hub
	journal     Journal
	log         Logger
	onInstalled func(info SessionInfo)
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(config *Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		session:     newSession(),
		installer:   config.Installer,
		hub:         config.Hub,
		journal:     config.Journal,
		onInstalled: config.OnInstalled,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}

	if config.Logger != nil {
		m.log = config.Logger
	} else {
		m.log = noopLogger{}
	}

	if m.installer == nil {
		m.installer = installer.NewNoopInstaller()
	}

	if m.hub == nil {
		m.hub = NewHub()
	}

	return m
}

func (m *Manager) Hub() *Hub {
	return m.hub
}

// SetOnInstalled replaces the hook run after a successful install.
func (m *Manager) SetOnInstalled(fn func(info SessionInfo)) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.onInstalled = fn
}

// NextUpdate returns the current catalog snapshot.
func (m *Manager) NextUpdate() Snapshot {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.catalog.Snapshot()
}

func (m *Manager) Status() State {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.session.state
}

func (m *Manager) Progress() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.session.progress
}

func (m *Manager) Session() SessionInfo {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.session.Info()
}

// InstallNextUpdateAsync starts installing the current catalog entry and
// returns as soon as the session is Installing. A call while an install is
// running does not start a second one; it returns the running session's ack.
func (m *Manager) InstallNextUpdateAsync() (*Ack, error) {
	m.mtx.Lock()

	if m.session.state == StateInstalling {
		ack := &Ack{
			SessionId: m.session.id,
			Started:   false,
			Target:    m.session.target,
			Session:   m.session.Info(),
		}
		m.mtx.Unlock()

		m.log.Debugf("Install of %v %v already running", ack.Target.Name, ack.Target.Version)

		return ack, nil
	}

	snapshot := m.catalog.Snapshot()
	if !snapshot.Available {
		m.mtx.Unlock()
		return nil, ErrNoUpdateAvailable
	}

	m.session = m.session.begin(snapshot.Entry, m.now())
	info := m.session.Info()

	// Publish only enqueues. Doing it under the lock keeps events in the
	// order of the state changes they describe.
	m.publish(Event{Type: EventSessionChanged, Session: &info})

	// Registered under the lock so Close cannot miss a worker.
	m.wg.Add(1)
	m.mtx.Unlock()

	m.log.Infof("Installing update %v %v (session %v)", info.Target.Name, info.Target.Version, info.Id)

	go m.install(info.Id, info.Target)

	return &Ack{
		SessionId: info.Id,
		Started:   true,
		Target:    info.Target,
		Session:   info,
	}, nil
}

// publish hands event to the hub. Callers hold m.mtx.
func (m *Manager) publish(event Event) {
	m.hub.Publish(event)
}

func (m *Manager) install(sessionID string, target Entry) {
	defer m.wg.Done()

	bundle := installer.Bundle{
		Name:    target.Name,
		Version: target.Version,
		Source:  target.Bundle,
	}

	err := m.installer.Install(m.ctx, bundle, func(percentage int) {
		m.onInstallProgress(sessionID, percentage)
	})

	m.onInstallComplete(sessionID, err)
}

// onInstallProgress records progress reported by the installer for the
// given session. Reports for any other session are dropped.
func (m *Manager) onInstallProgress(sessionID string, percentage int) {
	m.mtx.Lock()

	if m.session.id != sessionID || !m.session.setProgress(percentage) {
		m.mtx.Unlock()
		return
	}

	info := m.session.Info()
	m.publish(Event{Type: EventSessionChanged, Session: &info})
	m.mtx.Unlock()
}

// onInstallComplete finishes the given session. On success the installed
// entry is removed from the catalog.
func (m *Manager) onInstallComplete(sessionID string, err error) {
	m.mtx.Lock()

	if m.session.id != sessionID || !m.session.finish(err, m.now()) {
		m.mtx.Unlock()
		return
	}

	info := m.session.Info()

	var cleared bool
	if err == nil {
		if current := m.catalog.Snapshot(); current.Available && current.Same(info.Target) {
			m.catalog.Clear()
			cleared = true
		}
	}

	m.publish(Event{Type: EventSessionChanged, Session: &info})

	if cleared {
		m.publish(Event{Type: EventCatalogCleared, Update: &Snapshot{}})
	}

	onInstalled := m.onInstalled
	m.mtx.Unlock()

	if err != nil {
		m.log.Errorf("Install of %v %v failed: %v", info.Target.Name, info.Target.Version, err)
	} else {
		m.log.Infof("Installed %v %v", info.Target.Name, info.Target.Version)
	}

	if m.journal != nil {
		if err := m.journal.RecordInstall(info); err != nil {
			m.log.Warnf("Could not record install %v: %v", info.Id, err)
		}
	}

	if err == nil && onInstalled != nil {
		onInstalled(info)
	}
}

// OnCatalogUpdated stores entry as the next available update. Subscribers
// are notified when the entry differs in name or version from the previous
// one, or the catalog was empty.
func (m *Manager) OnCatalogUpdated(entry Entry) {
	m.mtx.Lock()
	changed := m.catalog.Set(entry)
	snapshot := m.catalog.Snapshot()

	if changed {
		m.publish(Event{Type: EventUpdateAvailable, Update: &snapshot})
	}
	m.mtx.Unlock()

	if !changed {
		m.log.Debugf("Update %v %v already known", entry.Name, entry.Version)
		return
	}

	m.log.Infof("Update available: %v %v", entry.Name, entry.Version)
}

// Close cancels the context handed to running installs and waits for them
// to return. It is meant for process shutdown; clients have no way to
// cancel an install.
func (m *Manager) Close() {
	m.mtx.Lock()
	m.cancel()
	m.mtx.Unlock()

	m.wg.Wait()
}
