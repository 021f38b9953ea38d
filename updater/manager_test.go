package updater

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-errors/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/the-lightning-land/updated/installer"
)

// blockingInstaller reports the progress values sent on progress and returns
// whatever is sent on result.
type blockingInstaller struct {
	progress chan int
	result   chan error
	calls    int32
	bundles  chan installer.Bundle
}

func newBlockingInstaller() *blockingInstaller {
	return &blockingInstaller{
		progress: make(chan int),
		result:   make(chan error),
		bundles:  make(chan installer.Bundle, 10),
	}
}

func (b *blockingInstaller) Install(ctx context.Context, bundle installer.Bundle, progress installer.ProgressFunc) error {
	atomic.AddInt32(&b.calls, 1)
	b.bundles <- bundle

	for {
		select {
		case p := <-b.progress:
			progress(p)
		case err := <-b.result:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type memoryJournal struct {
	mtx     sync.Mutex
	records []SessionInfo
}

func (j *memoryJournal) RecordInstall(info SessionInfo) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	j.records = append(j.records, info)

	return nil
}

func (j *memoryJournal) len() int {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	return len(j.records)
}

var penguin = Entry{Name: "Penguin", Version: "1.8.2", Bundle: "https://example.com/cbpifw-raspberrypi3-64_v1.8.2_update.bin"}

func newTestManager(t *testing.T, inst installer.Installer) (*Manager, *memoryJournal) {
	t.Helper()

	journal := &memoryJournal{}
	m := NewManager(&Config{
		Installer: inst,
		Journal:   journal,
	})
	t.Cleanup(m.Close)

	return m, journal
}

func waitForState(t *testing.T, m *Manager, state State) {
	t.Helper()

	require.Eventually(t, func() bool {
		return m.Status() == state
	}, 2*time.Second, 5*time.Millisecond, "state never became %v", state)
}

func TestNextUpdateIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, newBlockingInstaller())

	assert.Equal(t, Snapshot{}, m.NextUpdate())

	m.OnCatalogUpdated(penguin)

	first := m.NextUpdate()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, m.NextUpdate())
	}
}

func TestNextUpdateReturnsCatalogEntry(t *testing.T) {
	m, _ := newTestManager(t, newBlockingInstaller())

	m.OnCatalogUpdated(Entry{Name: "Penguin", Version: "1.8.2"})

	next := m.NextUpdate()
	assert.True(t, next.Available)
	assert.Equal(t, "Penguin", next.Name)
	assert.Equal(t, "1.8.2", next.Version)
}

func TestInstallWithoutUpdateFails(t *testing.T) {
	inst := newBlockingInstaller()
	m, _ := newTestManager(t, inst)
	before := m.Session()

	ack, err := m.InstallNextUpdateAsync()

	assert.ErrorIs(t, err, ErrNoUpdateAvailable)
	assert.Nil(t, ack)
	assert.Equal(t, before, m.Session())
	assert.Equal(t, StateIdle, m.Status())
	assert.Equal(t, 0, m.Progress())
	assert.Equal(t, int32(0), atomic.LoadInt32(&inst.calls))
}

func TestInstallIsAsynchronous(t *testing.T) {
	inst := newBlockingInstaller()
	m, journal := newTestManager(t, inst)
	m.OnCatalogUpdated(penguin)

	ack, err := m.InstallNextUpdateAsync()
	require.NoError(t, err)
	assert.True(t, ack.Started)
	assert.Equal(t, penguin, ack.Target)

	// The installer has not reported anything yet.
	assert.Equal(t, StateInstalling, m.Status())
	assert.Equal(t, 0, m.Progress())

	bundle := <-inst.bundles
	assert.Equal(t, installer.Bundle{Name: "Penguin", Version: "1.8.2", Source: penguin.Bundle}, bundle)

	inst.progress <- 75
	require.Eventually(t, func() bool { return m.Progress() == 75 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateInstalling, m.Status())

	inst.result <- nil
	waitForState(t, m, StateSucceeded)
	assert.Equal(t, 100, m.Progress())
	assert.False(t, m.NextUpdate().Available, "installed entry is cleared from the catalog")

	require.Eventually(t, func() bool { return journal.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ack.SessionId, journal.records[0].Id)
}

func TestPenguinScenario(t *testing.T) {
	inst := newBlockingInstaller()
	m, _ := newTestManager(t, inst)

	m.OnCatalogUpdated(Entry{Name: "Penguin", Version: "1.8.2"})

	next := m.NextUpdate()
	assert.Equal(t, "Penguin", next.Name)
	assert.Equal(t, "1.8.2", next.Version)

	_, err := m.InstallNextUpdateAsync()
	require.NoError(t, err)
	assert.Equal(t, StateInstalling, m.Status())

	<-inst.bundles
	inst.progress <- 75
	require.Eventually(t, func() bool { return m.Progress() == 75 }, time.Second, 5*time.Millisecond)
}

func TestFailedInstallKeepsCatalog(t *testing.T) {
	inst := newBlockingInstaller()
	m, journal := newTestManager(t, inst)
	m.OnCatalogUpdated(penguin)

	_, err := m.InstallNextUpdateAsync()
	require.NoError(t, err)
	<-inst.bundles
	inst.progress <- 30
	inst.result <- errors.New("bundle signature mismatch")

	waitForState(t, m, StateFailed)

	session := m.Session()
	assert.Equal(t, 30, session.Progress)
	assert.Equal(t, "bundle signature mismatch", session.Error)
	assert.True(t, m.NextUpdate().Available)
	require.Eventually(t, func() bool { return journal.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateFailed, journal.records[0].State)

	// A failed install is retried only on request, with a fresh session.
	ack, err := m.InstallNextUpdateAsync()
	require.NoError(t, err)
	assert.True(t, ack.Started)
	assert.NotEqual(t, session.Id, ack.SessionId)
	assert.Equal(t, StateInstalling, m.Status())
	assert.Equal(t, 0, m.Progress())
	assert.Empty(t, m.Session().Error)

	<-inst.bundles
	inst.result <- nil
	waitForState(t, m, StateSucceeded)
}

func TestInstallWhileInstallingJoinsRunningSession(t *testing.T) {
	inst := newBlockingInstaller()
	m, _ := newTestManager(t, inst)
	m.OnCatalogUpdated(penguin)

	first, err := m.InstallNextUpdateAsync()
	require.NoError(t, err)

	second, err := m.InstallNextUpdateAsync()
	require.NoError(t, err)

	assert.False(t, second.Started)
	assert.Equal(t, first.SessionId, second.SessionId)

	<-inst.bundles
	inst.result <- nil
	waitForState(t, m, StateSucceeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inst.calls))
}

func TestConcurrentInstallsAreSingleFlight(t *testing.T) {
	inst := newBlockingInstaller()
	m, _ := newTestManager(t, inst)
	m.OnCatalogUpdated(penguin)

	var wg sync.WaitGroup
	var started int32
	sessions := make(chan string, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := m.InstallNextUpdateAsync()
			if !assert.NoError(t, err) {
				return
			}
			if ack.Started {
				atomic.AddInt32(&started, 1)
			}
			sessions <- ack.SessionId
		}()
	}

	wg.Wait()
	close(sessions)

	assert.Equal(t, int32(1), atomic.LoadInt32(&started))

	var id string
	for s := range sessions {
		if id == "" {
			id = s
		}
		assert.Equal(t, id, s)
	}

	<-inst.bundles
	inst.result <- nil
	waitForState(t, m, StateSucceeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inst.calls))
}

func TestStaleCallbacksAreIgnored(t *testing.T) {
	inst := newBlockingInstaller()
	m, _ := newTestManager(t, inst)
	m.OnCatalogUpdated(penguin)

	ack, err := m.InstallNextUpdateAsync()
	require.NoError(t, err)

	m.onInstallProgress("some-other-session", 90)
	m.onInstallComplete("some-other-session", nil)

	assert.Equal(t, StateInstalling, m.Status())
	assert.Equal(t, 0, m.Progress())

	m.onInstallProgress(ack.SessionId, 10)
	assert.Equal(t, 10, m.Progress())

	<-inst.bundles
	inst.result <- nil
	waitForState(t, m, StateSucceeded)
}

func TestUpdateAvailableFiresOncePerChange(t *testing.T) {
	m, _ := newTestManager(t, newBlockingInstaller())
	sub := m.Hub().Subscribe()
	defer sub.Cancel()

	m.OnCatalogUpdated(penguin)
	m.OnCatalogUpdated(penguin)

	event := receive(t, sub)
	assert.Equal(t, EventUpdateAvailable, event.Type)
	require.NotNil(t, event.Update)
	assert.Equal(t, "Penguin", event.Update.Name)
	assert.Equal(t, "1.8.2", event.Update.Version)
	assertNoEvent(t, sub)

	m.OnCatalogUpdated(Entry{Name: "Penguin", Version: "1.8.3"})

	event = receive(t, sub)
	assert.Equal(t, EventUpdateAvailable, event.Type)
	assert.Equal(t, "1.8.3", event.Update.Version)
	assertNoEvent(t, sub)
}

func TestSessionEventsArePublished(t *testing.T) {
	inst := newBlockingInstaller()
	m, _ := newTestManager(t, inst)
	m.OnCatalogUpdated(penguin)

	sub := m.Hub().Subscribe()
	defer sub.Cancel()

	_, err := m.InstallNextUpdateAsync()
	require.NoError(t, err)
	<-inst.bundles
	inst.progress <- 50
	inst.result <- nil

	event := receive(t, sub)
	assert.Equal(t, EventSessionChanged, event.Type)
	assert.Equal(t, StateInstalling, event.Session.State)

	event = receive(t, sub)
	assert.Equal(t, 50, event.Session.Progress)

	event = receive(t, sub)
	assert.Equal(t, StateSucceeded, event.Session.State)

	event = receive(t, sub)
	assert.Equal(t, EventCatalogCleared, event.Type)
}

func TestOnInstalledHookRunsAfterSuccess(t *testing.T) {
	inst := newBlockingInstaller()
	m, _ := newTestManager(t, inst)

	installed := make(chan SessionInfo, 1)
	m.SetOnInstalled(func(info SessionInfo) {
		// The manager lock must not be held here.
		_ = m.Status()
		installed <- info
	})

	m.OnCatalogUpdated(penguin)
	_, err := m.InstallNextUpdateAsync()
	require.NoError(t, err)
	<-inst.bundles
	inst.result <- nil

	select {
	case info := <-installed:
		assert.Equal(t, penguin, info.Target)
	case <-time.After(2 * time.Second):
		t.Fatal("hook not called")
	}
}

func TestCloseCancelsRunningInstall(t *testing.T) {
	inst := newBlockingInstaller()
	m := NewManager(&Config{Installer: inst})
	m.OnCatalogUpdated(penguin)

	_, err := m.InstallNextUpdateAsync()
	require.NoError(t, err)
	<-inst.bundles

	m.Close()

	assert.Equal(t, StateFailed, m.Status())
	assert.Equal(t, context.Canceled.Error(), m.Session().Error)
}

func TestNoopInstallerFails(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.OnCatalogUpdated(penguin)

	_, err := m.InstallNextUpdateAsync()
	require.NoError(t, err)

	waitForState(t, m, StateFailed)
	assert.Equal(t, installer.ErrNoInstaller.Error(), m.Session().Error)
}

// instantInstaller finishes before InstallNextUpdateAsync has returned more
// often than not.
type instantInstaller struct {
	err error
}

func (i instantInstaller) Install(ctx context.Context, bundle installer.Bundle, progress installer.ProgressFunc) error {
	progress(100)
	return i.err
}

func TestAckCarriesCommittedSession(t *testing.T) {
	m, _ := newTestManager(t, instantInstaller{err: errors.New("bad bundle")})
	m.OnCatalogUpdated(penguin)

	for i := 0; i < 500; i++ {
		ack, err := m.InstallNextUpdateAsync()
		require.NoError(t, err)

		assert.Equal(t, StateInstalling, ack.Session.State)
		assert.Equal(t, ack.SessionId, ack.Session.Id)
		assert.Equal(t, penguin, ack.Session.Target)
		assert.Empty(t, ack.Session.Error)
	}
}

func TestSessionEventsFollowSessionOrder(t *testing.T) {
	m, _ := newTestManager(t, instantInstaller{err: errors.New("bad bundle")})
	m.OnCatalogUpdated(penguin)

	sub := m.Hub().Subscribe()
	defer sub.Cancel()

	for i := 0; i < 500; i++ {
		_, err := m.InstallNextUpdateAsync()
		require.NoError(t, err)
	}

	// Wait for the last worker, then collect everything it published.
	m.Close()

	var events []SessionInfo
	for {
		select {
		case event := <-sub.Events:
			if event.Type == EventSessionChanged {
				events = append(events, *event.Session)
			}
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}

	require.NotEmpty(t, events)

	seen := make(map[string]bool)
	current := events[0]
	seen[current.Id] = true

	for _, event := range events[1:] {
		if event.Id != current.Id {
			require.True(t, current.State.Terminal(), "session %v replaced while %v", current.Id, current.State)
			require.False(t, seen[event.Id], "events of session %v after it was replaced", event.Id)
			seen[event.Id] = true
		}
		current = event
	}

	assert.Equal(t, m.Session().Id, current.Id)
	assert.Equal(t, StateFailed, current.State)
}
