package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/the-lightning-land/updated/updater"
)

func session(state updater.State, progress int) updater.Event {
	return updater.Event{
		Type:    updater.EventSessionChanged,
		Session: &updater.SessionInfo{State: state, Progress: progress},
	}
}

func TestObserve(t *testing.T) {
	m := New(prometheus.NewRegistry())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.installState.WithLabelValues("idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.updateAvailable))

	m.Observe(updater.Event{Type: updater.EventUpdateAvailable, Update: &updater.Snapshot{Available: true}})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.updateAvailable))

	m.Observe(session(updater.StateInstalling, 0))
	m.Observe(session(updater.StateInstalling, 75))
	assert.Equal(t, 75.0, testutil.ToFloat64(m.installProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.installState.WithLabelValues("installing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.installState.WithLabelValues("idle")))

	m.Observe(session(updater.StateSucceeded, 100))
	m.Observe(updater.Event{Type: updater.EventCatalogCleared, Update: &updater.Snapshot{}})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.updateAvailable))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.installsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.installState.WithLabelValues("succeeded")))

	m.Observe(session(updater.StateInstalling, 0))
	m.Observe(session(updater.StateFailed, 10))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.installsTotal.WithLabelValues("failed")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.installProgress))
}

func TestRunConsumesHub(t *testing.T) {
	m := New(prometheus.NewRegistry())
	hub := updater.NewHub()
	sub := hub.Subscribe()

	done := make(chan struct{})
	go func() {
		m.Run(sub)
		close(done)
	}()

	hub.Publish(updater.Event{Type: updater.EventUpdateAvailable, Update: &updater.Snapshot{Available: true}})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.updateAvailable) == 1
	}, 2*time.Second, 5*time.Millisecond)

	sub.Cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Observe(updater.Event{Type: updater.EventUpdateAvailable, Update: &updater.Snapshot{Available: true}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "updated_update_available 1")
	assert.Contains(t, rec.Body.String(), `updated_install_state{state="idle"} 1`)
}
