package updater

import (
	"testing"
	"time"

	"github.com/go-errors/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	now := time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)
	target := Entry{Name: "Penguin", Version: "1.8.2"}

	s := newSession()
	assert.Equal(t, StateIdle, s.state)
	assert.True(t, s.AcceptsInstall())
	assert.Equal(t, 0, s.Info().Progress)

	s = s.begin(target, now)
	require.Equal(t, StateInstalling, s.state)
	assert.False(t, s.AcceptsInstall())
	assert.NotEmpty(t, s.id)
	assert.Equal(t, target, s.target)

	assert.True(t, s.setProgress(40))
	assert.False(t, s.setProgress(40), "unchanged progress")
	assert.False(t, s.setProgress(25), "progress going backwards")
	assert.Equal(t, 40, s.progress)
	assert.False(t, s.setProgress(-3))
	assert.Equal(t, 40, s.progress)
	assert.True(t, s.setProgress(250))
	assert.Equal(t, 100, s.progress)

	assert.True(t, s.finish(nil, now.Add(time.Minute)))
	info := s.Info()
	assert.Equal(t, StateSucceeded, info.State)
	assert.Equal(t, 100, info.Progress)
	assert.Empty(t, info.Error)
	assert.Equal(t, now.Add(time.Minute), info.Finished)
	assert.True(t, s.AcceptsInstall())

	assert.False(t, s.setProgress(10), "no progress after termination")
	assert.False(t, s.finish(errors.New("late"), now), "no second termination")
}

func TestSessionFailureKeepsProgress(t *testing.T) {
	s := newSession().begin(Entry{Name: "Penguin", Version: "1.8.2"}, time.Now())
	s.setProgress(63)

	assert.True(t, s.finish(errors.New("slot write failed"), time.Now()))

	info := s.Info()
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, 63, info.Progress)
	assert.Equal(t, "slot write failed", info.Error)
}

func TestSessionBeginCreatesFreshSession(t *testing.T) {
	first := newSession().begin(Entry{Name: "Penguin", Version: "1.8.2"}, time.Now())
	first.finish(errors.New("boom"), time.Now())

	second := first.begin(Entry{Name: "Penguin", Version: "1.8.2"}, time.Now())

	assert.NotEqual(t, first.id, second.id)
	assert.Equal(t, StateInstalling, second.state)
	assert.Equal(t, 0, second.progress)
	assert.Empty(t, second.err)
	assert.Equal(t, StateFailed, first.state)
}
