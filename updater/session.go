package updater

import (
	"time"

	"github.com/google/uuid"
)

// Session is one installation attempt. Like the Catalog it relies on the
// Manager for locking.
type Session struct {
	id       string
	state    State
	progress int
	err      string
	target   Entry
	started  time.Time
	finished time.Time
}

func newSession() *Session {
	return &Session{
		state: StateIdle,
	}
}

// AcceptsInstall reports whether a new install may start from this session.
func (s *Session) AcceptsInstall() bool {
	return s.state == StateIdle || s.state.Terminal()
}

// begin returns a fresh session installing target.
func (s *Session) begin(target Entry, now time.Time) *Session {
	return &Session{
		id:       uuid.New().String(),
		state:    StateInstalling,
		progress: 0,
		target:   target,
		started:  now,
	}
}

// setProgress records p while installing. Values are clamped to 0..100 and
// progress never goes backwards.
func (s *Session) setProgress(p int) bool {
	if s.state != StateInstalling {
		return false
	}

	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}

	if p <= s.progress {
		return false
	}

	s.progress = p

	return true
}

// finish moves an installing session to Succeeded or Failed. Failed keeps
// the last observed progress.
func (s *Session) finish(err error, now time.Time) bool {
	if s.state != StateInstalling {
		return false
	}

	s.finished = now

	if err != nil {
		s.state = StateFailed
		s.err = err.Error()
		return true
	}

	s.state = StateSucceeded
	s.progress = 100

	return true
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		Id:       s.id,
		State:    s.state,
		Progress: s.progress,
		Error:    s.err,
		Target:   s.target,
		Started:  s.started,
		Finished: s.finished,
	}
}
