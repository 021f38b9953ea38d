package updater

import (
	"time"

	"github.com/go-errors/errors"
)

// State is the state of an install session as reported to clients.
type State string

const StateIdle State = "idle"
const StateInstalling State = "installing"
const StateSucceeded State = "succeeded"
const StateFailed State = "failed"

func (s State) String() string {
	return string(s)
}

// Terminal reports whether the session has finished.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var (
	// ErrNoUpdateAvailable is returned when an install is requested while
	// the catalog holds no entry.
	ErrNoUpdateAvailable = errors.New("no update available")
)

// Entry describes an update known to the catalog. Name and Version identify
// it; the remaining fields are carried along for the installer and clients.
type Entry struct {
	Name        string
	Version     string
	Bundle      string
	Notes       string
	ReleaseDate time.Time
	Prerelease  bool
}

// Same reports whether both entries identify the same update.
func (e Entry) Same(other Entry) bool {
	return e.Name == other.Name && e.Version == other.Version
}

// Snapshot is a read copy of the catalog. Entry is only meaningful when
// Available is true.
type Snapshot struct {
	Available bool
	Entry
}

// SessionInfo is a read copy of an install session.
type SessionInfo struct {
	Id       string
	State    State
	Progress int
	Error    string
	Target   Entry
	Started  time.Time
	Finished time.Time
}

// Ack is handed back for an accepted install request. Started is false when
// the request joined an install that was already running. Session is the
// state committed by the request, before the worker could change it.
type Ack struct {
	SessionId string
	Started   bool
	Target    Entry
	Session   SessionInfo
}

type EventType string

const EventUpdateAvailable EventType = "update-available"
const EventCatalogCleared EventType = "catalog-cleared"
const EventSessionChanged EventType = "session-changed"

type Event struct {
	Type    EventType
	Update  *Snapshot
	Session *SessionInfo
}

// Journal persists finished install sessions.
type Journal interface {
	RecordInstall(info SessionInfo) error
}
