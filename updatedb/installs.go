package updatedb

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/go-errors/errors"
	"go.etcd.io/bbolt"

	"github.com/the-lightning-land/updated/updater"
)

// check DB compliance to the journal interface during compile time
var _ updater.Journal = (*DB)(nil)

type install struct {
	Id       string    `json:"id"`
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	Bundle   string    `json:"bundle"`
	State    string    `json:"state"`
	Progress int       `json:"progress"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// installKey orders installs by finish time, the id keeps keys unique.
func installKey(info updater.SessionInfo) []byte {
	key := make([]byte, 8, 8+len(info.Id))
	binary.BigEndian.PutUint64(key, uint64(info.Finished.UnixNano()))

	return append(key, info.Id...)
}

// RecordInstall stores a finished install session and remembers it as the
// last install.
func (db *DB) RecordInstall(info updater.SessionInfo) error {
	if !info.State.Terminal() {
		return errors.Errorf("Session %v has not finished", info.Id)
	}

	record := &install{
		Id:       info.Id,
		Name:     info.Target.Name,
		Version:  info.Target.Version,
		Bundle:   info.Target.Bundle,
		State:    info.State.String(),
		Progress: info.Progress,
		Error:    info.Error,
		Started:  info.Started,
		Finished: info.Finished,
	}

	// Both records are written together so the journal and the last
	// install never disagree.
	return db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx, installsBucket, installKey(info), record); err != nil {
			return errors.Errorf("Could not record install %v: %v", info.Id, err)
		}

		if err := putJSON(tx, stateBucket, lastInstallKey, record); err != nil {
			return errors.Errorf("Could not record last install %v: %v", info.Id, err)
		}

		return nil
	})
}

// LastInstall returns the most recently recorded session, or nil if there
// is none.
func (db *DB) LastInstall() (*updater.SessionInfo, error) {
	var record install

	found, err := db.getJSON(stateBucket, lastInstallKey, &record)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}

	session := record.sessionInfo()

	return &session, nil
}

// Installs returns up to limit recorded sessions, most recent first. A limit
// of zero or less returns all of them.
func (db *DB) Installs(limit int) ([]updater.SessionInfo, error) {
	installs := []updater.SessionInfo{}

	err := db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(installsBucket)
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(installs) >= limit {
				break
			}

			var record install
			if err := json.Unmarshal(v, &record); err != nil {
				return errors.Errorf("Could not unmarshal install: %v", err)
			}

			installs = append(installs, record.sessionInfo())
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return installs, nil
}

func (i *install) sessionInfo() updater.SessionInfo {
	return updater.SessionInfo{
		Id:       i.Id,
		State:    updater.State(i.State),
		Progress: i.Progress,
		Error:    i.Error,
		Target: updater.Entry{
			Name:    i.Name,
			Version: i.Version,
			Bundle:  i.Bundle,
		},
		Started:  i.Started,
		Finished: i.Finished,
	}
}
