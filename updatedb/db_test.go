package updatedb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/the-lightning-land/updated/updater"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "data")

	db, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db, dir
}

func session(id, version string, state updater.State, finished time.Time) updater.SessionInfo {
	return updater.SessionInfo{
		Id:       id,
		State:    state,
		Progress: 100,
		Target: updater.Entry{
			Name:    "Penguin",
			Version: version,
			Bundle:  "https://example.com/penguin_update.bin",
		},
		Started:  finished.Add(-time.Minute),
		Finished: finished,
	}
}

func TestOpenCreatesFile(t *testing.T) {
	db, dir := openTestDB(t)

	assert.Equal(t, filepath.Join(dir, "updated.db"), db.Path())
	assert.FileExists(t, db.Path())
}

func TestRecordInstalls(t *testing.T) {
	db, _ := openTestDB(t)
	base := time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC)

	failed := session("a", "1.8.2", updater.StateFailed, base)
	failed.Progress = 30
	failed.Error = "signature mismatch"

	require.NoError(t, db.RecordInstall(failed))
	require.NoError(t, db.RecordInstall(session("b", "1.8.2", updater.StateSucceeded, base.Add(time.Hour))))
	require.NoError(t, db.RecordInstall(session("c", "1.9.0", updater.StateSucceeded, base.Add(2*time.Hour))))

	installs, err := db.Installs(0)
	require.NoError(t, err)
	require.Len(t, installs, 3)
	assert.Equal(t, "c", installs[0].Id)
	assert.Equal(t, "b", installs[1].Id)
	assert.Equal(t, "a", installs[2].Id)

	assert.Equal(t, updater.StateFailed, installs[2].State)
	assert.Equal(t, 30, installs[2].Progress)
	assert.Equal(t, "signature mismatch", installs[2].Error)
	assert.True(t, base.Equal(installs[2].Finished))
	assert.Equal(t, "Penguin", installs[2].Target.Name)

	installs, err = db.Installs(2)
	require.NoError(t, err)
	require.Len(t, installs, 2)
	assert.Equal(t, "c", installs[0].Id)
}

func TestRecordUnfinishedInstall(t *testing.T) {
	db, _ := openTestDB(t)

	err := db.RecordInstall(updater.SessionInfo{Id: "a", State: updater.StateInstalling})
	assert.Error(t, err)

	installs, err := db.Installs(0)
	require.NoError(t, err)
	assert.Empty(t, installs)
}

func TestLastInstall(t *testing.T) {
	db, dir := openTestDB(t)

	last, err := db.LastInstall()
	require.NoError(t, err)
	assert.Nil(t, last)

	base := time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.RecordInstall(session("a", "1.8.2", updater.StateSucceeded, base)))
	require.NoError(t, db.RecordInstall(session("b", "1.9.0", updater.StateFailed, base.Add(time.Hour))))

	last, err = db.LastInstall()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "b", last.Id)
	assert.Equal(t, "1.9.0", last.Target.Version)

	// Survives a reopen.
	require.NoError(t, db.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	last, err = reopened.LastInstall()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "b", last.Id)
}

func TestRecordInstallIsAtomic(t *testing.T) {
	db, _ := openTestDB(t)
	base := time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.RecordInstall(session("a", "1.8.2", updater.StateSucceeded, base)))

	// A bucket in place of the last install makes the second write fail.
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		state := tx.Bucket(stateBucket)
		if err := state.Delete(lastInstallKey); err != nil {
			return err
		}
		_, err := state.CreateBucket(lastInstallKey)
		return err
	}))

	err := db.RecordInstall(session("b", "1.9.0", updater.StateSucceeded, base.Add(time.Hour)))
	require.Error(t, err)

	installs, err := db.Installs(0)
	require.NoError(t, err)
	require.Len(t, installs, 1)
	assert.Equal(t, "a", installs[0].Id)
}
