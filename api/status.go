package api

import (
	"net/http"
	"time"

	"github.com/the-lightning-land/updated/updater"
)

type updateResponse struct {
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	ReleaseDate *time.Time `json:"releaseDate,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	Prerelease  bool       `json:"prerelease,omitempty"`
}

type statusResponse struct {
	Status     string          `json:"status"`
	Progress   *int            `json:"progress,omitempty"`
	Error      string          `json:"error,omitempty"`
	Session    string          `json:"session,omitempty"`
	NextUpdate *updateResponse `json:"nextUpdate,omitempty"`
}

func newUpdateResponse(entry updater.Entry) *updateResponse {
	res := &updateResponse{
		Name:       entry.Name,
		Version:    entry.Version,
		Notes:      entry.Notes,
		Prerelease: entry.Prerelease,
	}

	if !entry.ReleaseDate.IsZero() {
		date := entry.ReleaseDate
		res.ReleaseDate = &date
	}

	return res
}

// newStatusResponse leaves out progress while idle and the next update when
// there is none, so an idle daemon answers with just its status.
func newStatusResponse(session updater.SessionInfo, next updater.Snapshot) *statusResponse {
	res := &statusResponse{
		Status:  session.State.String(),
		Error:   session.Error,
		Session: session.Id,
	}

	if session.State != updater.StateIdle {
		progress := session.Progress
		res.Progress = &progress
	}

	if next.Available {
		res.NextUpdate = newUpdateResponse(next.Entry)
	}

	return res
}

func (a *Api) handleGetStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := newStatusResponse(a.manager.Session(), a.manager.NextUpdate())

		a.jsonResponse(w, res, http.StatusOK)
	}
}

func (a *Api) handleGetCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next := a.manager.NextUpdate()
		if !next.Available {
			a.jsonError(w, updater.ErrNoUpdateAvailable.Error(), http.StatusNotFound)
			return
		}

		a.jsonResponse(w, newUpdateResponse(next.Entry), http.StatusOK)
	}
}
