package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-errors/errors"
	"github.com/gorilla/websocket"

	"github.com/the-lightning-land/updated/updater"
)

const defaultHistoryLimit = 20

type sessionResponse struct {
	Id       string     `json:"id"`
	Name     string     `json:"name"`
	Version  string     `json:"version"`
	State    string     `json:"state"`
	Progress int        `json:"progress"`
	Error    string     `json:"error,omitempty"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
}

type eventResponse struct {
	Type    string           `json:"type"`
	Update  *updateResponse  `json:"update,omitempty"`
	Session *sessionResponse `json:"session,omitempty"`
}

func newSessionResponse(info updater.SessionInfo) *sessionResponse {
	res := &sessionResponse{
		Id:       info.Id,
		Name:     info.Target.Name,
		Version:  info.Target.Version,
		State:    info.State.String(),
		Progress: info.Progress,
		Error:    info.Error,
		Started:  info.Started,
	}

	if !info.Finished.IsZero() {
		finished := info.Finished
		res.Finished = &finished
	}

	return res
}

func newEventResponse(event updater.Event) *eventResponse {
	res := &eventResponse{
		Type: string(event.Type),
	}

	if event.Update != nil && event.Update.Available {
		res.Update = newUpdateResponse(event.Update.Entry)
	}

	if event.Session != nil {
		res.Session = newSessionResponse(*event.Session)
	}

	return res
}

func (a *Api) handlePostUpdate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ack, err := a.manager.InstallNextUpdateAsync()
		if errors.Is(err, updater.ErrNoUpdateAvailable) {
			a.jsonError(w, err.Error(), http.StatusNotFound)
			return
		} else if err != nil {
			a.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if !ack.Started {
			a.log.Debugf("Install already running in session %v", ack.SessionId)
		}

		// The worker may already have moved on, answer with the state the
		// request committed.
		res := newStatusResponse(ack.Session, a.manager.NextUpdate())

		a.jsonResponse(w, res, http.StatusOK)
	}
}

func (a *Api) handleGetHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.history == nil {
			a.jsonResponse(w, []*sessionResponse{}, http.StatusOK)
			return
		}

		limit := defaultHistoryLimit
		if value := r.URL.Query().Get("limit"); value != "" {
			parsed, err := strconv.Atoi(value)
			if err != nil || parsed <= 0 {
				a.jsonError(w, "Invalid limit", http.StatusBadRequest)
				return
			}

			limit = parsed
		}

		installs, err := a.history.Installs(limit)
		if err != nil {
			a.log.Errorf("Could not read install history: %v", err)
			a.jsonError(w, "Could not read install history", http.StatusInternalServerError)
			return
		}

		res := make([]*sessionResponse, 0, len(installs))
		for _, install := range installs {
			res = append(res, newSessionResponse(install))
		}

		a.jsonResponse(w, res, http.StatusOK)
	}
}

func (a *Api) handleGetEvents() http.HandlerFunc {
	upgrader := &websocket.Upgrader{}

	return func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// The upgrader has already responded.
			a.log.Warnf("Could not upgrade to websocket: %v", err)
			return
		}

		client := a.manager.Hub().Subscribe()
		defer client.Cancel()

		done := make(chan struct{})

		// read pump
		go func() {
			defer close(done)

			c.SetReadLimit(512)
			_ = c.SetReadDeadline(time.Now().Add(60 * time.Second))
			c.SetPongHandler(func(string) error {
				return c.SetReadDeadline(time.Now().Add(60 * time.Second))
			})

			for {
				_, _, err := c.ReadMessage()
				if err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						a.log.Errorf("unexpected websocket closure: %v", err)
					}
					break
				}
			}
		}()

		// write pump
		defer c.Close()

		ticker := time.NewTicker(54 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-client.Events:
				_ = c.SetWriteDeadline(time.Now().Add(10 * time.Second))

				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}

				err := c.WriteJSON(newEventResponse(event))
				if err != nil {
					return
				}
			case <-ticker.C:
				_ = c.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}
