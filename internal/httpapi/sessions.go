package httpapi

import (
	"net/http"
	"time"

	"github.com/mzanetti/agentrun/internal/sessions"
)

type sessionsSnapshot struct {
	Sessions   []sessions.Session `json:"sessions"`
	CurrentID  string             `json:"current_id,omitempty"`
	AnyRunning bool               `json:"any_running"`
}

func (s *Server) snapshotSessions() sessionsSnapshot {
	snap := sessionsSnapshot{
		Sessions:   s.sessions.Sessions(),
		AnyRunning: s.sessions.AnyRunning(),
	}
	if cur, ok := s.sessions.Current(); ok {
		snap.CurrentID = cur.ID
	}
	return snap
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.snapshotSessions())
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, _ *http.Request) {
	cur, ok := s.sessions.Current()
	if !ok {
		respondError(w, http.StatusNotFound, "no_current_session", sessions.ErrNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, cur)
}

// handleSessionsWS pushes a full session snapshot on connect and after every
// store change. Snapshots are coalesced per subscriber, so a burst of stream
// events produces one fresh push rather than a backlog.
func (s *Server) handleSessionsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wake := s.subscribeSessions()
	defer s.unsubscribeSessions(wake)

	ctx := r.Context()

	// Drain the client side so close frames and pings are processed.
	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		conn.SetReadLimit(1 << 16)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeSnapshot := func() error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(s.snapshotSessions())
	}
	if err := writeSnapshot(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-readerGone:
			return
		case <-wake:
			if err := writeSnapshot(); err != nil {
				return
			}
		}
	}
}
