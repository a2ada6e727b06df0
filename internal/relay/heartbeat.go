package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/relaywire/internal/logger"
	"github.com/ehrlich-b/relaywire/internal/ws"
)

// transportSet tracks every transport currently accepted, independent of
// whether it has registered as a host or attached as a controller yet —
// the heartbeat sweep needs to reach unregistered connections too.
type transportSet struct {
	mu sync.Mutex
	m  map[*Transport]struct{}
}

func newTransportSet() *transportSet {
	return &transportSet{m: make(map[*Transport]struct{})}
}

func (ts *transportSet) add(t *Transport) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.m[t] = struct{}{}
}

func (ts *transportSet) remove(t *Transport) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.m, t)
}

func (ts *transportSet) snapshot() []*Transport {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]*Transport, 0, len(ts.m))
	for t := range ts.m {
		out = append(out, t)
	}
	return out
}

func (s *Server) trackTransport(t *Transport)   { s.transports.add(t) }
func (s *Server) untrackTransport(t *Transport) { s.transports.remove(t) }

// runHeartbeat sends an app-level ping to every open transport every
// interval and closes any transport that never answered the previous
// round's ping with a pong to mark itself alive again.
func (s *Server) runHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range s.transports.snapshot() {
				if !t.SwapAliveFalse() {
					logger.Debug("heartbeat: closing unresponsive connection")
					t.Close(websocket.StatusGoingAway, "ping timeout")
					continue
				}
				t.Send(ctx, ws.Envelope{Type: ws.TypePing})
			}
		}
	}
}

// sessionSummaries lists every live controller session attached under
// password, for presence broadcasts and get_connected_users.
func (s *Server) sessionSummaries(password string) []ws.SessionSummary {
	sessions := s.Sessions.ListForPassword(password)
	out := make([]ws.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, ws.SessionSummary{
			SessionID:  sess.ID,
			DeviceInfo: sess.DeviceInfo,
			CreatedAt:  sess.CreatedAt.Unix(),
		})
	}
	return out
}

// broadcastPresence sends users_changed to the host and, independently, to
// every attached controller, each time a controller attaches, detaches, is
// kicked, or logs out.
func (s *Server) broadcastPresence(ctx context.Context, password string) {
	sessions := s.sessionSummaries(password)
	msg := ws.UsersChanged{Type: ws.TypeUsersChanged, Sessions: sessions, TotalCount: len(sessions)}

	if host, ok := s.Registry.HostTransport(password); ok {
		host.Send(ctx, msg)
	}
	for _, cr := range s.Registry.ControllersOf(password) {
		cr.Transport.Send(ctx, msg)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// expireAndClose notifies an idle-swept session's transport and closes it.
func (s *Server) expireAndClose(ctx context.Context, sess *Session) {
	sess.Transport.Send(ctx, ws.SessionExpired{
		Type:    ws.TypeSessionExpired,
		Reason:  "expired",
		Message: "Session expired",
	})
	sess.Transport.Close(websocket.StatusNormalClosure, "expired")
}
