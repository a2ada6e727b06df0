package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ehrlich-b/relaywire/internal/config"
	"github.com/ehrlich-b/relaywire/internal/ws"
)

// testHarness spins up a real HTTP server running the relay and dials real
// WebSocket connections against it — this exercises the whole router, not
// just its component parts.
type testHarness struct {
	t   *testing.T
	srv *httptest.Server
	wsURL string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	s := NewServer(testConfig(), prometheus.NewRegistry())
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &testHarness{
		t:     t,
		srv:   srv,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func testConfig() config.Config {
	c := config.Default()
	c.JWTSecret = "test-secret"
	c.MaxSessionsPerUser = 5
	c.MaxFailedAttempts = 5
	return c
}

func (h *testHarness) dial() *ws.Client {
	h.t.Helper()
	c := ws.NewClient(h.wsURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		h.t.Fatalf("connect: %v", err)
	}
	go c.Run(context.Background())
	h.t.Cleanup(func() { c.Close() })
	return c
}

// recvOne waits for the next message of one of the given types, skipping
// every other message (pings included, which the harness's own connections
// don't proactively answer).
func recvOne(t *testing.T, ch chan wsMsg, timeout time.Duration, want ...string) wsMsg {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case m := <-ch:
			for _, w := range want {
				if m.typ == w {
					return m
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for one of %v", want)
		}
	}
}

type wsMsg struct {
	typ string
	raw []byte
}

func collector(c *ws.Client) chan wsMsg {
	ch := make(chan wsMsg, 32)
	c.OnMessage = func(typ string, raw []byte) {
		ch <- wsMsg{typ: typ, raw: raw}
	}
	return ch
}

// TestHostRegisterAndControllerConnect mirrors scenario S1: a host claims
// "alpha", a controller connects with the same password, and the host sees
// a users_changed presence update.
func TestHostRegisterAndControllerConnect(t *testing.T) {
	h := newTestHarness(t)

	host := h.dial()
	hostMsgs := collector(host)
	if err := host.Send(ws.RegisterComputer{Type: ws.TypeRegisterComputer, Password: "alpha"}); err != nil {
		t.Fatalf("send register: %v", err)
	}
	recvOne(t, hostMsgs, 2*time.Second, ws.TypeRegistered)

	controller := h.dial()
	ctrlMsgs := collector(controller)
	if err := controller.Send(ws.ConnectToComputer{Type: ws.TypeConnectToComputer, Password: "alpha"}); err != nil {
		t.Fatalf("send connect: %v", err)
	}
	connected := recvOne(t, ctrlMsgs, 2*time.Second, ws.TypeConnected)
	if len(connected.raw) == 0 {
		t.Fatalf("expected a connected payload")
	}

	recvOne(t, hostMsgs, 2*time.Second, ws.TypeUsersChanged)
}

// TestHostTakeover mirrors scenario S1's takeover clause: a second host
// registering "alpha" replaces the first, which is notified and its
// controllers are told the computer disconnected.
func TestHostTakeover(t *testing.T) {
	h := newTestHarness(t)

	host1 := h.dial()
	host1Msgs := collector(host1)
	host1.Send(ws.RegisterComputer{Type: ws.TypeRegisterComputer, Password: "alpha"})
	recvOne(t, host1Msgs, 2*time.Second, ws.TypeRegistered)

	controller := h.dial()
	ctrlMsgs := collector(controller)
	controller.Send(ws.ConnectToComputer{Type: ws.TypeConnectToComputer, Password: "alpha"})
	recvOne(t, ctrlMsgs, 2*time.Second, ws.TypeConnected)

	host2 := h.dial()
	host2Msgs := collector(host2)
	host2.Send(ws.RegisterComputer{Type: ws.TypeRegisterComputer, Password: "alpha"})
	recvOne(t, host2Msgs, 2*time.Second, ws.TypeRegistered)

	recvOne(t, host1Msgs, 2*time.Second, ws.TypeReplaced)
	recvOne(t, ctrlMsgs, 2*time.Second, ws.TypeComputerDisconnected)
}

// TestLockoutScenario mirrors scenario S2: five failed connect attempts
// against "zzzz" then a sixth rejected purely by the lockout counter.
func TestLockoutScenario(t *testing.T) {
	h := newTestHarness(t)

	for i := 0; i < 5; i++ {
		c := h.dial()
		msgs := collector(c)
		c.Send(ws.ConnectToComputer{Type: ws.TypeConnectToComputer, Password: "zzzz"})
		recvOne(t, msgs, 2*time.Second, ws.TypeError)
	}

	// Now register the host — a 6th attempt must still be rejected by the
	// lockout, not merely by "computer not found".
	host := h.dial()
	hostMsgs := collector(host)
	host.Send(ws.RegisterComputer{Type: ws.TypeRegisterComputer, Password: "zzzz"})
	recvOne(t, hostMsgs, 2*time.Second, ws.TypeRegistered)

	c := h.dial()
	msgs := collector(c)
	c.Send(ws.ConnectToComputer{Type: ws.TypeConnectToComputer, Password: "zzzz"})
	errMsg := recvOne(t, msgs, 2*time.Second, ws.TypeError)
	if !strings.Contains(string(errMsg.raw), "Too many attempts") {
		t.Fatalf("expected lockout error, got %s", errMsg.raw)
	}
}

// TestDirectedResponseReachesOnlyRequester mirrors scenario S5: two
// controllers C1/C2 both browse; only the requesting controller receives
// the browse_result.
func TestDirectedResponseReachesOnlyRequester(t *testing.T) {
	h := newTestHarness(t)

	host := h.dial()
	host.Send(ws.RegisterComputer{Type: ws.TypeRegisterComputer, Password: "alpha"})

	c1 := h.dial()
	c1Msgs := collector(c1)
	c1.Send(ws.ConnectToComputer{Type: ws.TypeConnectToComputer, Password: "alpha"})
	connected1 := recvOne(t, c1Msgs, 2*time.Second, ws.TypeConnected)

	c2 := h.dial()
	c2Msgs := collector(c2)
	c2.Send(ws.ConnectToComputer{Type: ws.TypeConnectToComputer, Password: "alpha"})
	recvOne(t, c2Msgs, 2*time.Second, ws.TypeConnected)

	var sess1 struct {
		SessionID string `json:"sessionId"`
	}
	decodeInto(t, connected1.raw, &sess1)

	hostFileMsgs := collector(host)
	c1.Send(ws.BrowseFiles{Type: ws.TypeBrowseFiles, Path: "/tmp"})

	fwd := recvOne(t, hostFileMsgs, 2*time.Second, ws.TypeFileCommand)
	var fwdMsg struct {
		RequesterID string `json:"requesterId"`
	}
	decodeInto(t, fwd.raw, &fwdMsg)
	if fwdMsg.RequesterID != sess1.SessionID {
		t.Fatalf("expected forwarded request stamped with C1's session")
	}

	host.Send(ws.BrowseResultRelay{
		Type:        ws.TypeBrowseResultRelay,
		RequesterID: fwdMsg.RequesterID,
		Success:     true,
		Path:        "/tmp",
	})

	recvOne(t, c1Msgs, 2*time.Second, ws.TypeBrowseResult)

	select {
	case m := <-c2Msgs:
		if m.typ == ws.TypeBrowseResult {
			t.Fatalf("C2 should never receive the directed browse_result")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func decodeInto(t *testing.T, raw []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
