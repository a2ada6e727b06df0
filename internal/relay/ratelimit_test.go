package relay

import (
	"net/http"
	"testing"
)

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	if !rl.Allow("1.2.3.4") {
		t.Fatalf("expected first request to be allowed")
	}
	if rl.Allow("1.2.3.4") {
		t.Fatalf("expected burst-of-1 to reject the immediate second request")
	}
	if !rl.Allow("5.6.7.8") {
		t.Fatalf("expected a different IP to have its own independent budget")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := &http.Request{
		Header:     http.Header{"X-Forwarded-For": []string{"9.9.9.9, 1.1.1.1"}},
		RemoteAddr: "10.0.0.1:5555",
	}
	if got := clientIP(r); got != "9.9.9.9" {
		t.Fatalf("expected first forwarded address, got %q", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := &http.Request{RemoteAddr: "10.0.0.1:5555"}
	if got := clientIP(r); got != "10.0.0.1" {
		t.Fatalf("expected remote addr host, got %q", got)
	}
}
