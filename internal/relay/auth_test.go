package relay

import (
	"testing"
	"time"

	"github.com/ehrlich-b/relaywire/internal/ws"
)

func TestValidatePasswordFormat(t *testing.T) {
	cases := map[string]bool{
		"":      false,
		"abc":   false,
		"abcd":  true,
		"alpha": true,
	}
	for pw, want := range cases {
		if got := ValidatePasswordFormat(pw); got != want {
			t.Errorf("ValidatePasswordFormat(%q) = %v, want %v", pw, got, want)
		}
	}
}

// TestLockoutAfterMaxFailedAttempts mirrors scenario S2: five failed
// attempts against "zzzz" trip the lockout, and a sixth is rejected purely
// by the counter, without ever touching the registry.
func TestLockoutAfterMaxFailedAttempts(t *testing.T) {
	a := NewAuth(5, 15*time.Minute, 30*24*time.Hour, 200)

	for i := 0; i < 5; i++ {
		if locked, _ := a.CheckLockout("zzzz"); locked {
			t.Fatalf("unexpected lockout before reaching threshold (attempt %d)", i)
		}
		a.RecordFailedAttempt("zzzz")
	}

	locked, remaining := a.CheckLockout("zzzz")
	if !locked {
		t.Fatalf("expected lockout to be active after 5 failed attempts")
	}
	if remaining <= 0 {
		t.Fatalf("expected positive remaining minutes, got %d", remaining)
	}
}

func TestClearFailedAttemptsResetsLockout(t *testing.T) {
	a := NewAuth(3, time.Minute, time.Hour, 10)
	a.RecordFailedAttempt("alpha")
	a.RecordFailedAttempt("alpha")
	a.ClearFailedAttempts("alpha")

	a.RecordFailedAttempt("alpha")
	if locked, _ := a.CheckLockout("alpha"); locked {
		t.Fatalf("expected lockout cleared, counter should have restarted")
	}
}

func TestTrustedDeviceLifecycle(t *testing.T) {
	a := NewAuth(5, time.Minute, time.Hour, 10)
	deviceID := a.RegisterTrustedDevice("alpha", ws.DeviceInfo{Name: "laptop"})

	valid, reason := a.ValidateTrustedDevice("alpha", deviceID)
	if !valid {
		t.Fatalf("expected device to validate, got reason %q", reason)
	}

	if valid, reason := a.ValidateTrustedDevice("wrong-password", deviceID); valid || reason != "Password changed" {
		t.Fatalf("expected password-changed rejection, got valid=%v reason=%q", valid, reason)
	}

	if valid, reason := a.ValidateTrustedDevice("alpha", "unknown-device"); valid || reason != "Device not found" {
		t.Fatalf("expected device-not-found rejection, got valid=%v reason=%q", valid, reason)
	}
}

func TestTrustedDeviceExpiry(t *testing.T) {
	a := NewAuth(5, time.Minute, 0, 10) // trustedExpiry=0: any age is expired
	deviceID := a.RegisterTrustedDevice("alpha", ws.DeviceInfo{})

	valid, reason := a.ValidateTrustedDevice("alpha", deviceID)
	if valid || reason != "Device trust expired" {
		t.Fatalf("expected expiry rejection, got valid=%v reason=%q", valid, reason)
	}
}

func TestSecurityLogCapsAndOrdersNewestFirst(t *testing.T) {
	a := NewAuth(5, time.Minute, time.Hour, 3)
	a.LogSecurityEvent("EVENT_A", "", "")
	a.LogSecurityEvent("EVENT_B", "", "")
	a.LogSecurityEvent("EVENT_C", "", "")
	a.LogSecurityEvent("EVENT_D", "", "")

	log := a.SecurityLog()
	if len(log) != 3 {
		t.Fatalf("expected log capped at 3 entries, got %d", len(log))
	}
	if log[0].Event != "EVENT_D" {
		t.Fatalf("expected newest entry first, got %q", log[0].Event)
	}
}
