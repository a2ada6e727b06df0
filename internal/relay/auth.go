package relay

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/relaywire/internal/ws"
)

// failedAttempts tracks one password's brute-force counter.
type failedAttempts struct {
	count       int
	lastAttempt time.Time
}

// trustedDevice is a long-lived auto-login credential. The password itself
// is never stored — only its hash, so a password rotation silently
// invalidates every device trusted under the old one.
type trustedDevice struct {
	deviceID     string
	passwordHash [32]byte
	name         string
	browser      string
	createdAt    time.Time
	lastUsed     time.Time
}

// Auth implements the password format check, failed-attempt lockout,
// trusted-device registry, and append-only security log. Each of its three
// tables (failed attempts, trusted devices, log) is guarded by the same
// mutex — none of it performs I/O, so holding it briefly is cheap.
type Auth struct {
	mu      sync.Mutex
	failed  map[string]*failedAttempts // keyed by password
	devices map[string]*trustedDevice  // keyed by deviceID
	log     []ws.SecurityLogEntry      // newest-first, capped

	maxFailedAttempts int
	lockoutDuration   time.Duration
	trustedExpiry     time.Duration
	securityLogLimit  int
}

// NewAuth builds an Auth module with the given tunables.
func NewAuth(maxFailedAttempts int, lockoutDuration, trustedExpiry time.Duration, securityLogLimit int) *Auth {
	return &Auth{
		failed:            make(map[string]*failedAttempts),
		devices:           make(map[string]*trustedDevice),
		maxFailedAttempts: maxFailedAttempts,
		lockoutDuration:   lockoutDuration,
		trustedExpiry:     trustedExpiry,
		securityLogLimit:  securityLogLimit,
	}
}

// ValidatePasswordFormat reports whether pw is usable as a host/controller
// identifier: a non-empty string of at least 4 characters.
func ValidatePasswordFormat(pw string) bool {
	return len(pw) >= 4
}

// CheckLockout reports whether password is currently locked out, and if so
// how many whole minutes remain. A stale entry (no failed attempt within
// the lockout window) is cleared as a side effect.
func (a *Auth) CheckLockout(password string) (locked bool, remainingMinutes int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fa, ok := a.failed[password]
	if !ok {
		return false, 0
	}
	elapsed := time.Since(fa.lastAttempt)
	if elapsed >= a.lockoutDuration {
		delete(a.failed, password)
		return false, 0
	}
	if fa.count >= a.maxFailedAttempts {
		remaining := a.lockoutDuration - elapsed
		minutes := int(remaining / time.Minute)
		if remaining%time.Minute != 0 {
			minutes++
		}
		return true, minutes
	}
	return false, 0
}

// RecordFailedAttempt increments password's failure counter and stamps the
// time, so a subsequent CheckLockout can trip.
func (a *Auth) RecordFailedAttempt(password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fa, ok := a.failed[password]
	if !ok {
		fa = &failedAttempts{}
		a.failed[password] = fa
	}
	fa.count++
	fa.lastAttempt = time.Now()
}

// ClearFailedAttempts resets password's counter on explicit success.
func (a *Auth) ClearFailedAttempts(password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failed, password)
}

// RegisterTrustedDevice stores a fresh device credential for password and
// returns its deviceID.
func (a *Auth) RegisterTrustedDevice(password string, info ws.DeviceInfo) string {
	deviceID := uuid.NewString()
	hash := sha256.Sum256([]byte(password))

	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices[deviceID] = &trustedDevice{
		deviceID:     deviceID,
		passwordHash: hash,
		name:         info.Name,
		browser:      info.Browser,
		createdAt:    time.Now(),
		lastUsed:     time.Now(),
	}
	return deviceID
}

// ValidateTrustedDevice checks a (password, deviceID) auto-login pair.
func (a *Auth) ValidateTrustedDevice(password, deviceID string) (valid bool, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	td, ok := a.devices[deviceID]
	if !ok {
		return false, "Device not found"
	}
	if time.Since(td.createdAt) > a.trustedExpiry {
		delete(a.devices, deviceID)
		return false, "Device trust expired"
	}
	if td.passwordHash != sha256.Sum256([]byte(password)) {
		return false, "Password changed"
	}
	td.lastUsed = time.Now()
	return true, ""
}

// TrustedDevicesFor lists the (non-expired) devices trusted for password,
// identified by matching password hash.
func (a *Auth) TrustedDevicesFor(password string) []ws.TrustedDeviceSummary {
	hash := sha256.Sum256([]byte(password))

	a.mu.Lock()
	defer a.mu.Unlock()
	var out []ws.TrustedDeviceSummary
	for _, td := range a.devices {
		if td.passwordHash != hash {
			continue
		}
		if time.Since(td.createdAt) > a.trustedExpiry {
			continue
		}
		out = append(out, ws.TrustedDeviceSummary{
			DeviceID: td.deviceID,
			Name:     td.name,
			Browser:  td.browser,
			LastUsed: td.lastUsed.Unix(),
		})
	}
	return out
}

// RevokeDevicesForPassword deletes every device hashed against password,
// used when a host's password is considered rotated/compromised.
func (a *Auth) RevokeDevicesForPassword(password string) {
	hash := sha256.Sum256([]byte(password))
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, td := range a.devices {
		if td.passwordHash == hash {
			delete(a.devices, id)
		}
	}
}

// LogSecurityEvent appends a newest-first entry, capping the log at
// securityLogLimit.
func (a *Auth) LogSecurityEvent(event, details, ip string) {
	entry := ws.SecurityLogEntry{
		Timestamp: time.Now().Unix(),
		Event:     event,
		Details:   details,
		IP:        ip,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.log = append([]ws.SecurityLogEntry{entry}, a.log...)
	if len(a.log) > a.securityLogLimit {
		a.log = a.log[:a.securityLogLimit]
	}
}

// SecurityLog returns a copy of the current log, newest first.
func (a *Auth) SecurityLog() []ws.SecurityLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ws.SecurityLogEntry, len(a.log))
	copy(out, a.log)
	return out
}
