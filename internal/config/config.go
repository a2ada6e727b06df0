// Package config loads the relay's runtime tunables from the environment,
// with an optional YAML file overlay for local development.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every spec-named tunable. Durations are stored as
// time.Duration internally but accepted from the environment/YAML as
// plain seconds, minutes or days, matching how the teacher's own config layer
// favors primitive env values over structured duration strings.
type Config struct {
	Port int `yaml:"port"`

	SessionTimeout       time.Duration `yaml:"-"`
	MaxSessionsPerUser   int           `yaml:"max_sessions_per_user"`
	MaxFailedAttempts    int           `yaml:"max_failed_attempts"`
	LockoutDuration      time.Duration `yaml:"-"`
	TrustedDeviceExpiry  time.Duration `yaml:"-"`
	CleanupInterval      time.Duration `yaml:"-"`
	HeartbeatInterval    time.Duration `yaml:"-"`
	MaxFileSize          int64         `yaml:"max_file_size_bytes"`
	SecurityLogLimit     int           `yaml:"security_log_limit"`
	RecentFilesLimit     int           `yaml:"recent_files_limit"`
	TransferGraceWindow  time.Duration `yaml:"-"`

	JWTSecret string `yaml:"-"`

	SessionTimeoutSeconds      int `yaml:"session_timeout_seconds"`
	LockoutDurationMinutes     int `yaml:"lockout_duration_minutes"`
	TrustedDeviceExpiryDays    int `yaml:"trusted_device_expiry_days"`
	CleanupIntervalSeconds     int `yaml:"cleanup_interval_seconds"`
	HeartbeatIntervalSeconds   int `yaml:"heartbeat_interval_seconds"`
	TransferGraceWindowSeconds int `yaml:"transfer_grace_window_seconds"`
}

// Default returns the spec's literal defaults.
func Default() Config {
	c := Config{
		Port:                       3000,
		MaxSessionsPerUser:         5,
		MaxFailedAttempts:          5,
		MaxFileSize:                100 << 20, // 100 MiB
		SecurityLogLimit:           200,
		RecentFilesLimit:           20,
		SessionTimeoutSeconds:      30 * 60,
		LockoutDurationMinutes:     15,
		TrustedDeviceExpiryDays:    30,
		CleanupIntervalSeconds:     5 * 60,
		HeartbeatIntervalSeconds:   30,
		TransferGraceWindowSeconds: 60,
	}
	c.resolveDurations()
	return c
}

func (c *Config) resolveDurations() {
	c.SessionTimeout = time.Duration(c.SessionTimeoutSeconds) * time.Second
	c.LockoutDuration = time.Duration(c.LockoutDurationMinutes) * time.Minute
	c.TrustedDeviceExpiry = time.Duration(c.TrustedDeviceExpiryDays) * 24 * time.Hour
	c.CleanupInterval = time.Duration(c.CleanupIntervalSeconds) * time.Second
	c.HeartbeatInterval = time.Duration(c.HeartbeatIntervalSeconds) * time.Second
	c.TransferGraceWindow = time.Duration(c.TransferGraceWindowSeconds) * time.Second
}

// Load builds a Config starting from Default, applying an optional YAML
// file (yamlPath, skipped if empty or missing) and then environment
// variables (which always win).
func Load(yamlPath string) (Config, error) {
	c := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return c, fmt.Errorf("read config %s: %w", yamlPath, err)
			}
		} else if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parse config %s: %w", yamlPath, err)
		}
	}

	applyEnvInt(&c.Port, "PORT")
	applyEnvInt(&c.MaxSessionsPerUser, "MAX_SESSIONS_PER_USER")
	applyEnvInt(&c.MaxFailedAttempts, "MAX_FAILED_ATTEMPTS")
	applyEnvInt64(&c.MaxFileSize, "MAX_FILE_SIZE")
	applyEnvInt(&c.SecurityLogLimit, "SECURITY_LOG_LIMIT")
	applyEnvInt(&c.RecentFilesLimit, "RECENT_FILES_LIMIT")
	applyEnvInt(&c.SessionTimeoutSeconds, "SESSION_TIMEOUT")
	applyEnvInt(&c.LockoutDurationMinutes, "LOCKOUT_DURATION_MINUTES")
	applyEnvInt(&c.TrustedDeviceExpiryDays, "TRUSTED_DEVICE_EXPIRY_DAYS")
	applyEnvInt(&c.CleanupIntervalSeconds, "CLEANUP_INTERVAL")
	applyEnvInt(&c.HeartbeatIntervalSeconds, "HEARTBEAT_INTERVAL")
	applyEnvInt(&c.TransferGraceWindowSeconds, "TRANSFER_GRACE_WINDOW")

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWTSecret = secret
	} else {
		secret, err := randomSecret(32)
		if err != nil {
			return c, fmt.Errorf("generate session signing secret: %w", err)
		}
		c.JWTSecret = secret
	}

	c.resolveDurations()
	return c, nil
}

// randomSecret generates a hex-encoded signing key for session tokens when
// no JWT_SECRET is configured. Sessions issued under a generated secret
// don't survive a process restart, which matches the relay's volatile,
// non-persisted state model.
func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func applyEnvInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func applyEnvInt64(dst *int64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = n
	}
}
