package config

import (
	"os"
	"strings"
	"time"
)

// VerificationCodeTTL is how long an issued signing code stays valid.
//
// Set via env:
// - VERIFICATION_CODE_TTL_SECONDS=600
func VerificationCodeTTL() time.Duration {
	return time.Duration(intFromEnv("VERIFICATION_CODE_TTL_SECONDS", 600)) * time.Second
}

// ClaimTimeout bounds how long a signing or finalization claim blocks other callers.
// A claim older than this is considered abandoned (process crashed mid ledger call).
//
// Set via env:
// - WORKFLOW_CLAIM_TIMEOUT_SECONDS=120
func ClaimTimeout() time.Duration {
	return time.Duration(intFromEnv("WORKFLOW_CLAIM_TIMEOUT_SECONDS", 120)) * time.Second
}

// LedgerTimeout bounds a single ledger round-trip.
func LedgerTimeout() time.Duration {
	return time.Duration(intFromEnv("LEDGER_TIMEOUT_SECONDS", 30)) * time.Second
}

// LedgerDriver selects the ledger client implementation: "http" (default) or "fabric".
func LedgerDriver() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("LEDGER_DRIVER")))
	if v == "" {
		return "http"
	}
	return v
}

// NotificationTransport selects how queued emails leave the process: "smtp" (default) or "pubsub".
func NotificationTransport() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("NOTIFY_TRANSPORT")))
	if v == "" {
		return "smtp"
	}
	return v
}

// NotificationDispatchEnabled allows running the API without the delivery loop
// (e.g. when a separate worker instance owns it).
//
// Set via env:
// - NOTIFY_DISPATCHER_ENABLED=false
func NotificationDispatchEnabled() bool {
	return envBool("NOTIFY_DISPATCHER_ENABLED", true)
}

// ReconcileInterval schedules the ledger reconciler; zero disables the loop.
func ReconcileInterval() time.Duration {
	return time.Duration(intFromEnv("LEDGER_RECONCILE_INTERVAL_MINUTES", 0)) * time.Minute
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
