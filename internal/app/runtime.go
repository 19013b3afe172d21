package app

import (
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
)

// TestModeEnv switches cmd/odyssey and cmd/worker into test mode. Set by the
// internal/testing/guard import so package tests never open Postgres, Redis
// or the asynq queue.
const TestModeEnv = "ODYSSEY_TEST_MODE"

var testMode atomic.Pointer[bool]

func readTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	return err == nil && on
}

// InTestMode reports whether the ledger binaries should skip startup.
func InTestMode() bool {
	if v := testMode.Load(); v != nil {
		return *v
	}
	on := readTestMode()
	testMode.CompareAndSwap(nil, &on)
	return *testMode.Load()
}

// RefreshTestMode re-reads TestModeEnv.
func RefreshTestMode() {
	on := readTestMode()
	testMode.Store(&on)
}

// SkipStartup logs and returns true when binary must exit before touching
// the ledger database.
func SkipStartup(logger *slog.Logger, binary string) bool {
	if !InTestMode() {
		return false
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("test mode detected, skipping startup", slog.String("binary", binary), slog.String("env", TestModeEnv))
	return true
}
