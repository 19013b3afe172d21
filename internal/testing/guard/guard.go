// Package guard switches binaries into test mode when imported by tests, so
// main packages and workers skip connecting to Postgres and Redis.
package guard

import "os"

func init() {
	if os.Getenv("ODYSSEY_TEST_MODE") == "" {
		_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
	}
	if os.Getenv("APP_ENV") == "" {
		_ = os.Setenv("APP_ENV", "test")
	}
}
