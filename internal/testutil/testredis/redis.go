package testredis

import (
	"testing"

	"github.com/chirino/messaging-service/internal/testutil"
)

// StartRedis starts a disposable Redis for the unread cache and notify
// broker tests and returns its redis:// URL.
func StartRedis(tb testing.TB) string {
	tb.Helper()
	return "redis://" + testutil.StartGeneric(tb, "redis", "redis:7-alpine", "6379", nil)
}
