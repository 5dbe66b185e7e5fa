package testmongo

import (
	"context"
	"testing"

	"github.com/chirino/messaging-service/internal/testutil"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

// StartMongo starts a disposable MongoDB and returns its connection URI.
func StartMongo(tb testing.TB) string {
	tb.Helper()
	testutil.RequireContainers(tb)

	ctx := context.Background()
	c, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		tb.Fatalf("start mongodb container: %v", err)
	}
	testutil.TerminateOnCleanup(tb, "mongodb", c)

	uri, err := c.ConnectionString(ctx)
	if err != nil {
		tb.Fatalf("mongodb connection string: %v", err)
	}
	return uri
}
