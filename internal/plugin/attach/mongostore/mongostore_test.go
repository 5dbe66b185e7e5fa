package mongostore_test

import (
	"context"
	"testing"

	"github.com/chirino/messaging-service/internal/plugin/attach/mongostore"
	"github.com/chirino/messaging-service/internal/registry/attach/attachtest"
	"github.com/chirino/messaging-service/internal/testutil/testmongo"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func TestMongoAttachmentStore(t *testing.T) {
	uri := testmongo.StartMongo(t)
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	attachtest.Run(t, mongostore.New(client.Database("attachments_test"), t.TempDir()))
}
