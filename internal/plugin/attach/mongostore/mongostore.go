package mongostore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	"github.com/chirino/messaging-service/internal/tempfiles"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const databaseName = "messaging_service"

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:   "mongo",
		Loader: load,
	})
}

func load(ctx context.Context) (registryattach.AttachmentStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("mongostore: missing config in context")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return nil, fmt.Errorf("mongostore: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}
	return New(client.Database(databaseName), cfg.ResolvedTempDir()), nil
}

// New stores attachments in db's GridFS bucket, using the storage key as
// the GridFS filename.
func New(db *mongo.Database, tempDir string) *MongoAttachmentStore {
	return &MongoAttachmentStore{
		bucket:  db.GridFSBucket(options.GridFSBucket().SetName("attachments")),
		tempDir: tempDir,
	}
}

type MongoAttachmentStore struct {
	bucket  *mongo.GridFSBucket
	tempDir string
}

type fileMetadata struct {
	ContentType string `bson:"content_type"`
	SHA256      string `bson:"sha256"`
}

type fileDoc struct {
	ID       bson.ObjectID `bson:"_id"`
	Length   int64         `bson:"length"`
	Metadata fileMetadata  `bson:"metadata"`
}

// Store spools the upload so oversized files never reach GridFS.
func (s *MongoAttachmentStore) Store(ctx context.Context, storageKey string, data io.Reader, maxSize int64, contentType string) (*registryattach.FileStoreResult, error) {
	spooled, err := tempfiles.Spool(s.tempDir, "messaging-service-mongo-upload-*", data, maxSize)
	if err != nil {
		return nil, err
	}
	defer spooled.Close()

	meta := fileMetadata{ContentType: contentType, SHA256: spooled.SHA256}
	if _, err := s.bucket.UploadFromStream(ctx, storageKey, spooled.File, options.GridFSUpload().SetMetadata(meta)); err != nil {
		return nil, fmt.Errorf("mongostore: gridfs upload: %w", err)
	}
	return &registryattach.FileStoreResult{
		StorageKey: storageKey,
		Size:       spooled.Size,
		SHA256:     spooled.SHA256,
	}, nil
}

// find returns the newest revision stored under storageKey.
func (s *MongoAttachmentStore) find(ctx context.Context, storageKey string) (*fileDoc, error) {
	cur, err := s.bucket.Find(ctx, bson.M{"filename": storageKey},
		options.GridFSFind().SetSort(bson.D{{Key: "uploadDate", Value: -1}}).SetLimit(1))
	if err != nil {
		return nil, fmt.Errorf("mongostore: find %s: %w", storageKey, err)
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return nil, err
		}
		return nil, registryattach.ErrNotFound
	}
	var doc fileDoc
	if err := cur.Decode(&doc); err != nil {
		return nil, fmt.Errorf("mongostore: decode file: %w", err)
	}
	return &doc, nil
}

func (s *MongoAttachmentStore) Retrieve(ctx context.Context, storageKey string) (*registryattach.Blob, error) {
	doc, err := s.find(ctx, storageKey)
	if err != nil {
		return nil, err
	}
	ds, err := s.bucket.OpenDownloadStream(ctx, doc.ID)
	if err != nil {
		if errors.Is(err, mongo.ErrFileNotFound) {
			return nil, registryattach.ErrNotFound
		}
		return nil, fmt.Errorf("mongostore: open download stream: %w", err)
	}
	defer ds.Close()

	spooled, err := tempfiles.Spool(s.tempDir, "messaging-service-mongo-gridfs-*", ds, 0)
	if err != nil {
		return nil, fmt.Errorf("mongostore: spool gridfs stream: %w", err)
	}
	return &registryattach.Blob{
		Body:        tempfiles.NewDeleteOnClose(spooled.File),
		ContentType: doc.Metadata.ContentType,
		Size:        spooled.Size,
	}, nil
}

func (s *MongoAttachmentStore) Delete(ctx context.Context, storageKey string) error {
	doc, err := s.find(ctx, storageKey)
	if err != nil {
		return err
	}
	return s.bucket.Delete(ctx, doc.ID)
}

func (s *MongoAttachmentStore) GetSignedURL(_ context.Context, _ string, _ time.Duration) (*url.URL, error) {
	return nil, registryattach.ErrSignedURLUnsupported
}
