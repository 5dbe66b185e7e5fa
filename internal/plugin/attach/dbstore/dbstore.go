// Package dbstore keeps attachments inside the SQL datastore as fixed-size
// chunks, so a single postgres or sqlite database can run the whole service.
package dbstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/plugin/store/sqlstore"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	"github.com/chirino/messaging-service/internal/tempfiles"
	"gorm.io/gorm"
)

const chunkSize = 256 * 1024

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:   "db",
		Loader: load,
	})
}

func load(ctx context.Context) (registryattach.AttachmentStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("dbstore: missing config in context")
	}
	if cfg.DatastoreType != sqlstore.DialectPostgres && cfg.DatastoreType != sqlstore.DialectSQLite {
		return nil, fmt.Errorf("dbstore: requires a postgres or sqlite datastore, got %q", cfg.DatastoreType)
	}
	db, err := sqlstore.Open(cfg.DatastoreType, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("dbstore: %w", err)
	}
	return New(db, cfg.ResolvedTempDir())
}

// New migrates the attachment tables on db and returns a store using them.
func New(db *gorm.DB, tempDir string) (*DBAttachmentStore, error) {
	if err := db.AutoMigrate(&objectRecord{}, &chunkRecord{}); err != nil {
		return nil, fmt.Errorf("dbstore: auto-migrate attachment tables: %w", err)
	}
	return &DBAttachmentStore{db: db, tempDir: tempDir}, nil
}

type DBAttachmentStore struct {
	db      *gorm.DB
	tempDir string
}

type objectRecord struct {
	StorageKey  string    `gorm:"column:storage_key;primaryKey"`
	ContentType string    `gorm:"column:content_type;not null"`
	Size        int64     `gorm:"column:size;not null"`
	SHA256      string    `gorm:"column:sha256;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (objectRecord) TableName() string { return "attachment_objects" }

type chunkRecord struct {
	StorageKey string `gorm:"column:storage_key;primaryKey"`
	Seq        int    `gorm:"column:seq;primaryKey"`
	Data       []byte `gorm:"column:data;not null"`
}

func (chunkRecord) TableName() string { return "attachment_chunks" }

// Store buffers the upload to a temp file, then writes the object row and
// its chunks in one transaction. Storing an existing key replaces it.
func (s *DBAttachmentStore) Store(ctx context.Context, storageKey string, data io.Reader, maxSize int64, contentType string) (*registryattach.FileStoreResult, error) {
	spooled, err := tempfiles.Spool(s.tempDir, "messaging-service-db-upload-*", data, maxSize)
	if err != nil {
		return nil, err
	}
	defer spooled.Close()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteKey(tx, storageKey); err != nil {
			return err
		}
		obj := objectRecord{StorageKey: storageKey, ContentType: contentType, Size: spooled.Size, SHA256: spooled.SHA256}
		if err := tx.Create(&obj).Error; err != nil {
			return fmt.Errorf("dbstore: insert object: %w", err)
		}
		buf := make([]byte, chunkSize)
		for seq := 0; ; seq++ {
			n, readErr := io.ReadFull(spooled.File, buf)
			if n > 0 {
				chunk := chunkRecord{StorageKey: storageKey, Seq: seq, Data: append([]byte(nil), buf[:n]...)}
				if err := tx.Create(&chunk).Error; err != nil {
					return fmt.Errorf("dbstore: insert chunk %d: %w", seq, err)
				}
			}
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				return nil
			}
			if readErr != nil {
				return fmt.Errorf("dbstore: read upload buffer: %w", readErr)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return &registryattach.FileStoreResult{
		StorageKey: storageKey,
		Size:       spooled.Size,
		SHA256:     spooled.SHA256,
	}, nil
}

func (s *DBAttachmentStore) Retrieve(ctx context.Context, storageKey string) (*registryattach.Blob, error) {
	var obj objectRecord
	if err := s.db.WithContext(ctx).Where("storage_key = ?", storageKey).Take(&obj).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, registryattach.ErrNotFound
		}
		return nil, fmt.Errorf("dbstore: load object: %w", err)
	}

	tmp, err := tempfiles.Create(s.tempDir, "messaging-service-db-download-*")
	if err != nil {
		return nil, fmt.Errorf("dbstore: create temp file: %w", err)
	}
	body := tempfiles.NewDeleteOnClose(tmp)

	rows, err := s.db.WithContext(ctx).Model(&chunkRecord{}).
		Select("data").Where("storage_key = ?", storageKey).Order("seq ASC").Rows()
	if err != nil {
		_ = body.Close()
		return nil, fmt.Errorf("dbstore: query chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			_ = body.Close()
			return nil, fmt.Errorf("dbstore: decode chunk: %w", err)
		}
		if _, err := tmp.Write(data); err != nil {
			_ = body.Close()
			return nil, fmt.Errorf("dbstore: spool chunk: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		_ = body.Close()
		return nil, fmt.Errorf("dbstore: iterate chunks: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = body.Close()
		return nil, fmt.Errorf("dbstore: rewind temp file: %w", err)
	}
	return &registryattach.Blob{Body: body, ContentType: obj.ContentType, Size: obj.Size}, nil
}

func (s *DBAttachmentStore) Delete(ctx context.Context, storageKey string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteKey(tx, storageKey)
	})
}

func deleteKey(tx *gorm.DB, storageKey string) error {
	if err := tx.Where("storage_key = ?", storageKey).Delete(&chunkRecord{}).Error; err != nil {
		return fmt.Errorf("dbstore: delete chunks: %w", err)
	}
	if err := tx.Where("storage_key = ?", storageKey).Delete(&objectRecord{}).Error; err != nil {
		return fmt.Errorf("dbstore: delete object: %w", err)
	}
	return nil
}

func (s *DBAttachmentStore) GetSignedURL(_ context.Context, _ string, _ time.Duration) (*url.URL, error) {
	return nil, registryattach.ErrSignedURLUnsupported
}
