package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/model"
	registrymigrate "github.com/chirino/messaging-service/internal/registry/migrate"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

func init() {
	for _, dialect := range []string{DialectPostgres, DialectSQLite} {
		dialect := dialect
		registrystore.Register(registrystore.Plugin{
			Name: dialect,
			Loader: func(ctx context.Context) (registrystore.MessagingStore, error) {
				cfg := config.FromContext(ctx)
				db, err := Open(dialect, cfg.DBURL)
				if err != nil {
					return nil, err
				}
				configurePool(ctx, db, dialect, cfg)
				return New(db), nil
			},
		})
	}
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqlMigrator{}})
}

// Open connects gorm to a postgres DSN or a sqlite file path.
func Open(dialect, dsn string) (*gorm.DB, error) {
	gcfg := &gorm.Config{TranslateError: true, Logger: logger.Default.LogMode(logger.Silent)}
	var (
		db  *gorm.DB
		err error
	)
	switch dialect {
	case DialectPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gcfg)
	case DialectSQLite:
		db, err = gorm.Open(sqlite.Open(sqliteDSN(dsn)), gcfg)
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// A single connection serializes writers and avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "_busy_timeout") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_foreign_keys=on"
}

func configurePool(ctx context.Context, db *gorm.DB, dialect string, cfg *config.Config) {
	sqlDB, err := db.DB()
	if err != nil || dialect != DialectPostgres {
		return
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	if security.DBPoolMaxConnections != nil {
		security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
	}

	// Periodically update the open connections gauge.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if security.DBPoolOpenConnections != nil {
					security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
				}
			}
		}
	}()
}

type sqlMigrator struct{}

func (m *sqlMigrator) Name() string { return "sql-schema" }

func (m *sqlMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != DialectPostgres && cfg.DatastoreType != DialectSQLite {
		return nil
	}
	log.Info("Running migration", "name", m.Name(), "dialect", cfg.DatastoreType)
	db, err := Open(cfg.DatastoreType, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return Migrate(ctx, db, cfg.DatastoreType)
}

// Migrate applies the embedded schema for dialect.
func Migrate(ctx context.Context, db *gorm.DB, dialect string) error {
	schema := postgresSchema
	if dialect == DialectSQLite {
		schema = sqliteSchema
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("SQL schema migration complete", "dialect", dialect)
	return nil
}

// Store implements MessagingStore on gorm.
type Store struct {
	db    *gorm.DB
	clock *registrystore.ServerClock
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, clock: registrystore.NewServerClock(time.Microsecond, ServerTime(db))}
}

// ServerTime reads the database clock. Postgres answers with
// clock_timestamp(), which advances within a transaction; SQLite runs in
// this process, so its clock is the local one.
func ServerTime(db *gorm.DB) registrystore.TimeSource {
	if db.Dialector.Name() != DialectPostgres {
		return registrystore.LocalTime
	}
	return func(ctx context.Context) (time.Time, error) {
		var now time.Time
		err := db.WithContext(ctx).Raw("SELECT clock_timestamp()").Row().Scan(&now)
		return now, err
	}
}

// DB exposes the underlying connection for plugins sharing the database.
func (s *Store) DB() *gorm.DB { return s.db }

// --- row types ---

type conversationRow struct {
	ID              string `gorm:"primaryKey"`
	JobID           *string
	LastMessage     string
	LastMessageTime *time.Time
	CreatedBy       string
	CreatedAt       time.Time
	IsActive        bool
}

func (conversationRow) TableName() string { return "conversations" }

type participantRow struct {
	ConversationID string `gorm:"primaryKey"`
	Participant    string `gorm:"primaryKey"`
}

func (participantRow) TableName() string { return "conversation_participants" }

type readStatusRow struct {
	ConversationID string `gorm:"primaryKey"`
	Participant    string `gorm:"primaryKey"`
	ReadAt         *time.Time
}

func (readStatusRow) TableName() string { return "conversation_read_status" }

type messageRow struct {
	ConversationID string                       `gorm:"primaryKey"`
	ID             string                       `gorm:"primaryKey"`
	SenderID       string                       `gorm:"not null"`
	Content        string                       `gorm:"not null"`
	Attachments    []model.AttachmentDescriptor `gorm:"serializer:json;not null"`
	Timestamp      time.Time                    `gorm:"column:ts;not null"`
	Status         string                       `gorm:"not null"`
	ReadBy         []string                     `gorm:"serializer:json;not null"`
}

func (messageRow) TableName() string { return "messages" }

type archivedRow struct {
	Key            string `gorm:"column:archive_key;primaryKey"`
	ConversationID string
	MessageID      string
	SenderID       string
	Content        string
	Attachments    []model.AttachmentDescriptor `gorm:"serializer:json"`
	Timestamp      time.Time                    `gorm:"column:ts"`
	Status         string
	ReadBy         []string `gorm:"serializer:json"`
	ArchivedAt     time.Time
	ArchivedBy     string
}

func (archivedRow) TableName() string { return "archived_messages" }

func (r *messageRow) toModel() model.Message {
	attachments := r.Attachments
	if attachments == nil {
		attachments = []model.AttachmentDescriptor{}
	}
	return model.Message{
		ID:          r.ID,
		SenderID:    r.SenderID,
		Content:     r.Content,
		Attachments: attachments,
		Timestamp:   r.Timestamp.UTC(),
		Status:      r.Status,
		ReadBy:      r.ReadBy,
	}
}

func (r *archivedRow) toModel() model.ArchivedMessage {
	msg := messageRow{
		ID: r.MessageID, SenderID: r.SenderID, Content: r.Content, Attachments: r.Attachments,
		Timestamp: r.Timestamp, Status: r.Status, ReadBy: r.ReadBy,
	}
	return model.ArchivedMessage{
		Message:        msg.toModel(),
		ConversationID: r.ConversationID,
		ArchivedAt:     r.ArchivedAt.UTC(),
		ArchivedBy:     r.ArchivedBy,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func conversationNotFound(id string) error {
	return &registrystore.NotFoundError{Resource: "conversation", ID: id}
}

// --- conversations ---

func (s *Store) CreateConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, err
	}
	row := conversationRow{
		ID:              conv.ID,
		JobID:           conv.JobID,
		LastMessage:     conv.LastMessage,
		LastMessageTime: &now,
		CreatedBy:       conv.CreatedBy,
		CreatedAt:       now,
		IsActive:        true,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return &registrystore.ConflictError{Message: "conversation already exists: " + conv.ID}
			}
			return err
		}
		participants := model.NormalizeParticipants(conv.Participants)
		if len(participants) == 0 {
			return nil
		}
		prows := make([]participantRow, 0, len(participants))
		rrows := make([]readStatusRow, 0, len(participants))
		for _, p := range participants {
			prows = append(prows, participantRow{ConversationID: conv.ID, Participant: p})
			rrows = append(rrows, readStatusRow{ConversationID: conv.ID, Participant: p})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&prows).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rrows).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, conv.ID)
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var rows []conversationRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, conversationNotFound(id)
	}
	convs, err := s.hydrate(ctx, rows)
	if err != nil {
		return nil, err
	}
	return &convs[0], nil
}

func (s *Store) ListActiveConversations(ctx context.Context) ([]model.Conversation, error) {
	var rows []conversationRow
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.hydrate(ctx, rows)
}

// hydrate attaches participants and read cursors to conversation rows.
func (s *Store) hydrate(ctx context.Context, rows []conversationRow) ([]model.Conversation, error) {
	if len(rows) == 0 {
		return []model.Conversation{}, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var prows []participantRow
	if err := s.db.WithContext(ctx).Where("conversation_id IN ?", ids).Order("participant").Find(&prows).Error; err != nil {
		return nil, err
	}
	var rrows []readStatusRow
	if err := s.db.WithContext(ctx).Where("conversation_id IN ?", ids).Find(&rrows).Error; err != nil {
		return nil, err
	}
	participants := map[string][]string{}
	for _, p := range prows {
		participants[p.ConversationID] = append(participants[p.ConversationID], p.Participant)
	}
	readStatus := map[string]map[string]*time.Time{}
	for _, r := range rrows {
		m := readStatus[r.ConversationID]
		if m == nil {
			m = map[string]*time.Time{}
			readStatus[r.ConversationID] = m
		}
		m[r.Participant] = utcPtr(r.ReadAt)
	}

	out := make([]model.Conversation, len(rows))
	for i, r := range rows {
		ps := participants[r.ID]
		if ps == nil {
			ps = []string{}
		}
		rs := readStatus[r.ID]
		if rs == nil {
			rs = map[string]*time.Time{}
		}
		out[i] = model.Conversation{
			ID:              r.ID,
			Participants:    ps,
			JobID:           r.JobID,
			LastMessage:     r.LastMessage,
			LastMessageTime: utcPtr(r.LastMessageTime),
			CreatedBy:       r.CreatedBy,
			CreatedAt:       r.CreatedAt.UTC(),
			ReadStatus:      rs,
			IsActive:        r.IsActive,
		}
	}
	return out, nil
}

func (s *Store) exists(tx *gorm.DB, id string) error {
	var count int64
	if err := tx.Model(&conversationRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return conversationNotFound(id)
	}
	return nil
}

func (s *Store) AddParticipants(ctx context.Context, id string, participants []string) error {
	participants = model.NormalizeParticipants(participants)
	if len(participants) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.exists(tx, id); err != nil {
			return err
		}
		prows := make([]participantRow, 0, len(participants))
		rrows := make([]readStatusRow, 0, len(participants))
		for _, p := range participants {
			prows = append(prows, participantRow{ConversationID: id, Participant: p})
			rrows = append(rrows, readStatusRow{ConversationID: id, Participant: p})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&prows).Error; err != nil {
			return err
		}
		// Existing cursors are kept; only new participants get a null entry.
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rrows).Error
	})
}

func (s *Store) UpdateLastMessage(ctx context.Context, id string, content string) (time.Time, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return time.Time{}, err
	}
	result := s.db.WithContext(ctx).Model(&conversationRow{}).Where("id = ?", id).Updates(map[string]any{
		"last_message":      content,
		"last_message_time": now,
	})
	if result.Error != nil {
		return time.Time{}, result.Error
	}
	if result.RowsAffected == 0 {
		return time.Time{}, conversationNotFound(id)
	}
	return now, nil
}

func (s *Store) MarkRead(ctx context.Context, id string, participant string) (time.Time, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return time.Time{}, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.exists(tx, id); err != nil {
			return err
		}
		row := readStatusRow{ConversationID: id, Participant: participant, ReadAt: &now}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "participant"}},
			DoUpdates: clause.AssignmentColumns([]string{"read_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// --- messages ---

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg model.Message) (*model.Message, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, err
	}
	row := messageRow{
		ConversationID: conversationID,
		ID:             uuid.NewString(),
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Attachments:    msg.Attachments,
		Timestamp:      now,
		Status:         msg.Status,
		ReadBy:         msg.ReadBy,
	}
	if row.Attachments == nil {
		row.Attachments = []model.AttachmentDescriptor{}
	}
	if row.ReadBy == nil {
		row.ReadBy = []string{}
	}
	if row.Status == "" {
		row.Status = model.MessageStatusSent
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.exists(tx, conversationID); err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	out := row.toModel()
	return &out, nil
}

func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	var rows []messageRow
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("ts DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Message, len(rows))
	for i := range rows {
		out[len(rows)-1-i] = rows[i].toModel()
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, conversationID string, messageID string) (*model.Message, error) {
	var rows []messageRow
	if err := s.db.WithContext(ctx).Where("conversation_id = ? AND id = ?", conversationID, messageID).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID}
	}
	out := rows[0].toModel()
	return &out, nil
}

func (s *Store) DeleteMessage(ctx context.Context, conversationID string, messageID string) error {
	result := s.db.WithContext(ctx).Where("conversation_id = ? AND id = ?", conversationID, messageID).Delete(&messageRow{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "message", ID: messageID}
	}
	return nil
}

func (s *Store) SearchMessages(ctx context.Context, query registrystore.MessageSearch) ([]model.ConversationMessage, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = registrystore.DefaultSearchLimit
	}
	q := s.db.WithContext(ctx).
		Where("SUBSTR(content, 1, ?) = ?", utf8.RuneCountInString(query.Prefix), query.Prefix).
		Order("ts DESC").
		Limit(limit)
	if query.ConversationID != "" {
		q = q.Where("conversation_id = ?", query.ConversationID)
	}
	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.ConversationMessage, len(rows))
	for i := range rows {
		out[i] = model.ConversationMessage{ConversationID: rows[i].ConversationID, Message: rows[i].toModel()}
	}
	return out, nil
}

// --- archive ---

func (s *Store) ArchiveMessage(ctx context.Context, archived model.ArchivedMessage) (*model.ArchivedMessage, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, err
	}
	row := archivedRow{
		Key:            archived.Key(),
		ConversationID: archived.ConversationID,
		MessageID:      archived.ID,
		SenderID:       archived.SenderID,
		Content:        archived.Content,
		Attachments:    archived.Attachments,
		Timestamp:      archived.Timestamp,
		Status:         archived.Status,
		ReadBy:         archived.ReadBy,
		ArchivedAt:     now,
		ArchivedBy:     archived.ArchivedBy,
	}
	if row.Attachments == nil {
		row.Attachments = []model.AttachmentDescriptor{}
	}
	if row.ReadBy == nil {
		row.ReadBy = []string{}
	}
	// A retried archive of the same message overwrites the earlier copy.
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return nil, err
	}
	out := row.toModel()
	return &out, nil
}

func (s *Store) GetArchivedMessage(ctx context.Context, key string) (*model.ArchivedMessage, error) {
	var rows []archivedRow
	if err := s.db.WithContext(ctx).Where("archive_key = ?", key).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &registrystore.NotFoundError{Resource: "archived message", ID: key}
	}
	out := rows[0].toModel()
	return &out, nil
}

func (s *Store) PurgeArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("archived_at < ?", cutoff.UTC()).Delete(&archivedRow{})
	return result.RowsAffected, result.Error
}

var _ registrystore.MessagingStore = (*Store)(nil)
