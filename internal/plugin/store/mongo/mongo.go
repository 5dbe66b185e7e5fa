package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/model"
	registrymigrate "github.com/chirino/messaging-service/internal/registry/migrate"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DatabaseName is the database holding every messaging collection.
const DatabaseName = "messaging_service"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.MessagingStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				_ = client.Disconnect(context.Background())
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			return New(client.Database(DatabaseName)), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil // skip if not using mongo
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)
	return EnsureIndexes(ctx, client.Database(DatabaseName))
}

// EnsureIndexes creates the collections and their indexes.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	collections := map[string][]mongo.IndexModel{
		"conversations": {
			{Keys: bson.D{{Key: "is_active", Value: 1}}},
			{Keys: bson.D{{Key: "participants", Value: 1}}},
		},
		"messages": {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "ts", Value: -1}}},
			{Keys: bson.D{{Key: "ts", Value: -1}}},
		},
		"archived_messages": {
			{Keys: bson.D{{Key: "archived_at", Value: 1}}},
		},
	}

	for name, indexes := range collections {
		// Ensure collection exists; an "already exists" error is fine.
		_ = db.CreateCollection(ctx, name)
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
		}
	}

	log.Info("MongoDB schema migration complete")
	return nil
}

// MongoStore implements MessagingStore using MongoDB.
type MongoStore struct {
	db    *mongo.Database
	clock *registrystore.ServerClock
}

// New builds a store on db. Server times are read from the MongoDB server
// and kept at millisecond precision so they survive a BSON date round trip
// unchanged.
func New(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db, clock: registrystore.NewServerClock(time.Millisecond, ServerTime(db))}
}

// ServerTime reads the clock of the MongoDB server db lives on, as reported
// by the hello command.
func ServerTime(db *mongo.Database) registrystore.TimeSource {
	return func(ctx context.Context) (time.Time, error) {
		var reply struct {
			LocalTime time.Time `bson:"localTime"`
		}
		if err := db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&reply); err != nil {
			return time.Time{}, err
		}
		return reply.LocalTime, nil
	}
}

// --- MongoDB document types ---

type readDoc struct {
	Participant string     `bson:"participant"`
	ReadAt      *time.Time `bson:"read_at"`
}

type convDoc struct {
	ID              string     `bson:"_id"`
	Participants    []string   `bson:"participants"`
	JobID           *string    `bson:"job_id,omitempty"`
	LastMessage     string     `bson:"last_message"`
	LastMessageTime *time.Time `bson:"last_message_time"`
	CreatedBy       string     `bson:"created_by"`
	CreatedAt       time.Time  `bson:"created_at"`
	ReadStatus      []readDoc  `bson:"read_status"`
	IsActive        bool       `bson:"is_active"`
}

type messageDoc struct {
	ID             string                       `bson:"_id"`
	ConversationID string                       `bson:"conversation_id"`
	SenderID       string                       `bson:"sender_id"`
	Content        string                       `bson:"content"`
	Attachments    []model.AttachmentDescriptor `bson:"attachments"`
	Timestamp      time.Time                    `bson:"ts"`
	Status         string                       `bson:"status"`
	ReadBy         []string                     `bson:"read_by"`
}

type archivedDoc struct {
	Key            string                       `bson:"_id"`
	ConversationID string                       `bson:"conversation_id"`
	MessageID      string                       `bson:"message_id"`
	SenderID       string                       `bson:"sender_id"`
	Content        string                       `bson:"content"`
	Attachments    []model.AttachmentDescriptor `bson:"attachments"`
	Timestamp      time.Time                    `bson:"ts"`
	Status         string                       `bson:"status"`
	ReadBy         []string                     `bson:"read_by"`
	ArchivedAt     time.Time                    `bson:"archived_at"`
	ArchivedBy     string                       `bson:"archived_by"`
}

func (d *convDoc) toModel() model.Conversation {
	participants := append([]string{}, d.Participants...)
	sort.Strings(participants)
	readStatus := make(map[string]*time.Time, len(d.ReadStatus))
	for _, r := range d.ReadStatus {
		readStatus[r.Participant] = utcPtr(r.ReadAt)
	}
	return model.Conversation{
		ID:              d.ID,
		Participants:    participants,
		JobID:           d.JobID,
		LastMessage:     d.LastMessage,
		LastMessageTime: utcPtr(d.LastMessageTime),
		CreatedBy:       d.CreatedBy,
		CreatedAt:       d.CreatedAt.UTC(),
		ReadStatus:      readStatus,
		IsActive:        d.IsActive,
	}
}

func (d *messageDoc) toModel() model.Message {
	attachments := d.Attachments
	if attachments == nil {
		attachments = []model.AttachmentDescriptor{}
	}
	readBy := d.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return model.Message{
		ID:          d.ID,
		SenderID:    d.SenderID,
		Content:     d.Content,
		Attachments: attachments,
		Timestamp:   d.Timestamp.UTC(),
		Status:      d.Status,
		ReadBy:      readBy,
	}
}

func (d *archivedDoc) toModel() model.ArchivedMessage {
	msg := messageDoc{
		ID: d.MessageID, SenderID: d.SenderID, Content: d.Content, Attachments: d.Attachments,
		Timestamp: d.Timestamp, Status: d.Status, ReadBy: d.ReadBy,
	}
	return model.ArchivedMessage{
		Message:        msg.toModel(),
		ConversationID: d.ConversationID,
		ArchivedAt:     d.ArchivedAt.UTC(),
		ArchivedBy:     d.ArchivedBy,
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

// --- Collection accessors ---

func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection("conversations") }
func (s *MongoStore) messages() *mongo.Collection      { return s.db.Collection("messages") }
func (s *MongoStore) archived() *mongo.Collection      { return s.db.Collection("archived_messages") }

// --- Conversations ---

func (s *MongoStore) CreateConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, err
	}
	participants := model.NormalizeParticipants(conv.Participants)
	reads := make([]readDoc, 0, len(participants))
	for _, p := range participants {
		reads = append(reads, readDoc{Participant: p})
	}
	doc := convDoc{
		ID:              conv.ID,
		Participants:    participants,
		JobID:           conv.JobID,
		LastMessage:     conv.LastMessage,
		LastMessageTime: &now,
		CreatedBy:       conv.CreatedBy,
		CreatedAt:       now,
		ReadStatus:      reads,
		IsActive:        true,
	}
	if _, err := s.conversations().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, &registrystore.ConflictError{Message: "conversation already exists: " + conv.ID}
		}
		return nil, err
	}
	out := doc.toModel()
	return &out, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var doc convDoc
	if err := s.conversations().FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, conversationNotFound(id)
		}
		return nil, err
	}
	out := doc.toModel()
	return &out, nil
}

func (s *MongoStore) ListActiveConversations(ctx context.Context) ([]model.Conversation, error) {
	cursor, err := s.conversations().Find(ctx, bson.M{"is_active": true})
	if err != nil {
		return nil, err
	}
	var docs []convDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.Conversation, len(docs))
	for i := range docs {
		out[i] = docs[i].toModel()
	}
	return out, nil
}

// AddParticipants unions the set and appends a null read cursor for each
// newcomer in one atomic pipeline update. Existing cursors are untouched.
func (s *MongoStore) AddParticipants(ctx context.Context, id string, participants []string) error {
	participants = model.NormalizeParticipants(participants)
	if len(participants) == 0 {
		return nil
	}
	literal := bson.M{"$literal": participants}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"participants": bson.M{"$setUnion": bson.A{"$participants", literal}},
			"read_status": bson.M{"$concatArrays": bson.A{
				"$read_status",
				bson.M{"$map": bson.M{
					"input": bson.M{"$filter": bson.M{
						"input": literal,
						"as":    "p",
						"cond":  bson.M{"$not": bson.A{bson.M{"$in": bson.A{"$$p", "$read_status.participant"}}}},
					}},
					"as": "p",
					"in": bson.M{"participant": "$$p", "read_at": nil},
				}},
			}},
		}}},
	}
	result, err := s.conversations().UpdateOne(ctx, bson.M{"_id": id}, pipeline)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return conversationNotFound(id)
	}
	return nil
}

func (s *MongoStore) UpdateLastMessage(ctx context.Context, id string, content string) (time.Time, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return time.Time{}, err
	}
	result, err := s.conversations().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"last_message":      content,
		"last_message_time": now,
	}})
	if err != nil {
		return time.Time{}, err
	}
	if result.MatchedCount == 0 {
		return time.Time{}, conversationNotFound(id)
	}
	return now, nil
}

// MarkRead replaces participant's cursor, adding one when the reader is not
// a participant (broadcast readers and admins).
func (s *MongoStore) MarkRead(ctx context.Context, id string, participant string) (time.Time, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return time.Time{}, err
	}
	who := bson.M{"$literal": participant}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"read_status": bson.M{"$concatArrays": bson.A{
				bson.M{"$filter": bson.M{
					"input": "$read_status",
					"as":    "r",
					"cond":  bson.M{"$ne": bson.A{"$$r.participant", who}},
				}},
				bson.A{bson.M{"participant": who, "read_at": now}},
			}},
		}}},
	}
	result, err := s.conversations().UpdateOne(ctx, bson.M{"_id": id}, pipeline)
	if err != nil {
		return time.Time{}, err
	}
	if result.MatchedCount == 0 {
		return time.Time{}, conversationNotFound(id)
	}
	return now, nil
}

// --- Messages ---

func (s *MongoStore) exists(ctx context.Context, id string) error {
	n, err := s.conversations().CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n == 0 {
		return conversationNotFound(id)
	}
	return nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, conversationID string, msg model.Message) (*model.Message, error) {
	if err := s.exists(ctx, conversationID); err != nil {
		return nil, err
	}
	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, err
	}
	doc := messageDoc{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Attachments:    msg.Attachments,
		Timestamp:      now,
		Status:         msg.Status,
		ReadBy:         msg.ReadBy,
	}
	if doc.Attachments == nil {
		doc.Attachments = []model.AttachmentDescriptor{}
	}
	if doc.ReadBy == nil {
		doc.ReadBy = []string{}
	}
	if doc.Status == "" {
		doc.Status = model.MessageStatusSent
	}
	if _, err := s.messages().InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	out := doc.toModel()
	return &out, nil
}

func (s *MongoStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	docs, err := s.findMessages(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, len(docs))
	for i := range docs {
		out[len(docs)-1-i] = docs[i].toModel()
	}
	return out, nil
}

func (s *MongoStore) findMessages(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]messageDoc, error) {
	cursor, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *MongoStore) GetMessage(ctx context.Context, conversationID string, messageID string) (*model.Message, error) {
	var doc messageDoc
	err := s.messages().FindOne(ctx, bson.M{"_id": messageID, "conversation_id": conversationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID}
		}
		return nil, err
	}
	out := doc.toModel()
	return &out, nil
}

func (s *MongoStore) DeleteMessage(ctx context.Context, conversationID string, messageID string) error {
	result, err := s.messages().DeleteOne(ctx, bson.M{"_id": messageID, "conversation_id": conversationID})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return &registrystore.NotFoundError{Resource: "message", ID: messageID}
	}
	return nil
}

func (s *MongoStore) SearchMessages(ctx context.Context, query registrystore.MessageSearch) ([]model.ConversationMessage, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = registrystore.DefaultSearchLimit
	}
	filter := bson.M{"content": bson.Regex{Pattern: "^" + regexp.QuoteMeta(query.Prefix)}}
	if query.ConversationID != "" {
		filter["conversation_id"] = query.ConversationID
	}
	docs, err := s.findMessages(ctx, filter, options.Find().SetSort(bson.D{{Key: "ts", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	out := make([]model.ConversationMessage, len(docs))
	for i := range docs {
		out[i] = model.ConversationMessage{ConversationID: docs[i].ConversationID, Message: docs[i].toModel()}
	}
	return out, nil
}

// --- Archive ---

func (s *MongoStore) ArchiveMessage(ctx context.Context, archived model.ArchivedMessage) (*model.ArchivedMessage, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, err
	}
	doc := archivedDoc{
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
	if doc.Attachments == nil {
		doc.Attachments = []model.AttachmentDescriptor{}
	}
	if doc.ReadBy == nil {
		doc.ReadBy = []string{}
	}
	_, err = s.archived().ReplaceOne(ctx, bson.M{"_id": doc.Key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, err
	}
	out := doc.toModel()
	return &out, nil
}

func (s *MongoStore) GetArchivedMessage(ctx context.Context, key string) (*model.ArchivedMessage, error) {
	var doc archivedDoc
	if err := s.archived().FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "archived message", ID: key}
		}
		return nil, err
	}
	out := doc.toModel()
	return &out, nil
}

func (s *MongoStore) PurgeArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.archived().DeleteMany(ctx, bson.M{"archived_at": bson.M{"$lt": cutoff.UTC()}})
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

var _ registrystore.MessagingStore = (*MongoStore)(nil)
