package model

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	// BroadcastParticipant is the sentinel participant that makes a
	// conversation visible to every user.
	BroadcastParticipant = "broadcasts"
	// BroadcastConversationID is the fixed id of the broadcast channel.
	BroadcastConversationID = "broadcasts_all_users"

	MessageStatusSent = "sent"
)

var (
	ErrNoParticipants = errors.New("at least one participant is required")
	ErrMixedBroadcast = errors.New("the broadcast participant cannot be combined with other participants")
)

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Conversation is the summary document of a thread.
type Conversation struct {
	ID              string                `json:"id"`
	Participants    []string              `json:"participants"`
	JobID           *string               `json:"jobId"`
	LastMessage     string                `json:"lastMessage"`
	LastMessageTime *time.Time            `json:"lastMessageTime"`
	CreatedBy       string                `json:"createdBy"`
	CreatedAt       time.Time             `json:"createdAt"`
	ReadStatus      map[string]*time.Time `json:"readStatus"`
	IsActive        bool                  `json:"isActive"`
}

// IsBroadcast reports whether the conversation is the everyone-visible channel.
func (c *Conversation) IsBroadcast() bool {
	return IsBroadcastParticipants(c.Participants)
}

// HasParticipant reports whether id is listed in participants.
func (c *Conversation) HasParticipant(id string) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// AttachmentDescriptor points at an uploaded blob.
type AttachmentDescriptor struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Message is a single immutable entry in a conversation log.
type Message struct {
	ID          string                 `json:"id"`
	SenderID    string                 `json:"senderId"`
	Content     string                 `json:"content"`
	Attachments []AttachmentDescriptor `json:"attachments"`
	Timestamp   time.Time              `json:"timestamp"`
	Status      string                 `json:"status"`
	ReadBy      []string               `json:"readBy"`
}

// ConversationMessage is a message together with the conversation it belongs to.
type ConversationMessage struct {
	ConversationID string `json:"conversationId"`
	Message
}

// ArchivedMessage is a copy of a removed message.
type ArchivedMessage struct {
	Message
	ConversationID string    `json:"conversationId"`
	ArchivedAt     time.Time `json:"archivedAt"`
	ArchivedBy     string    `json:"archivedBy"`
}

// Key returns the archive collection key.
func (a *ArchivedMessage) Key() string {
	return ArchiveKey(a.ConversationID, a.ID)
}

func ArchiveKey(conversationID, messageID string) string {
	return conversationID + "_" + messageID
}

// IsBroadcastParticipant matches the sentinel case-insensitively.
func IsBroadcastParticipant(p string) bool {
	return strings.EqualFold(p, BroadcastParticipant)
}

// IsBroadcastParticipants reports whether any participant is the sentinel.
func IsBroadcastParticipants(participants []string) bool {
	for _, p := range participants {
		if IsBroadcastParticipant(p) {
			return true
		}
	}
	return false
}

// NormalizeParticipants drops empty values, dedupes and sorts.
func NormalizeParticipants(participants []string) []string {
	seen := make(map[string]struct{}, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// DeriveID computes the deterministic conversation id for a participant set.
// The set {"broadcasts"} maps to BroadcastConversationID.
func DeriveID(participants []string) (string, error) {
	set := NormalizeParticipants(participants)
	if len(set) == 0 {
		return "", ErrNoParticipants
	}
	if len(set) == 1 && IsBroadcastParticipant(set[0]) {
		return BroadcastConversationID, nil
	}
	return unsafeIDChars.ReplaceAllString(strings.Join(set, "_"), "_"), nil
}
