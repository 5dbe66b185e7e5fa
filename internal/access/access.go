// Package access decides which conversations a caller may see.
package access

import (
	"sort"

	"github.com/chirino/messaging-service/internal/model"
)

// CanView reports whether the caller may see conv. Admins see everything;
// everyone else sees threads they participate in and the broadcast channel.
func CanView(conv *model.Conversation, callerID string, isAdmin bool) bool {
	if conv == nil {
		return false
	}
	if isAdmin {
		return true
	}
	if callerID != "" && conv.HasParticipant(callerID) {
		return true
	}
	return conv.IsBroadcast()
}

// VisibleConversations filters all down to what the caller may see.
func VisibleConversations(all []model.Conversation, callerID string, isAdmin bool) []model.Conversation {
	out := make([]model.Conversation, 0, len(all))
	for i := range all {
		if CanView(&all[i], callerID, isAdmin) {
			out = append(out, all[i])
		}
	}
	return out
}

// SortByRecency orders conversations by lastMessageTime descending. Records
// without a timestamp sort last; ties break on id.
func SortByRecency(convs []model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i].LastMessageTime, convs[j].LastMessageTime
		switch {
		case a == nil && b == nil:
			return convs[i].ID < convs[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return convs[i].ID < convs[j].ID
		default:
			return a.After(*b)
		}
	})
}
