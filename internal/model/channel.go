package model

// ChannelKind distinguishes direct threads from the broadcast channel.
type ChannelKind int

const (
	KindDirect ChannelKind = iota
	KindBroadcast
)

func (k ChannelKind) String() string {
	switch k {
	case KindBroadcast:
		return "broadcast"
	default:
		return "direct"
	}
}

// Channel is either Direct(participants) or Broadcast. Build one with
// NewChannel, Direct or Broadcast.
type Channel struct {
	kind         ChannelKind
	participants []string
}

// Broadcast returns the everyone-visible channel.
func Broadcast() Channel {
	return Channel{kind: KindBroadcast, participants: []string{BroadcastParticipant}}
}

// Direct returns a direct channel between the given participants.
func Direct(participants ...string) (Channel, error) {
	set := NormalizeParticipants(participants)
	if len(set) == 0 {
		return Channel{}, ErrNoParticipants
	}
	if IsBroadcastParticipants(set) {
		return Channel{}, ErrMixedBroadcast
	}
	return Channel{kind: KindDirect, participants: set}, nil
}

// NewChannel classifies a raw participant list.
func NewChannel(participants []string) (Channel, error) {
	set := NormalizeParticipants(participants)
	if len(set) == 0 {
		return Channel{}, ErrNoParticipants
	}
	if IsBroadcastParticipants(set) {
		if len(set) != 1 {
			return Channel{}, ErrMixedBroadcast
		}
		return Broadcast(), nil
	}
	return Channel{kind: KindDirect, participants: set}, nil
}

func (c Channel) Kind() ChannelKind { return c.kind }

func (c Channel) IsBroadcast() bool { return c.kind == KindBroadcast }

// Participants returns a copy of the sorted participant set.
func (c Channel) Participants() []string {
	return append([]string(nil), c.participants...)
}

// With returns a direct channel that also includes id. Broadcast channels are
// returned unchanged.
func (c Channel) With(id string) Channel {
	if c.kind == KindBroadcast || id == "" {
		return c
	}
	next, err := Direct(append(c.Participants(), id)...)
	if err != nil {
		return c
	}
	return next
}

// ID derives the conversation id.
func (c Channel) ID() string {
	if c.kind == KindBroadcast {
		return BroadcastConversationID
	}
	id, _ := DeriveID(c.participants)
	return id
}
