package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveID_SanitizesAndJoins(t *testing.T) {
	id, err := DeriveID([]string{"bob@x.com", "alice@x.com"})
	require.NoError(t, err)
	require.Equal(t, "alice_x_com_bob_x_com", id)
}

func TestDeriveID_OrderIndependent(t *testing.T) {
	participants := []string{"zoe@x.com", "alice@x.com", "m.k+1@y.org", "bob@x.com"}
	want, err := DeriveID(participants)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]string(nil), participants...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := DeriveID(shuffled)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestDeriveID_Dedupes(t *testing.T) {
	a, err := DeriveID([]string{"alice@x.com", "bob@x.com", "alice@x.com"})
	require.NoError(t, err)
	b, err := DeriveID([]string{"bob@x.com", "alice@x.com"})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestDeriveID_Broadcast(t *testing.T) {
	for _, in := range [][]string{{"broadcasts"}, {"Broadcasts"}, {"broadcasts", "broadcasts"}} {
		id, err := DeriveID(in)
		require.NoError(t, err)
		require.Equal(t, BroadcastConversationID, id)
	}
}

func TestDeriveID_Empty(t *testing.T) {
	_, err := DeriveID(nil)
	require.ErrorIs(t, err, ErrNoParticipants)
	_, err = DeriveID([]string{"", ""})
	require.ErrorIs(t, err, ErrNoParticipants)
}

func TestNewChannel(t *testing.T) {
	ch, err := NewChannel([]string{"broadcasts"})
	require.NoError(t, err)
	assert.True(t, ch.IsBroadcast())
	assert.Equal(t, BroadcastConversationID, ch.ID())
	assert.Equal(t, "broadcast", ch.Kind().String())

	ch, err = NewChannel([]string{"b@x.com", "a@x.com"})
	require.NoError(t, err)
	assert.False(t, ch.IsBroadcast())
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, ch.Participants())
	assert.Equal(t, "a_x_com_b_x_com", ch.ID())

	_, err = NewChannel([]string{"broadcasts", "a@x.com"})
	require.ErrorIs(t, err, ErrMixedBroadcast)
}

func TestChannelWith(t *testing.T) {
	ch, err := Direct("bob@x.com")
	require.NoError(t, err)
	ch = ch.With("alice@x.com")
	assert.Equal(t, []string{"alice@x.com", "bob@x.com"}, ch.Participants())

	b := Broadcast().With("alice@x.com")
	assert.True(t, b.IsBroadcast())
	assert.Equal(t, []string{BroadcastParticipant}, b.Participants())
}

func TestConversationIsBroadcast(t *testing.T) {
	c := Conversation{Participants: []string{"admin@x.com", "BROADCASTS"}}
	assert.True(t, c.IsBroadcast())
	c = Conversation{Participants: []string{"admin@x.com"}}
	assert.False(t, c.IsBroadcast())
	assert.True(t, c.HasParticipant("admin@x.com"))
}

func TestArchiveKey(t *testing.T) {
	a := ArchivedMessage{Message: Message{ID: "m1"}, ConversationID: "c1"}
	assert.Equal(t, "c1_m1", a.Key())
}
