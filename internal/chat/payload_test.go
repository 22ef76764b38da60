package chat

import (
	"testing"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- ParseUser ---

func TestParseUser(t *testing.T) {
	u, err := ParseUser([]byte(`{"id":"ham","name":"Hamilton","avatar_url":"https://a/ham.png","custom_data":{"team":"blue"},"created_at":"2017-04-13T14:10:38Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "ham", u.ID)
	assert.Equal(t, "Hamilton", u.Name)
	assert.Equal(t, "https://a/ham.png", u.AvatarURL)
	assert.Equal(t, "blue", u.CustomData["team"])
	assert.Equal(t, time.Date(2017, 4, 13, 14, 10, 38, 0, time.UTC), u.CreatedAt)
}

func TestParseUser_NormalizesName(t *testing.T) {
	u, err := ParseUser([]byte(`{"id":"z","name":"Zoe\u0301"}`))
	require.NoError(t, err)
	assert.Equal(t, "Zo\u00e9", u.Name)
}

func TestParseUser_Invalid(t *testing.T) {
	for name, data := range map[string]string{
		"missing id": `{"name":"x"}`,
		"not json":   `{`,
		"wrong type": `{"id":42}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseUser([]byte(data))
			require.Error(t, err)
			assert.ErrorIs(t, err, chaterrors.ErrDeserialization)
		})
	}
}

// --- ParseRoom ---

func TestParseRoom(t *testing.T) {
	r, err := ParseRoom([]byte(`{"id":"r1","name":"general","created_by_id":"ham","private":true,"member_user_ids":["ham","viv"]}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", r.ID)
	assert.Equal(t, "general", r.Name)
	assert.True(t, r.IsPrivate)
	assert.Equal(t, []string{"ham", "viv"}, r.MemberIDs)
}

func TestParseRoom_MissingMembersIsNil(t *testing.T) {
	r, err := ParseRoom([]byte(`{"id":"r1"}`))
	require.NoError(t, err)
	assert.Nil(t, r.MemberIDs, "absent member list must not clear membership on merge")
}

// --- ParseMessage ---

func TestParseMessage(t *testing.T) {
	m, err := ParseMessage([]byte(`{"id":7,"text":"hello","user_id":"ham","room_id":"r1","created_at":"2017-03-23T11:36:42Z"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), m.ID)
	assert.Equal(t, "hello", m.Text)
	assert.Equal(t, "ham", m.SenderID)
	assert.Equal(t, "r1", m.RoomID)
	assert.Nil(t, m.Attachment)
}

func TestParseMessage_Invalid(t *testing.T) {
	for name, data := range map[string]string{
		"zero id":         `{"id":0,"user_id":"a","room_id":"r"}`,
		"missing user":    `{"id":1,"room_id":"r"}`,
		"missing room":    `{"id":1,"user_id":"a"}`,
		"string id":       `{"id":"1","user_id":"a","room_id":"r"}`,
		"link no url":     `{"id":1,"user_id":"a","room_id":"r","attachment":{"kind":"link"}}`,
		"file no name":    `{"id":1,"user_id":"a","room_id":"r","attachment":{"kind":"file","resource_link":"https://x/y"}}`,
		"unknown kind":    `{"id":1,"user_id":"a","room_id":"r","attachment":{"kind":"video","resource_link":"https://x/y"}}`,
		"truncated input": `{"id":1,`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMessage([]byte(data))
			require.Error(t, err)
			assert.ErrorIs(t, err, chaterrors.ErrDeserialization)
		})
	}
}

func TestParseMessage_LinkAttachmentNameFromURL(t *testing.T) {
	m, err := ParseMessage([]byte(`{"id":1,"user_id":"ham","room_id":"r1","attachment":{"resource_link":"https://i.imgur.com/rJbRKLU.gif","type":"image"}}`))
	require.NoError(t, err)
	require.NotNil(t, m.Attachment)
	assert.Equal(t, models.AttachmentLink, m.Attachment.Kind)
	assert.Equal(t, "rJbRKLU.gif", m.Attachment.Name)
	assert.Equal(t, "image", m.Attachment.Type)
}

func TestParseMessage_FileAttachment(t *testing.T) {
	m, err := ParseMessage([]byte(`{"id":1,"user_id":"ham","room_id":"r1","attachment":{"resource_link":"https://files/abc","type":"file","name":"report.pdf","size":2048}}`))
	require.NoError(t, err)
	require.NotNil(t, m.Attachment)
	assert.Equal(t, models.AttachmentFile, m.Attachment.Kind)
	assert.Equal(t, "report.pdf", m.Attachment.Name)
	assert.Equal(t, int64(2048), m.Attachment.Size)
}

func TestNameFromLink(t *testing.T) {
	assert.Equal(t, "my file.txt", nameFromLink("https://x.example/a/my%20file.txt"))
	assert.Equal(t, "", nameFromLink("https://x.example/"))
	assert.Equal(t, "", nameFromLink("https://x.example"))
	assert.Equal(t, "", nameFromLink("://bad"))
}

// --- ParsePresence ---

func TestParsePresence(t *testing.T) {
	tests := []struct {
		state string
		want  models.PresenceState
	}{
		{"online", models.PresenceOnline},
		{"Offline", models.PresenceOffline},
		{"", models.PresenceUnknown},
		{"unknown", models.PresenceUnknown},
	}

	for _, tt := range tests {
		p, err := ParsePresence([]byte(`{"user_id":"ham","state":"` + tt.state + `"}`))
		require.NoError(t, err, tt.state)
		assert.Equal(t, tt.want, p.State, tt.state)
	}
}

func TestParsePresence_Invalid(t *testing.T) {
	_, err := ParsePresence([]byte(`{"user_id":"ham","state":"away"}`))
	assert.ErrorIs(t, err, chaterrors.ErrDeserialization)

	_, err = ParsePresence([]byte(`{"state":"online"}`))
	assert.ErrorIs(t, err, chaterrors.ErrDeserialization)
}

// --- ParseTypingSignal / ParseMembership ---

func TestParseTypingSignal_FallsBackToFeedRoom(t *testing.T) {
	at := time.Now()

	sig, err := ParseTypingSignal([]byte(`{"user_id":"viv"}`), "r1", at)
	require.NoError(t, err)
	assert.Equal(t, "r1", sig.RoomID)
	assert.Equal(t, "viv", sig.UserID)
	assert.Equal(t, at, sig.At)

	_, err = ParseTypingSignal([]byte(`{}`), "r1", at)
	assert.ErrorIs(t, err, chaterrors.ErrDeserialization)
}

func TestParseMembership(t *testing.T) {
	c, err := ParseMembership([]byte(`{"user_id":"viv","room_id":"r2"}`), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipChange{RoomID: "r2", UserID: "viv"}, c)

	_, err = ParseMembership([]byte(`[]`), "r1")
	assert.ErrorIs(t, err, chaterrors.ErrDeserialization)
}
