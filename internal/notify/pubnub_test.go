package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPubnubRequiresKeys(t *testing.T) {
	_, err := NewPubnub(nil)
	assert.Error(t, err)

	_, err = NewPubnub(&Config{PublishKey: "pub"})
	assert.Error(t, err)

	m, err := NewPubnub(&Config{PublishKey: "pub", SubscribeKey: "sub", ServerID: "gate"})
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestAdmittedNoticeHasNoToken(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(NewAdmittedNotice("A", "E1", at))
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "admitted", fields["type"])
	assert.Equal(t, "A", fields["userId"])
	assert.Equal(t, "E1", fields["eventId"])
	assert.NotContains(t, fields, "token")
}

func TestAdmissionChannelIsPerUser(t *testing.T) {
	assert.Equal(t, "admission-A", AdmissionChannel("A"))
	assert.NotEqual(t, AdmissionChannel("A"), AdmissionChannel("B"))
}

func TestRejectsBadUserIDs(t *testing.T) {
	ctx := context.Background()
	m, err := NewPubnub(&Config{PublishKey: "pub", SubscribeKey: "sub", SecretKey: "sec", ServerID: "gate"})
	require.NoError(t, err)

	_, err = m.GrantToken(ctx, "")
	assert.ErrorIs(t, err, ErrNoUser)

	for _, id := range []string{"a*", "a,b", "a:b", "a b"} {
		_, err := m.GrantToken(ctx, id)
		assert.Error(t, err, id)
		assert.Error(t, m.PublishAdmitted(ctx, NewAdmittedNotice(id, "E1", time.Now())), id)
	}
}
