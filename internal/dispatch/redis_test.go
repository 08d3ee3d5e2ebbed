package dispatch

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anousonefs/ticket-gate/internal/domain"
	"github.com/anousonefs/ticket-gate/internal/testutil"
)

func TestCodec(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]any
		want    domain.DispatchMessage
		wantErr bool
	}{
		{
			name:   "admit without kind",
			values: map[string]any{"userId": "A", "eventId": "E1"},
			want:   domain.DispatchMessage{UserID: "A", EventID: "E1", Kind: domain.KindAdmit},
		},
		{
			name:   "rank",
			values: map[string]any{"userId": "A", "eventId": "E1", "kind": "rank", "rank": "7", "mode": "stream"},
			want:   domain.DispatchMessage{UserID: "A", EventID: "E1", Kind: domain.KindRank, Rank: 7, Mode: domain.ModeStream},
		},
		{
			name:    "missing event",
			values:  map[string]any{"userId": "A"},
			wantErr: true,
		},
		{
			name:    "bad rank",
			values:  map[string]any{"userId": "A", "eventId": "E1", "kind": "rank", "rank": "x"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decode(tt.values)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRedisMailboxRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, _ := testutil.NewRedis(t)

	streams := NewStreams(client)
	mailbox := NewMailbox(client, "p1", -1)
	require.NoError(t, mailbox.Ensure(ctx))
	require.NoError(t, mailbox.Ensure(ctx), "existing group is fine")

	_, err := streams.Publish(ctx, "p1", domain.DispatchMessage{UserID: "A", EventID: "E1"})
	require.NoError(t, err)
	_, err = streams.Publish(ctx, "p2", domain.DispatchMessage{UserID: "B", EventID: "E1"})
	require.NoError(t, err)

	deliveries, err := mailbox.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "A", deliveries[0].Message.UserID)
	assert.Equal(t, domain.KindAdmit, deliveries[0].Message.Kind)

	pending, err := mailbox.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, deliveries[0].ID, pending[0].ID)
	assert.Equal(t, "p1-consumer", pending[0].Consumer)

	claimed, err := mailbox.Claim(ctx, 0, pending[0].ID)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "A", claimed[0].Message.UserID)

	require.NoError(t, mailbox.Ack(ctx, deliveries[0].ID))
	pending, err = mailbox.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err := client.XLen(ctx, StreamKey("p1")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	deliveries, err = mailbox.Read(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestMalformedEntryIsDeliveredEmpty(t *testing.T) {
	ctx := context.Background()
	client, _ := testutil.NewRedis(t)

	mailbox := NewMailbox(client, "p1", -1)
	require.NoError(t, mailbox.Ensure(ctx))
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey("p1"),
		Values: map[string]any{"junk": "1"},
	}).Err())

	deliveries, err := mailbox.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Empty(t, deliveries[0].Message.UserID)
}

func TestAdmissionSurvivesRankTraffic(t *testing.T) {
	ctx := context.Background()
	client, _ := testutil.NewRedis(t)

	streams := NewStreams(client)
	mailbox := NewMailbox(client, "p1", -1)
	require.NoError(t, mailbox.Ensure(ctx))

	_, err := streams.Publish(ctx, "p1", domain.DispatchMessage{UserID: "A", EventID: "E1", Kind: domain.KindAdmit})
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		_, err := streams.Publish(ctx, "p1", domain.DispatchMessage{UserID: "B", EventID: "E1", Kind: domain.KindRank, Rank: int64(i)})
		require.NoError(t, err)
	}

	deliveries, err := mailbox.Read(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, deliveries, 501)
	assert.Equal(t, "A", deliveries[0].Message.UserID)
	assert.Equal(t, domain.KindAdmit, deliveries[0].Message.Kind)
}
