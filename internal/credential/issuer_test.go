package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anousonefs/ticket-gate/internal/clock"
	"github.com/anousonefs/ticket-gate/internal/domain"
	"github.com/anousonefs/ticket-gate/internal/testutil"
)

func newTestIssuer(t *testing.T) (*Issuer, *clock.Fake) {
	t.Helper()
	client, _ := testutil.NewRedis(t)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewIssuer(client, clk, 5*time.Minute), clk
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	issuer, clk := newTestIssuer(t)

	cred, err := issuer.Issue(ctx, "A", "E1")
	require.NoError(t, err)
	assert.NotEmpty(t, cred.Token)
	assert.Equal(t, clk.Now().Add(5*time.Minute), cred.ExpiresAt)

	got, err := issuer.Validate(ctx, "A", cred.Token)
	require.NoError(t, err)
	assert.Equal(t, "E1", got.EventID)

	t.Run("quoted token", func(t *testing.T) {
		_, err := issuer.Validate(ctx, "A", `"`+cred.Token+`" `)
		assert.NoError(t, err)
	})

	t.Run("wrong token", func(t *testing.T) {
		_, err := issuer.Validate(ctx, "A", "nope")
		assert.ErrorIs(t, err, domain.ErrAccessDenied)
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := issuer.Validate(ctx, "A", "")
		assert.ErrorIs(t, err, domain.ErrAccessDenied)
	})

	t.Run("other user", func(t *testing.T) {
		_, err := issuer.Validate(ctx, "B", cred.Token)
		assert.ErrorIs(t, err, domain.ErrAccessDenied)
	})

	t.Run("other event", func(t *testing.T) {
		_, err := issuer.ValidateForEvent(ctx, "A", cred.Token, "E2")
		assert.ErrorIs(t, err, domain.ErrAccessDenied)

		_, err = issuer.ValidateForEvent(ctx, "A", cred.Token, "E1")
		assert.NoError(t, err)
	})
}

func TestIssueReplacesPreviousCredential(t *testing.T) {
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	first, err := issuer.Issue(ctx, "A", "E1")
	require.NoError(t, err)
	second, err := issuer.Issue(ctx, "A", "E1")
	require.NoError(t, err)

	_, err = issuer.Validate(ctx, "A", first.Token)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
	_, err = issuer.Validate(ctx, "A", second.Token)
	assert.NoError(t, err)
}

func TestExpiredCredentialIsDenied(t *testing.T) {
	ctx := context.Background()
	issuer, clk := newTestIssuer(t)

	cred, err := issuer.Issue(ctx, "A", "E1")
	require.NoError(t, err)

	clk.Advance(5*time.Minute + time.Second)

	_, err = issuer.Validate(ctx, "A", cred.Token)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	got, err := issuer.Get(ctx, "A")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreTTLRemovesCredential(t *testing.T) {
	ctx := context.Background()
	client, mr := testutil.NewRedis(t)
	issuer := NewIssuer(client, clock.NewSystem(), time.Minute)

	cred, err := issuer.Issue(ctx, "A", "E1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = issuer.Validate(ctx, "A", cred.Token)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestConsumeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	cred, err := issuer.Issue(ctx, "A", "E1")
	require.NoError(t, err)

	_, err = issuer.Consume(ctx, "A", cred.Token, "E2")
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = issuer.Consume(ctx, "A", cred.Token, "E1")
	require.NoError(t, err)

	_, err = issuer.Consume(ctx, "A", cred.Token, "E1")
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	cred, err := issuer.Issue(ctx, "A", "E1")
	require.NoError(t, err)
	require.NoError(t, issuer.Revoke(ctx, "A"))

	_, err = issuer.Validate(ctx, "A", cred.Token)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
}
