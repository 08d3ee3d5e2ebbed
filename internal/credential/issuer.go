package credential

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/anousonefs/ticket-gate/internal/clock"
	"github.com/anousonefs/ticket-gate/internal/domain"
)

const DefaultTTL = 5 * time.Minute

// deletes the credential only if it still holds the value that was validated
var consumeScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func tokenKey(userID string) string {
	return fmt.Sprintf("entry_token:%s", userID)
}

// Issuer hands out the short-lived credential that proves a user was
// admitted, and checks it on the way into the protected flow.
type Issuer struct {
	redis *redis.Client
	clock clock.Clock
	ttl   time.Duration
}

func NewIssuer(redis *redis.Client, clk clock.Clock, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{redis: redis, clock: clk, ttl: ttl}
}

// Issue creates a fresh credential for the user, replacing any previous one.
func (i *Issuer) Issue(ctx context.Context, userID, eventID string) (*domain.Credential, error) {
	cred := &domain.Credential{
		UserID:    userID,
		EventID:   eventID,
		Token:     uuid.New().String(),
		ExpiresAt: i.clock.Now().Add(i.ttl),
	}

	credJSON, err := json.Marshal(cred)
	if err != nil {
		return nil, err
	}
	if err := i.redis.Set(ctx, tokenKey(userID), credJSON, i.ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	slog.Debug("Credential issued", "userID", userID, "eventID", eventID)
	return cred, nil
}

// Get returns the user's unexpired credential, or nil.
func (i *Issuer) Get(ctx context.Context, userID string) (*domain.Credential, error) {
	cred, _, err := i.load(ctx, userID)
	return cred, err
}

func (i *Issuer) load(ctx context.Context, userID string) (*domain.Credential, string, error) {
	raw, err := i.redis.Get(ctx, tokenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get credential: %w", err)
	}

	var cred domain.Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		slog.Error("Failed to unmarshal credential", "userID", userID, "error", err)
		return nil, "", nil
	}
	if !cred.ExpiresAt.After(i.clock.Now()) {
		return nil, "", nil
	}
	return &cred, raw, nil
}

// Validate checks that token is the user's current credential.
func (i *Issuer) Validate(ctx context.Context, userID, token string) (*domain.Credential, error) {
	cred, _, err := i.check(ctx, userID, token)
	return cred, err
}

// ValidateForEvent is Validate plus a check that the credential was issued
// for eventID.
func (i *Issuer) ValidateForEvent(ctx context.Context, userID, token, eventID string) (*domain.Credential, error) {
	cred, _, err := i.check(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	if cred.EventID != eventID {
		return nil, domain.ErrAccessDenied
	}
	return cred, nil
}

// Consume validates the credential for eventID and deletes it, so it can be
// presented only once.
func (i *Issuer) Consume(ctx context.Context, userID, token, eventID string) (*domain.Credential, error) {
	cred, raw, err := i.check(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	if cred.EventID != eventID {
		return nil, domain.ErrAccessDenied
	}

	n, err := consumeScript.Run(ctx, i.redis, []string{tokenKey(userID)}, raw).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to consume credential: %w", err)
	}
	if n == 0 {
		// replaced or consumed concurrently
		return nil, domain.ErrAccessDenied
	}
	return cred, nil
}

func (i *Issuer) Revoke(ctx context.Context, userID string) error {
	return i.redis.Del(ctx, tokenKey(userID)).Err()
}

func (i *Issuer) check(ctx context.Context, userID, token string) (*domain.Credential, string, error) {
	presented := normalize(token)
	if userID == "" || presented == "" {
		return nil, "", domain.ErrAccessDenied
	}

	cred, raw, err := i.load(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if cred == nil {
		return nil, "", domain.ErrAccessDenied
	}
	if subtle.ConstantTimeCompare([]byte(normalize(cred.Token)), []byte(presented)) != 1 {
		return nil, "", domain.ErrAccessDenied
	}
	return cred, raw, nil
}

// normalize strips whitespace and the quoting some clients and serializers
// leave around the token.
func normalize(token string) string {
	return strings.Trim(strings.TrimSpace(token), `"`)
}
