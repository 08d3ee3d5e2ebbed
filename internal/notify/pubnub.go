package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubnubgo "github.com/pubnub/go/v7"
)

var _ Mirror = (*pubnubMirror)(nil)

var ErrNoUser = errors.New("notify: user id is required")

type Config struct {
	PublishKey   string
	SubscribeKey string
	SecretKey    string
	// ServerID is the PubNub user id the gate publishes and grants as.
	ServerID string
	// GrantTTL is the lifetime of a client's read grant, in minutes.
	GrantTTL int
}

// Grant lets one client read its own admission channel.
type Grant struct {
	Token      string `json:"token"`
	Channel    string `json:"channel"`
	TTLMinutes int    `json:"ttlMinutes"`
}

// Mirror copies admission notices onto PubNub for clients that listen
// there as well as on their push channel.
type Mirror interface {
	PublishAdmitted(ctx context.Context, notice AdmittedNotice) error
	GrantToken(ctx context.Context, userID string) (*Grant, error)
}

// AdmissionChannel is the PubNub channel carrying a user's notices.
func AdmissionChannel(userID string) string {
	return "admission-" + userID
}

func NewPubnub(cfg *Config) (Mirror, error) {
	if cfg == nil {
		return nil, errors.New("notify: config must not be nil")
	}
	if cfg.PublishKey == "" || cfg.SubscribeKey == "" {
		return nil, errors.New("notify: publish and subscribe keys are required")
	}

	pnCfg := pubnubgo.NewConfigWithUserId(pubnubgo.UserId(cfg.ServerID))
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.SecretKey = cfg.SecretKey

	ttl := cfg.GrantTTL
	if ttl <= 0 {
		ttl = 60
	}
	return &pubnubMirror{pn: pubnubgo.NewPubNub(pnCfg), grantTTL: ttl}, nil
}

type pubnubMirror struct {
	pn       *pubnubgo.PubNub
	grantTTL int
}

func (m *pubnubMirror) PublishAdmitted(ctx context.Context, notice AdmittedNotice) error {
	if err := checkUser(notice.UserID); err != nil {
		return err
	}
	_, _, err := m.pn.PublishWithContext(ctx).
		Channel(AdmissionChannel(notice.UserID)).
		Message(notice).
		Meta(map[string]string{"eventId": notice.EventID}).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to publish admission of %s: %w", notice.UserID, err)
	}
	return nil
}

// GrantToken returns a read grant for the user's admission channel only,
// bound to the user's PubNub id.
func (m *pubnubMirror) GrantToken(ctx context.Context, userID string) (*Grant, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	channel := AdmissionChannel(userID)
	resp, _, err := m.pn.GrantTokenWithContext(ctx).
		TTL(m.grantTTL).
		AuthorizedUUID(userID).
		Channels(map[string]pubnubgo.ChannelPermissions{channel: {Read: true}}).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to grant token for %s: %w", userID, err)
	}
	return &Grant{Token: resp.Data.Token, Channel: channel, TTLMinutes: m.grantTTL}, nil
}

// checkUser rejects ids that would name a channel other than the user's own.
func checkUser(userID string) error {
	if userID == "" {
		return ErrNoUser
	}
	if strings.ContainsAny(userID, ",:*/\\ ") {
		return fmt.Errorf("notify: user id %q has characters not allowed in a channel name", userID)
	}
	return nil
}
