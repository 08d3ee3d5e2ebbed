package eventclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/anousonefs/ticket-gate/internal/domain"
)

// Event is what the gate needs to know about an event to seed its queue.
type Event struct {
	SeatCount int64              `json:"seatCount"`
	Status    domain.EventStatus `json:"status"`
}

// Client looks events up in the event service.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// Lookup returns the event's seat count and status. A missing status is
// reported as OPEN.
func (c *Client) Lookup(ctx context.Context, eventID string) (*Event, error) {
	endpoint, err := url.JoinPath(c.baseURL, "events", eventID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("event service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrEventNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("event service: unexpected status %d", resp.StatusCode)
	}

	// the service answers either bare or wrapped in {"data": ...}
	var body struct {
		Event
		Data *Event `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("event service: decode: %w", err)
	}

	event := body.Event
	if body.Data != nil {
		event = *body.Data
	}
	if event.Status == "" {
		event.Status = domain.EventOpen
	}
	if event.SeatCount < 0 {
		event.SeatCount = 0
	}
	return &event, nil
}
