package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anousonefs/ticket-gate/internal/admission"
	"github.com/anousonefs/ticket-gate/internal/channel"
	"github.com/anousonefs/ticket-gate/internal/clock"
	"github.com/anousonefs/ticket-gate/internal/credential"
	"github.com/anousonefs/ticket-gate/internal/dispatch"
	"github.com/anousonefs/ticket-gate/internal/domain"
	"github.com/anousonefs/ticket-gate/internal/eventclient"
	"github.com/anousonefs/ticket-gate/internal/notify"
	"github.com/anousonefs/ticket-gate/internal/queue"
	"github.com/anousonefs/ticket-gate/internal/testutil"
	"github.com/anousonefs/ticket-gate/internal/waitroom"
)

const processID = "p1"

type staticEvents struct{}

func (staticEvents) Lookup(_ context.Context, eventID string) (*eventclient.Event, error) {
	if eventID == "missing" {
		return nil, domain.ErrEventNotFound
	}
	return &eventclient.Event{SeatCount: 1, Status: domain.EventOpen}, nil
}

type testServer struct {
	url      string
	store    *queue.Store
	streams  *testutil.MemStreams
	inbox    *testutil.MemMailbox
	promoter *admission.Promoter
	consumer *dispatch.Consumer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	client, _ := testutil.NewRedis(t)
	clk := clock.NewSystem()

	store := queue.NewStore(client, clk)
	issuer := credential.NewIssuer(client, clk, time.Minute)
	registry := channel.NewRegistry(channel.Options{})
	streams := testutil.NewMemStreams(clk)
	svc := waitroom.NewService(store, issuer, staticEvents{}, registry, clk, waitroom.Config{ProcessID: processID})

	ctx, cancel := context.WithCancel(context.Background())
	e := New(Deps{Waitroom: svc, Admin: store, Validator: issuer, BaseCtx: ctx})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)

	return &testServer{
		url:      srv.URL,
		store:    store,
		streams:  streams,
		inbox:    streams.Mailbox(processID, processID+"-consumer"),
		promoter: admission.NewPromoter(store, streams, admission.Config{}),
		consumer: dispatch.NewConsumer(streams.Mailbox(processID, processID+"-consumer"), registry, store, issuer, nil, dispatch.ConsumerConfig{}),
	}
}

func (s *testServer) step(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	s.promoter.Tick(ctx)
	deliveries, err := s.inbox.Read(ctx, 100)
	require.NoError(t, err)
	for _, d := range deliveries {
		require.NoError(t, s.consumer.Handle(ctx, d))
		require.NoError(t, s.inbox.Ack(ctx, d.ID))
	}
}

func (s *testServer) do(t *testing.T, method, path, userID string, headers map[string]string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.url+path, strings.NewReader(body))
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// readFrame returns the next data frame of an SSE stream, skipping heartbeats.
func readFrame(t *testing.T, r *bufio.Reader) domain.Frame {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f domain.Frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &f))
		return f
	}
}

func TestMissingUserIsUnauthorized(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/queue/E1/status", "", nil, "")
	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, codeMissingUser, body.Code)
}

func TestSSEEntryAdmitAndComplete(t *testing.T) {
	s := newTestServer(t)

	stream := s.do(t, http.MethodGet, "/queue/E1/entry", "A", nil, "")
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	reader := bufio.NewReader(stream.Body)
	connected := readFrame(t, reader)
	assert.Equal(t, "connected", connected.Event)
	assert.Equal(t, "A", connected.UserID)

	dup := s.do(t, http.MethodGet, "/queue/E1/entry", "A", nil, "")
	var dupBody errorResponse
	decodeBody(t, dup, &dupBody)
	assert.Equal(t, http.StatusConflict, dup.StatusCode)
	assert.Equal(t, codeDuplicateConnection, dupBody.Code)

	s.step(t)
	admitted := readFrame(t, reader)
	assert.Equal(t, domain.StateAdmitted, admitted.Status)
	require.NotEmpty(t, admitted.Token)

	denied := s.do(t, http.MethodPost, "/queue/E1/complete", "A", map[string]string{HeaderEntryToken: "wrong"}, "")
	var deniedBody errorResponse
	decodeBody(t, denied, &deniedBody)
	assert.Equal(t, http.StatusForbidden, denied.StatusCode)
	assert.Equal(t, codeAccessDenied, deniedBody.Code)

	otherEvent := s.do(t, http.MethodPost, "/queue/E2/complete", "A", map[string]string{HeaderEntryToken: admitted.Token}, "")
	otherEvent.Body.Close()
	assert.Equal(t, http.StatusForbidden, otherEvent.StatusCode)

	done := s.do(t, http.MethodPost, "/queue/E1/complete", "A", map[string]string{HeaderEntryToken: `"` + admitted.Token + `"`}, "")
	done.Body.Close()
	assert.Equal(t, http.StatusOK, done.StatusCode)

	again := s.do(t, http.MethodPost, "/queue/E1/complete", "A", map[string]string{HeaderEntryToken: admitted.Token}, "")
	again.Body.Close()
	assert.Equal(t, http.StatusForbidden, again.StatusCode)
}

func TestUnknownEvent(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/queue/missing/poll-entry", "A", nil, "")
	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, codeEventNotFound, body.Code)
}

func TestPollEntryAndStatus(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/queue/E1/poll-entry", "A", nil, "")
	var status domain.PollStatus
	decodeBody(t, resp, &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.PollWaiting, status.State)
	assert.Zero(t, *status.Rank)

	resp = s.do(t, http.MethodPost, "/queue/E1/poll-entry", "A", nil, "")
	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, codeAlreadyQueued, body.Code)

	resp = s.do(t, http.MethodPost, "/queue/E1/poll-entry", "B", nil, "")
	resp.Body.Close()

	s.step(t)

	resp = s.do(t, http.MethodGet, "/queue/E1/status", "A", nil, "")
	decodeBody(t, resp, &status)
	assert.Equal(t, domain.PollAdmitted, status.State)
	assert.NotEmpty(t, status.Token)

	resp = s.do(t, http.MethodGet, "/queue/E1/status", "B", nil, "")
	status = domain.PollStatus{}
	decodeBody(t, resp, &status)
	assert.Equal(t, domain.PollWaiting, status.State)
	assert.Equal(t, int64(1000), status.PollAfterMs)

	resp = s.do(t, http.MethodDelete, "/queue/E1/entry", "B", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/queue/E1/status", "B", nil, "")
	status = domain.PollStatus{}
	decodeBody(t, resp, &status)
	assert.Equal(t, domain.PollNotQueued, status.State)

	resp = s.do(t, http.MethodDelete, "/queue/E1/entry", "B", nil, "")
	decodeBody(t, resp, &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, codeNotQueued, body.Code)
}

func TestWebSocketEntry(t *testing.T) {
	s := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(s.url, "http") + "/queue/E1/entry/ws"
	header := http.Header{}
	header.Set(HeaderUserID, "A")
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame domain.Frame
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, "connected", frame.Event)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	s.step(t)
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, domain.StateAdmitted, frame.Status)
	assert.NotEmpty(t, frame.Token)
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t)

	for _, u := range []string{"A", "B"} {
		resp := s.do(t, http.MethodPost, "/queue/E1/poll-entry", u, nil, "")
		resp.Body.Close()
	}

	resp := s.do(t, http.MethodPut, "/admin/events/E1/status", "", nil, `{"status":"CLOSED"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodPut, "/admin/events/E1/status", "", nil, `{}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// closed events do not promote
	s.step(t)

	resp = s.do(t, http.MethodGet, "/admin/events/E1/stats", "", nil, "")
	var stats domain.QueueStats
	decodeBody(t, resp, &stats)
	assert.Equal(t, int64(2), stats.Waiting)
	assert.Equal(t, int64(1), stats.RemainingSlots)
	assert.Equal(t, domain.EventClosed, stats.Status)

	resp = s.do(t, http.MethodGet, "/queue/E1/status", "B", nil, "")
	var status domain.PollStatus
	decodeBody(t, resp, &status)
	assert.Equal(t, int64(30000), status.PollAfterMs)

	resp = s.do(t, http.MethodDelete, "/admin/events/E1/queue", "", nil, "")
	var cleaned map[string]any
	decodeBody(t, resp, &cleaned)
	assert.Equal(t, float64(2), cleaned["entries_removed"])
}

func TestPushTokenWithoutPubnub(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/queue/push-token", "A", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type fakeMirror struct{ granted []string }

func (f *fakeMirror) PublishAdmitted(context.Context, notify.AdmittedNotice) error { return nil }

func (f *fakeMirror) GrantToken(_ context.Context, userID string) (*notify.Grant, error) {
	f.granted = append(f.granted, userID)
	return &notify.Grant{Token: "grant-" + userID, Channel: notify.AdmissionChannel(userID), TTLMinutes: 60}, nil
}

func TestPushTokenIsScopedToCaller(t *testing.T) {
	mirror := &fakeMirror{}
	srv := httptest.NewServer(New(Deps{Mirror: mirror}))
	t.Cleanup(srv.Close)
	s := &testServer{url: srv.URL}

	resp := s.do(t, http.MethodGet, "/queue/push-token", "A", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var grant notify.Grant
	decodeBody(t, resp, &grant)

	assert.Equal(t, "grant-A", grant.Token)
	assert.Equal(t, notify.AdmissionChannel("A"), grant.Channel)
	assert.Equal(t, []string{"A"}, mirror.granted)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/healthz", "", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrAlreadyQueued, http.StatusConflict, codeAlreadyQueued},
		{domain.ErrDuplicateConnection, http.StatusConflict, codeDuplicateConnection},
		{domain.ErrAccessDenied, http.StatusForbidden, codeAccessDenied},
		{domain.ErrEventNotFound, http.StatusNotFound, codeEventNotFound},
		{context.DeadlineExceeded, http.StatusInternalServerError, codeInternalError},
	}

	e := New(Deps{})
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		require.NoError(t, writeDomainError(c, tt.err))

		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		assert.Equal(t, tt.code, body.Code)
	}
}
