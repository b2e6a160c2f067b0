package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/logrelay/internal/events"
	"github.com/dgnsrekt/logrelay/internal/ratelimit"
)

const testSecret = "test-secret"

func TestVerifier(t *testing.T) {
	token, err := IssueToken(testSecret, "user-1", time.Hour)
	require.NoError(t, err)

	v := NewVerifier(testSecret)
	assert.True(t, v.Enabled())
	assert.NoError(t, v.Verify("user-1", token))
	assert.ErrorIs(t, v.Verify("user-2", token), ErrUnauthorized)
	assert.ErrorIs(t, v.Verify("user-1", ""), ErrUnauthorized)
	assert.ErrorIs(t, v.Verify("", token), ErrUnauthorized)

	other := NewVerifier("other-secret")
	assert.ErrorIs(t, other.Verify("user-1", token), ErrUnauthorized)

	noExpiry, err := IssueToken(testSecret, "user-1", 0)
	require.NoError(t, err)
	assert.NoError(t, v.Verify("user-1", noExpiry))

	open := NewVerifier("")
	assert.False(t, open.Enabled())
	assert.NoError(t, open.Verify("anyone", ""))
}

func TestIssueTokenRequiresInputs(t *testing.T) {
	_, err := IssueToken("", "user-1", 0)
	assert.Error(t, err)
	_, err = IssueToken(testSecret, "", 0)
	assert.Error(t, err)
}

type testRelay struct {
	relay *Relay
	srv   *httptest.Server
}

func newTestRelay(t *testing.T, messages *ratelimit.Limiter) *testRelay {
	t.Helper()

	codec, err := events.NewCodec()
	require.NoError(t, err)
	t.Cleanup(codec.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(zap.NewNop())
	go hub.Run(ctx)

	r := New(hub, codec, Options{
		Verifier:          NewVerifier(testSecret),
		Messages:          messages,
		KeepaliveInterval: time.Minute,
	})
	srv := httptest.NewServer(http.HandlerFunc(r.ServeWS))
	t.Cleanup(srv.Close)
	return &testRelay{relay: r, srv: srv}
}

func (tr *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tr.srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data, err := events.Encode(v)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
}

func recv(t *testing.T, c *websocket.Conn) (events.FrameKind, []byte) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	kind, err := events.PeekKind(data)
	require.NoError(t, err)
	return kind, data
}

func expectError(t *testing.T, c *websocket.Conn, code string) {
	t.Helper()
	kind, data := recv(t, c)
	require.Equal(t, events.FrameError, kind, string(data))
	var f events.ErrorFrame
	require.NoError(t, events.Decode(data, &f))
	assert.Equal(t, code, f.Code)
}

func register(t *testing.T, c *websocket.Conn, identity string) {
	t.Helper()
	token, err := IssueToken(testSecret, identity, time.Hour)
	require.NoError(t, err)
	send(t, c, &events.RegisterFrame{Kind: events.FrameRegister, Identity: identity, Credential: token})

	kind, data := recv(t, c)
	require.Equal(t, events.FrameRegistered, kind, string(data))
	var f events.RegisteredFrame
	require.NoError(t, events.Decode(data, &f))
	assert.Equal(t, identity, f.Identity)
}

func logEvent(i int) events.Event {
	return events.Event{
		ID:           fmt.Sprintf("ev-%d", i),
		OriginUserID: "user-a",
		Player:       "Aria",
		Category:     "combat",
		RenderedText: fmt.Sprintf("Aria hits the training dummy for %d damage.", i*10),
		Timestamp:    fmt.Sprintf("2024-05-01T10:00:%02dZ", i),
	}
}

func TestRegisterRejectsBadCredential(t *testing.T) {
	tr := newTestRelay(t, nil)
	c := tr.dial(t)

	send(t, c, &events.RegisterFrame{Kind: events.FrameRegister, Identity: "user-a", Credential: "garbage"})
	expectError(t, c, events.CodeUnauthorized)

	send(t, c, &events.SubscribeFrame{Kind: events.FrameSubscribe, GroupID: "raid"})
	expectError(t, c, events.CodeNotRegistered)
}

func TestRegisterOnlyOncePerConnection(t *testing.T) {
	tr := newTestRelay(t, nil)
	a := tr.dial(t)
	b := tr.dial(t)
	register(t, a, "user-a")
	register(t, b, "user-b")

	token, err := IssueToken(testSecret, "user-c", time.Hour)
	require.NoError(t, err)
	send(t, a, &events.RegisterFrame{Kind: events.FrameRegister, Identity: "user-c", Credential: token})
	expectError(t, a, events.CodeAlreadyRegistered)

	// Batches from a still carry the original identity.
	send(t, a, &events.PayloadFrame{
		Kind:            events.FrameLogs,
		DestinationKind: events.KindFriends,
		Events:          []events.Event{logEvent(1)},
	})
	kind, data := recv(t, b)
	require.Equal(t, events.FrameLogs, kind)
	var relayed events.PayloadFrame
	require.NoError(t, events.Decode(data, &relayed))
	assert.Equal(t, "user-a", relayed.From)
}

func TestMalformedFrameReportsBadFrame(t *testing.T) {
	tr := newTestRelay(t, nil)
	c := tr.dial(t)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"nope":`)))
	expectError(t, c, events.CodeBadFrame)

	// The connection stays usable.
	require.NoError(t, c.WriteMessage(websocket.TextMessage, events.PingFrame()))
	kind, _ := recv(t, c)
	assert.Equal(t, events.FramePong, kind)
}

func TestFriendsFanOutAndAck(t *testing.T) {
	tr := newTestRelay(t, nil)
	a := tr.dial(t)
	b := tr.dial(t)
	register(t, a, "user-a")
	register(t, b, "user-b")

	codec, err := events.NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	batch := []events.Event{logEvent(3), logEvent(7), logEvent(5)}
	frame, err := codec.EncodePayload(events.Friends(), batch)
	require.NoError(t, err)
	send(t, a, frame)

	kind, data := recv(t, b)
	require.Equal(t, events.FrameLogs, kind)
	var relayed events.PayloadFrame
	require.NoError(t, events.Decode(data, &relayed))
	assert.Equal(t, "user-a", relayed.From)
	assert.Equal(t, events.KindFriends, relayed.DestinationKind)
	got, err := codec.DecodeEvents(&relayed)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	kind, data = recv(t, a)
	require.Equal(t, events.FrameAck, kind)
	var ack events.AckFrame
	require.NoError(t, events.Decode(data, &ack))
	assert.Equal(t, "2024-05-01T10:00:07Z", ack.LastTimestamp)
	assert.Equal(t, 3, ack.Count)
	assert.Equal(t, events.KindFriends, ack.DestinationKind)

	stats := tr.relay.Hub().Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 2, stats.Registered)
	assert.Equal(t, uint64(3), stats.EventsRelayed)
}

func TestGroupDeliveryAndCompressedPayload(t *testing.T) {
	tr := newTestRelay(t, nil)
	a := tr.dial(t)
	member := tr.dial(t)
	register(t, a, "user-a")
	register(t, member, "user-m")

	send(t, member, &events.SubscribeFrame{Kind: events.FrameSubscribe, GroupID: "raid"})
	require.Eventually(t, func() bool {
		return len(tr.relay.Hub().ActiveGroups()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	codec, err := events.NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	batch := make([]events.Event, 30)
	for i := range batch {
		batch[i] = logEvent(i)
	}
	frame, err := codec.EncodePayload(events.Group("raid"), batch)
	require.NoError(t, err)
	require.True(t, frame.Compressed)
	send(t, a, frame)

	kind, data := recv(t, member)
	require.Equal(t, events.FrameLogs, kind)
	var relayed events.PayloadFrame
	require.NoError(t, events.Decode(data, &relayed))
	assert.Equal(t, "raid", relayed.GroupID)
	got, err := codec.DecodeEvents(&relayed)
	require.NoError(t, err)
	assert.Equal(t, batch, got)

	kind, data = recv(t, a)
	require.Equal(t, events.FrameAck, kind)
	var ack events.AckFrame
	require.NoError(t, events.Decode(data, &ack))
	assert.Equal(t, "raid", ack.GroupID)
	assert.Equal(t, 30, ack.Count)
	assert.Equal(t, "2024-05-01T10:00:29Z", ack.LastTimestamp)

	send(t, member, &events.SubscribeFrame{Kind: events.FrameUnsubscribe, GroupID: "raid"})
	require.Eventually(t, func() bool {
		return len(tr.relay.Hub().ActiveGroups()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidDestinationRejected(t *testing.T) {
	tr := newTestRelay(t, nil)
	a := tr.dial(t)
	register(t, a, "user-a")

	send(t, a, &events.PayloadFrame{
		Kind:            events.FrameLogs,
		DestinationKind: events.KindGroup,
		Events:          []events.Event{logEvent(1)},
	})
	expectError(t, a, events.CodeBadFrame)
}

func TestMessageRateLimit(t *testing.T) {
	limiter, err := ratelimit.NewMessage(3, time.Minute)
	require.NoError(t, err)

	tr := newTestRelay(t, limiter)
	c := tr.dial(t)
	register(t, c, "user-a")

	// register was metered under the connection key, so the identity
	// budget of 3 is untouched.
	for i := 0; i < 3; i++ {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, events.PingFrame()))
		kind, _ := recv(t, c)
		require.Equal(t, events.FramePong, kind)
	}

	require.NoError(t, c.WriteMessage(websocket.TextMessage, events.PingFrame()))
	expectError(t, c, events.CodeRateLimited)
	assert.Equal(t, uint64(1), tr.relay.Hub().Stats().RateLimited)

	// Identity keys are never exempt, and the budget follows the identity.
	assert.False(t, limiter.Check("id:user-a"))
}
