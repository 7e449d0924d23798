package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/models"
)

// fakeConn scripts a WebSocket connection: frames pushed into in are
// read by the manager, frames the manager writes land on out.
type fakeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) serverSend(t *testing.T, frameType string, payload interface{}) {
	t.Helper()
	frame, err := makeFrame(frameType, payload)
	require.NoError(t, err)
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) written(t *testing.T) Frame {
	t.Helper()
	select {
	case data := <-c.out:
		var frame Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame written")
		return Frame{}
	}
}

func testOptions(dialer Dialer) Options {
	return Options{
		URL:                  "wss://chat.test/ws",
		AckTimeout:           100 * time.Millisecond,
		HeartbeatInterval:    time.Hour,
		HeartbeatTimeout:     2 * time.Hour,
		BackoffBase:          time.Millisecond,
		BackoffMax:           4 * time.Millisecond,
		MaxReconnectAttempts: 3,
		Dialer:               dialer,
	}
}

func connectedManager(t *testing.T) (*Manager, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	m := NewManager(testOptions(func(ctx context.Context, url string, header http.Header) (wsConn, *http.Response, error) {
		return conn, nil, nil
	}))
	t.Cleanup(func() { m.Close() })
	require.NoError(t, m.Connect(context.Background(), "token"))
	require.True(t, m.Connected())
	return m, conn
}

func TestSendMessageResolvesWithAck(t *testing.T) {
	m, conn := connectedManager(t)

	go func() {
		frame := conn.written(t)
		var p MessagePayload
		if json.Unmarshal(frame.Payload, &p) != nil {
			return
		}
		conn.serverSend(t, FrameAck, AckPayload{
			ClientMessageID: p.ClientMessageID,
			MessageID:       "srv-1",
			SentAt:          time.Unix(1700000000, 0),
		})
	}()

	ack, err := m.SendMessage(context.Background(), MessagePayload{
		ConversationID:  "c1",
		Content:         "hi",
		ContentType:     models.ContentText,
		ClientMessageID: "local-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", ack.MessageID)
	assert.Equal(t, time.Unix(1700000000, 0), ack.SentAt)
}

func TestSendMessageTimesOutWithoutAck(t *testing.T) {
	m, _ := connectedManager(t)

	_, err := m.SendMessage(context.Background(), MessagePayload{
		ConversationID:  "c1",
		Content:         "hi",
		ClientMessageID: "local-1",
	})
	assert.ErrorIs(t, err, ErrAckTimeout)
}

func TestSendMessageRejectedByServer(t *testing.T) {
	m, conn := connectedManager(t)

	go func() {
		frame := conn.written(t)
		var p MessagePayload
		if json.Unmarshal(frame.Payload, &p) != nil {
			return
		}
		conn.serverSend(t, FrameAck, AckPayload{ClientMessageID: p.ClientMessageID, Error: "content too long"})
	}()

	_, err := m.SendMessage(context.Background(), MessagePayload{ConversationID: "c1", ClientMessageID: "local-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content too long")
}

func TestSendWithoutConnection(t *testing.T) {
	m := NewManager(testOptions(func(ctx context.Context, url string, header http.Header) (wsConn, *http.Response, error) {
		return nil, nil, errors.New("unreachable")
	}))
	t.Cleanup(func() { m.Close() })

	_, err := m.SendMessage(context.Background(), MessagePayload{ConversationID: "c1", ClientMessageID: "local-1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAuthRejectionIsFatalAndNotRetried(t *testing.T) {
	var dials atomic.Int32
	m := NewManager(testOptions(func(ctx context.Context, url string, header http.Header) (wsConn, *http.Response, error) {
		dials.Add(1)
		return nil, &http.Response{StatusCode: http.StatusUnauthorized, Status: "401 Unauthorized"}, errors.New("bad handshake")
	}))
	t.Cleanup(func() { m.Close() })

	err := m.Connect(context.Background(), "expired-token")
	assert.ErrorIs(t, err, ErrAuthFailed)

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, dials.Load(), "auth failures are not retried")
}

func TestReconnectStopsAtAttemptCap(t *testing.T) {
	var dials atomic.Int32
	m := NewManager(testOptions(func(ctx context.Context, url string, header http.Header) (wsConn, *http.Response, error) {
		dials.Add(1)
		return nil, nil, errors.New("unreachable")
	}))
	t.Cleanup(func() { m.Close() })

	// Transient failure: Connect does not surface the error.
	require.NoError(t, m.Connect(context.Background(), "token"))

	select {
	case err := <-m.Fatal():
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error after exhausting reconnect attempts")
	}

	// Initial dial plus exactly MaxReconnectAttempts retries.
	assert.EqualValues(t, 4, dials.Load())
}

func TestReconnectAfterReadFailure(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	var dials atomic.Int32
	m := NewManager(testOptions(func(ctx context.Context, url string, header http.Header) (wsConn, *http.Response, error) {
		if dials.Add(1) == 1 {
			return first, nil, nil
		}
		return second, nil, nil
	}))
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.Connect(context.Background(), "token"))
	<-m.ConnectedSignal()

	first.Close()

	select {
	case <-m.ConnectedSignal():
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not reconnect")
	}
	assert.True(t, m.Connected())
	assert.EqualValues(t, 2, dials.Load())
}

func TestNextBackoffDoublesUpToMax(t *testing.T) {
	base := 2 * time.Second
	max := 20 * time.Second

	var delays []time.Duration
	d := base
	for i := 0; i < 6; i++ {
		delays = append(delays, d)
		d = nextBackoff(d, max)
	}

	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 20 * time.Second, 20 * time.Second,
	}, delays)

	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1], "delays never shrink")
	}
}

func TestInboundEventsPreserveArrivalOrder(t *testing.T) {
	m, conn := connectedManager(t)

	conn.serverSend(t, FrameMessage, InboundMessagePayload{MessageID: "m1", ConversationID: "c1", Content: "first"})
	conn.serverSend(t, FrameStatus, StatusPayload{MessageID: "m1", Status: models.MessageRead})
	conn.serverSend(t, FrameMessage, InboundMessagePayload{MessageID: "m2", ConversationID: "c1", Content: "second"})

	ev1 := <-m.Events()
	ev2 := <-m.Events()
	ev3 := <-m.Events()

	require.Equal(t, FrameMessage, ev1.Type)
	assert.Equal(t, "m1", ev1.Message.MessageID)
	require.Equal(t, FrameStatus, ev2.Type)
	assert.Equal(t, models.MessageRead, ev2.Status.Status)
	require.Equal(t, FrameMessage, ev3.Type)
	assert.Equal(t, "m2", ev3.Message.MessageID)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	m, conn := connectedManager(t)

	conn.in <- []byte("{not json")
	conn.serverSend(t, "unknown-type", map[string]string{"x": "y"})
	conn.serverSend(t, FrameMessage, InboundMessagePayload{MessageID: "m1", ConversationID: "c1"})

	ev := <-m.Events()
	assert.Equal(t, "m1", ev.Message.MessageID)
	assert.True(t, m.Connected(), "protocol errors must not affect connection state")
}

func TestServerPingIsAnswered(t *testing.T) {
	m, conn := connectedManager(t)
	defer m.Close()

	conn.serverSend(t, FramePing, nil)
	frame := conn.written(t)
	assert.Equal(t, FramePong, frame.Type)
}
