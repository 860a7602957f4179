package live

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsServer(t *testing.T, handle func(ws *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{Subprotocols: []string{"v12.stomp"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		handle(ws, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// readFrame skips heart-beats and returns the next STOMP frame.
func readFrame(t *testing.T, ws *websocket.Conn) *frame.Frame {
	t.Helper()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Errorf("read: %v", err)
			return nil
		}
		if onlyEOL(data) {
			continue
		}
		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil {
			t.Errorf("parse frame: %v", err)
			return nil
		}
		if f != nil {
			return f
		}
	}
}

func writeFrame(t *testing.T, ws *websocket.Conn, f *frame.Frame) {
	t.Helper()
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		t.Errorf("encode frame: %v", err)
		return
	}
	if err := ws.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		t.Errorf("write: %v", err)
	}
}

func TestStompChannel_RoundTrip(t *testing.T) {
	published := make(chan *frame.Frame, 1)

	srv := wsServer(t, func(ws *websocket.Conn, r *http.Request) {
		assert.Equal(t, "Bearer tkt", r.Header.Get("Authorization"))

		connect := readFrame(t, ws)
		if connect == nil {
			return
		}
		assert.Contains(t, []string{"CONNECT", "STOMP"}, connect.Command)
		assert.Equal(t, "Bearer tkt", connect.Header.Get("Authorization"))
		writeFrame(t, ws, frame.New("CONNECTED", "version", "1.2", "heart-beat", "0,0"))

		sub := readFrame(t, ws)
		if sub == nil {
			return
		}
		assert.Equal(t, "SUBSCRIBE", sub.Command)
		assert.Equal(t, QueueMessages, sub.Header.Get("destination"))

		msg := frame.New("MESSAGE",
			"destination", QueueMessages,
			"subscription", sub.Header.Get("id"),
			"message-id", "m-1",
			"content-type", "application/json",
		)
		msg.Body = []byte(`{"id":1,"content":"hi"}`)
		writeFrame(t, ws, msg)

		send := readFrame(t, ws)
		if send == nil {
			return
		}
		published <- send

		disc := readFrame(t, ws)
		if disc == nil {
			return
		}
		assert.Equal(t, "DISCONNECT", disc.Command)
		if receipt := disc.Header.Get("receipt"); receipt != "" {
			writeFrame(t, ws, frame.New("RECEIPT", "receipt-id", receipt))
		}
	})

	d, err := NewDialer(wsURL(srv), Options{Heartbeat: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := d.Dial(ctx, "tkt")
	require.NoError(t, err)

	frames, err := ch.Subscribe(QueueMessages)
	require.NoError(t, err)

	select {
	case f := <-frames:
		assert.Equal(t, QueueMessages, f.Destination)
		assert.JSONEq(t, `{"id":1,"content":"hi"}`, string(f.Body))
	case <-ctx.Done():
		t.Fatalf("no pushed frame")
	}

	require.NoError(t, ch.Publish(ctx, SendDestination("bob"), map[string]string{HeaderCorrelationID: "c-1"}, []byte(`{"content":"yo"}`)))

	select {
	case f := <-published:
		assert.Equal(t, "SEND", f.Command)
		assert.Equal(t, "/app/chat.send/bob", f.Header.Get("destination"))
		assert.Equal(t, "c-1", f.Header.Get(HeaderCorrelationID))
		assert.JSONEq(t, `{"content":"yo"}`, string(f.Body))
	case <-ctx.Done():
		t.Fatalf("server never saw SEND")
	}

	_ = ch.Close()
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done not closed after Close")
	}
	assert.ErrorIs(t, ch.Err(), ErrClosed)
}

func TestStompChannel_DoneOnServerDrop(t *testing.T) {
	srv := wsServer(t, func(ws *websocket.Conn, r *http.Request) {
		if readFrame(t, ws) == nil {
			return
		}
		writeFrame(t, ws, frame.New("CONNECTED", "version", "1.2", "heart-beat", "0,0"))
		// wait for the subscription, then drop without a DISCONNECT handshake
		_ = readFrame(t, ws)
	})

	d, err := NewDialer(wsURL(srv), Options{})
	require.NoError(t, err)
	ch, err := d.Dial(context.Background(), "tkt")
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Subscribe(QueueAck)
	require.NoError(t, err)

	select {
	case <-ch.Done():
		assert.Error(t, ch.Err())
		assert.NotErrorIs(t, ch.Err(), ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatalf("dropped connection not detected")
	}
}

func TestWSConn_FramesWholeStompFrames(t *testing.T) {
	got := make(chan string, 4)
	srv := wsServer(t, func(ws *websocket.Conn, r *http.Request) {
		for i := 0; i < 2; i++ {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			got <- string(data)
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte("MESSAGE\n\nab"))
		_ = ws.WriteMessage(websocket.TextMessage, []byte("c\x00"))
	})

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	c := newWSConn(ws, nil)
	defer c.Close()

	// a frame split across writes goes out as one message
	_, err = c.Write([]byte("SEND\ndestination:/x\n\nhel"))
	require.NoError(t, err)
	_, err = c.Write([]byte("lo\x00"))
	require.NoError(t, err)
	_, err = c.Write([]byte("\n"))
	require.NoError(t, err)

	assert.Equal(t, "SEND\ndestination:/x\n\nhello\x00", <-got)
	assert.Equal(t, "\n", <-got)

	// reads stitch consecutive messages into one stream
	buf := make([]byte, 0, 32)
	tmp := make([]byte, 4)
	for !bytes.Contains(buf, []byte{0}) {
		n, err := c.Read(tmp)
		require.NoError(t, err)
		buf = append(buf, tmp[:n]...)
	}
	assert.Equal(t, "MESSAGE\n\nabc\x00", string(buf))
}
