package live

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn presents a WebSocket as the byte stream a STOMP client expects.
// Outgoing bytes are buffered until a whole frame (NUL terminated) or a
// heart-beat (bare EOLs) is available, then sent as one text message.
type wsConn struct {
	ws *websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu sync.Mutex
	buf []byte

	closeOnce sync.Once
	onError   func(error)
}

func newWSConn(ws *websocket.Conn, onError func(error)) *wsConn {
	return &wsConn{ws: ws, onError: onError}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.r == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				c.report(err)
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			c.report(err)
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.buf = append(c.buf, p...)
	for {
		i := bytes.IndexByte(c.buf, 0)
		if i < 0 {
			break
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, c.buf[:i+1]); err != nil {
			c.report(err)
			return 0, err
		}
		c.buf = c.buf[i+1:]
	}
	if len(c.buf) > 0 && onlyEOL(c.buf) {
		if err := c.ws.WriteMessage(websocket.TextMessage, c.buf); err != nil {
			c.report(err)
			return 0, err
		}
		c.buf = c.buf[:0]
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) report(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func onlyEOL(b []byte) bool {
	for _, x := range b {
		if x != '\n' && x != '\r' {
			return false
		}
	}
	return true
}
