package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// how long Close waits for the server to acknowledge the close frame
const closeHandshakeWait = time.Second

// Callback interface for handling incoming WebSocket messages
type WebSocketCallback interface {
	OnMessage(message []byte)
}

// WebSocketConnection is a read only progress channel. Messages are handed
// to Callback from a single reader goroutine.
type WebSocketConnection struct {
	WebSocketURL string
	Conn         *websocket.Conn
	Callback     WebSocketCallback
	Dialer       websocket.Dialer

	done    chan struct{}
	closing atomic.Bool
}

// OpenProgressChannel connects to the client's websocket endpoint
func (c *ComfyClient) OpenProgressChannel(ctx context.Context, callback WebSocketCallback) (*WebSocketConnection, error) {
	w := &WebSocketConnection{
		WebSocketURL: c.websocketURL(),
		Callback:     callback,
		Dialer:       *websocket.DefaultDialer,
	}
	if err := w.Connect(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Connect dials the websocket and starts the reader goroutine
func (w *WebSocketConnection) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, _, err := w.Dialer.DialContext(ctx, w.WebSocketURL, nil)
	if err != nil {
		slog.Error("Failed to connect: ", "error", err)
		return err
	}

	w.Conn = conn
	w.done = make(chan struct{})
	go w.handleMessages()
	return nil
}

// Done is closed when the reader goroutine exits
func (w *WebSocketConnection) Done() <-chan struct{} {
	return w.done
}

// Handle incoming WebSocket messages
func (w *WebSocketConnection) handleMessages() {
	defer close(w.done)
	for {
		_, message, err := w.Conn.ReadMessage()
		if err != nil {
			if w.closing.Load() || IsTeardownError(err) {
				slog.Debug("progress channel closed", "error", err)
			} else {
				slog.Warn("progress channel read error", "error", err)
			}
			return
		}
		if w.Callback != nil {
			w.Callback.OnMessage(message)
		}
	}
}

// Close performs a graceful close handshake and releases the connection.
// Errors caused by the peer going away during teardown are not reported.
func (w *WebSocketConnection) Close() error {
	if w.Conn == nil || !w.closing.CompareAndSwap(false, true) {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := w.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeHandshakeWait))

	select {
	case <-w.done:
	case <-time.After(closeHandshakeWait):
	}

	cerr := w.Conn.Close()
	<-w.done

	if werr != nil && !IsTeardownError(werr) {
		return werr
	}
	if cerr != nil && !IsTeardownError(cerr) {
		return cerr
	}
	return nil
}

// IsTeardownError reports errors that are expected while a connection is
// being shut down from either side
func IsTeardownError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
