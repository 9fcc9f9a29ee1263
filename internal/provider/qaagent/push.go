package qaagent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lei/simple-qa/internal/provider"
)

const closeWriteWait = time.Second

// pushChannel is a single WebSocket connection to /ws/{job_id}
type pushChannel struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// dialPush opens one WebSocket. There is no retry here.
func dialPush(ctx context.Context, dialer *websocket.Dialer, wsURL string, header http.Header) (*pushChannel, error) {
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode >= 400 {
				return nil, &provider.BackendError{
					Code:   resp.StatusCode,
					Detail: fmt.Sprintf("push handshake rejected with status %d", resp.StatusCode),
				}
			}
		}
		return nil, &provider.TransportError{Op: "dial " + wsURL, Err: err}
	}
	return &pushChannel{conn: conn}, nil
}

// ReadMessage implements provider.PushChannel
func (p *pushChannel) ReadMessage(ctx context.Context) ([]byte, error) {
	// Unblock the read when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = p.Close() })
	defer stop()

	_, data, err := p.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &provider.TransportError{Op: "read push message", Err: err}
	}
	return data, nil
}

// Close implements provider.PushChannel
func (p *pushChannel) Close() error {
	p.closeOnce.Do(func() {
		// The peer may already be gone; the close frame is best effort.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}
