// Package handler implements the HTTP surface of the channel server,
// bridging WebSocket clients to virtual channels of a connected peer.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sys/unix"

	"github.com/woelfl-tw/freerdp-server/internal/logging"
	"github.com/woelfl-tw/freerdp-server/internal/wtsvc"
)

const (
	webSocketReadBufferSize  = 8192
	webSocketWriteBufferSize = 8192 * 2

	// Milliseconds between wake polls, bounding shutdown latency.
	wakePollTimeout = 100

	readBufferStartSize = 64 * 1024
)

var wsLog = logging.Component("gateway")

// ChannelGateway exposes the virtual channels of one peer over WebSocket.
// Each connection binds to a single channel selected by the "name" query
// parameter; "dynamic=true" opens a dynamic channel instead of a static one.
type ChannelGateway struct {
	manager        *wtsvc.Manager
	allowedOrigins []string
}

// NewChannelGateway creates a gateway over the given channel manager. An
// empty origin list accepts any origin.
func NewChannelGateway(m *wtsvc.Manager, allowedOrigins []string) *ChannelGateway {
	return &ChannelGateway{
		manager:        m,
		allowedOrigins: allowedOrigins,
	}
}

func (g *ChannelGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing channel name", http.StatusBadRequest)
		return
	}

	var flags wtsvc.OpenFlag
	if r.URL.Query().Get("dynamic") == "true" {
		flags |= wtsvc.OpenDynamic
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  webSocketReadBufferSize,
		WriteBufferSize: webSocketWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return g.isAllowedOrigin(r.Header.Get("Origin"))
		},
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsLog.Error("upgrade websocket: %v", err)
		return
	}
	defer func() {
		if err := wsConn.Close(); err != nil {
			wsLog.Debug("closing websocket: %v", err)
		}
	}()

	ch, err := g.manager.OpenChannel(name, flags)
	if err != nil {
		wsLog.Warn("open channel %q: %v", name, err)
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			closeDeadline())
		return
	}
	defer func() {
		if err := ch.Close(); err != nil {
			wsLog.Debug("closing channel %q: %v", name, err)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go wsToChannel(ctx, wsConn, ch, cancel)
	channelToWs(ctx, ch, wsConn)
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

func (g *ChannelGateway) isAllowedOrigin(origin string) bool {
	if len(g.allowedOrigins) == 0 {
		return true
	}
	if origin == "" {
		return false
	}
	for _, allowed := range g.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// wsToChannel pumps inbound WebSocket binary messages into the channel.
func wsToChannel(ctx context.Context, wsConn *websocket.Conn, ch *wtsvc.Channel, cancel context.CancelFunc) {
	defer cancel()

	for {
		msgType, data, err := wsConn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wsLog.Debug("websocket read: %v", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if _, err := ch.Write(data); err != nil {
			wsLog.Warn("channel write: %v", err)
			return
		}
	}
}

// channelToWs drains complete channel payloads into WebSocket binary
// messages, waiting on the channel's wake descriptor between reads.
func channelToWs(ctx context.Context, ch *wtsvc.Channel, wsConn *websocket.Conn) {
	buf := make([]byte, readBufferStartSize)
	fds := []unix.PollFd{{Fd: int32(ch.Fd()), Events: unix.POLLIN}}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fds[0].Revents = 0
		if _, err := unix.Poll(fds, wakePollTimeout); err != nil && err != unix.EINTR {
			wsLog.Debug("wake poll: %v", err)
			return
		}

		for {
			n, err := ch.Read(buf)
			if errors.Is(err, wtsvc.ErrShortBuffer) {
				buf = make([]byte, n)
				continue
			}
			if err != nil {
				return
			}
			if n == 0 {
				break
			}

			if err := wsConn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				wsLog.Debug("websocket write: %v", err)
				return
			}
		}
	}
}
