package wtsvc

import (
	"bytes"
	"sync"

	"github.com/woelfl-tw/freerdp-server/internal/protocol/drdynvc"
)

type channelKind uint8

const (
	channelStatic channelKind = iota
	channelDynamic
)

type dvcOpenState uint8

const (
	dvcOpenNone dvcOpenState = iota
	dvcOpenSucceeded
	dvcOpenFailed
	dvcOpenClosed
)

// dataItem is the unit of work exchanged through the send and receive
// queues: an owned payload tagged with the transport channel carrying it.
type dataItem struct {
	channelID uint16
	payload   []byte
}

// Channel is a handle to one virtual channel stream. Handles are created by
// Manager.OpenChannel and stay owned by the manager; Close invalidates them.
type Channel struct {
	mgr  *Manager
	kind channelKind

	transportID uint16
	slotIndex   int // static table slot, for detach on close

	dvcID uint32

	// Reassembly state, touched only on the transport thread.
	reassembly bytes.Buffer
	pendingLen uint32

	mu           sync.Mutex
	openState    dvcOpenState
	receiveQueue []*dataItem
	receiveWake  WaitHandle
	closed       bool
}

// Read copies the next complete inbound payload into buf without blocking.
// An empty queue clears the receive wake and returns (0, nil). If buf cannot
// hold the pending payload, Read returns its size with ErrShortBuffer and
// leaves it queued. Callers wait for data by polling Fd.
func (c *Channel) Read(buf []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if len(c.receiveQueue) == 0 {
		c.receiveWake.Clear()
		c.mu.Unlock()
		return 0, nil
	}
	item := c.receiveQueue[0]
	if len(item.payload) > len(buf) {
		c.mu.Unlock()
		return len(item.payload), ErrShortBuffer
	}
	c.receiveQueue = c.receiveQueue[1:]
	if len(c.receiveQueue) == 0 {
		c.receiveWake.Clear()
	}
	c.mu.Unlock()

	return copy(buf, item.payload), nil
}

// Write queues p for transmission and returns the number of bytes consumed.
// Static channels carry the payload verbatim; dynamic channels fragment it
// into DRDYNVC data PDUs bounded by the negotiated chunk size. Write never
// blocks on the transport: items drain when the transport thread pumps.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	if c.kind == channelStatic {
		c.mgr.queueSendItem(&dataItem{
			channelID: c.transportID,
			payload:   append([]byte(nil), p...),
		})
		return len(p), nil
	}

	return c.writeDynamic(p)
}

func (c *Channel) writeDynamic(p []byte) (int, error) {
	transport, err := c.mgr.drdynvcReady()
	if err != nil {
		return 0, err
	}

	chunkSize := int(c.mgr.peer.ChunkSize())
	remaining := p
	first := true

	for len(remaining) > 0 {
		buf := drdynvc.BeginPDU(drdynvc.CmdData, c.dvcID, chunkSize)
		if first && len(remaining) > chunkSize-len(buf) {
			buf[0] = (drdynvc.CmdDataFirst << 4) | (buf[0] & 0x0F)
			buf = drdynvc.AppendLength(buf, uint32(len(remaining)))
		}
		first = false

		n := chunkSize - len(buf)
		if n > len(remaining) {
			n = len(remaining)
		}
		buf = append(buf, remaining[:n]...)
		remaining = remaining[n:]

		c.mgr.queueSendItem(&dataItem{channelID: transport.transportID, payload: buf})
	}

	return len(p), nil
}

// Ready reports whether the channel is usable. Static channels are always
// ready. A dynamic channel is not ready until the peer acknowledges the
// create request; a rejected or closed channel reports ErrChannelFailed.
func (c *Channel) Ready() (bool, error) {
	if c.kind == channelStatic {
		return true, nil
	}

	c.mu.Lock()
	st := c.openState
	c.mu.Unlock()

	switch st {
	case dvcOpenNone:
		return false, nil
	case dvcOpenSucceeded:
		return true, nil
	default:
		return false, ErrChannelFailed
	}
}

// Fd returns the receive wake descriptor, readable while inbound payloads
// are queued. Intended for a host event loop; never read from it directly.
func (c *Channel) Fd() int {
	return c.receiveWake.Fd()
}

// Close detaches the channel and releases its resources. An acknowledged
// dynamic channel sends a close request to the peer on a best-effort basis.
// Queued inbound payloads are discarded.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	st := c.openState
	c.mu.Unlock()

	if c.kind == channelStatic {
		if c.slotIndex < c.mgr.peer.NumChannels() {
			c.mgr.peer.StaticChannel(c.slotIndex).Handle = nil
		}
	} else {
		c.mgr.removeDynamic(c)
		if st == dvcOpenSucceeded {
			if transport, err := c.mgr.drdynvcReady(); err == nil {
				_, _ = transport.Write(drdynvc.EncodeClose(c.dvcID))
			}
		}
	}

	c.mu.Lock()
	c.receiveQueue = nil
	c.mu.Unlock()

	return c.receiveWake.Close()
}

func (c *Channel) queueReceive(p []byte) {
	item := &dataItem{
		channelID: c.transportID,
		payload:   append([]byte(nil), p...),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.receiveQueue = append(c.receiveQueue, item)
	c.mu.Unlock()

	c.receiveWake.Set()
}

func (c *Channel) setOpenState(st dvcOpenState) {
	c.mu.Lock()
	c.openState = st
	c.mu.Unlock()
}
