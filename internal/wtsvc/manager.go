package wtsvc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/woelfl-tw/freerdp-server/internal/logging"
	"github.com/woelfl-tw/freerdp-server/internal/protocol/drdynvc"
)

var (
	vcLog  = logging.Component("wtsvc")
	dvcLog = logging.Component("drdynvc")
)

type drdynvcState uint8

const (
	drdynvcStateNone drdynvcState = iota
	drdynvcStateInitialized
	drdynvcStateReady
)

// Manager is the per-peer virtual channel registry. It owns the shared send
// queue drained by the transport thread, the table of open dynamic channels,
// and the drdynvc handshake state. Any number of caller threads may open,
// read, write, and close channels concurrently with the transport thread.
type Manager struct {
	peer Peer

	mu          sync.Mutex
	sendQueue   []*dataItem
	dvcChannels []*Channel
	dvcIDSeq    uint32
	state       drdynvcState
	drdynvc     *Channel

	sendWake WaitHandle
}

// NewManager creates the channel manager for a connected peer and installs
// its dispatcher as the peer's channel data receiver.
func NewManager(peer Peer) (*Manager, error) {
	wake, err := newWaitHandle()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		peer:     peer,
		dvcIDSeq: 1,
		sendWake: wake,
	}
	peer.SetChannelDataReceiver(m.receiveChannelData)

	return m, nil
}

// OpenChannel returns a handle to the named virtual channel. Without
// OpenDynamic the name must match a joined static channel; reopening a
// static channel returns the existing handle. With OpenDynamic a create
// request is sent to the peer and the handle starts out not ready; poll
// Ready after the channel's wake fd signals.
func (m *Manager) OpenChannel(name string, flags OpenFlag) (*Channel, error) {
	if flags&OpenDynamic != 0 {
		return m.openDynamic(name)
	}
	return m.openStatic(name)
}

func (m *Manager) openStatic(name string) (*Channel, error) {
	if len(name) > 8 {
		return nil, ErrNameTooLong
	}

	for i := 0; i < m.peer.NumChannels(); i++ {
		slot := m.peer.StaticChannel(i)
		// Prefix match: slot names are padded to 8 bytes on the wire.
		if !slot.Joined || !strings.HasPrefix(slot.Name, name) {
			continue
		}
		if slot.Handle != nil {
			return slot.Handle, nil
		}

		wake, err := newWaitHandle()
		if err != nil {
			return nil, err
		}
		ch := &Channel{
			mgr:         m,
			kind:        channelStatic,
			transportID: slot.ChannelID,
			slotIndex:   i,
			receiveWake: wake,
		}
		slot.Handle = ch

		return ch, nil
	}

	return nil, ErrChannelNotFound
}

func (m *Manager) openDynamic(name string) (*Channel, error) {
	transport, err := m.drdynvcReady()
	if err != nil {
		return nil, err
	}

	wake, err := newWaitHandle()
	if err != nil {
		return nil, err
	}
	ch := &Channel{
		mgr:         m,
		kind:        channelDynamic,
		transportID: transport.transportID,
		receiveWake: wake,
	}

	m.mu.Lock()
	ch.dvcID = m.dvcIDSeq
	m.dvcIDSeq++
	m.dvcChannels = append(m.dvcChannels, ch)
	total := len(m.dvcChannels)
	m.mu.Unlock()

	if _, err := transport.Write(drdynvc.EncodeCreateRequest(ch.dvcID, name)); err != nil {
		m.removeDynamic(ch)
		_ = ch.receiveWake.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}

	dvcLog.Debug("channel %d.%s pending (total %d)", ch.dvcID, name, total)

	return ch, nil
}

// CheckFileDescriptor is the transport-thread pump: on the first call after
// peer activation it opens the drdynvc channel and announces capabilities,
// then it drains the send queue into the peer. On a transport failure the
// pump stops: the item whose send failed is dropped and the items behind it
// stay queued for a later call.
func (m *Manager) CheckFileDescriptor() error {
	m.bootstrapDrdynvc()

	m.sendWake.Clear()

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.sendQueue) > 0 {
		item := m.sendQueue[0]
		m.sendQueue = m.sendQueue[1:]
		if err := m.peer.SendChannelData(item.channelID, item.payload); err != nil {
			return fmt.Errorf("send channel data: %w", err)
		}
	}

	return nil
}

// bootstrapDrdynvc initializes the drdynvc channel once and only once.
func (m *Manager) bootstrapDrdynvc() {
	m.mu.Lock()
	if m.state != drdynvcStateNone || !m.peer.Activated() {
		m.mu.Unlock()
		return
	}
	m.state = drdynvcStateInitialized
	m.mu.Unlock()

	ch, err := m.openStatic(drdynvc.ChannelName)
	if err != nil {
		dvcLog.Warn("channel unavailable: %v", err)
		return
	}

	m.mu.Lock()
	m.drdynvc = ch
	m.mu.Unlock()

	_, _ = ch.Write(drdynvc.EncodeCaps(drdynvc.CapsVersion1))
}

// FileDescriptors returns the descriptors a host event loop should poll:
// the send wake and, once the drdynvc channel exists, its receive wake.
func (m *Manager) FileDescriptors() []int {
	fds := []int{m.sendWake.Fd()}

	m.mu.Lock()
	if m.drdynvc != nil {
		fds = append(fds, m.drdynvc.Fd())
	}
	m.mu.Unlock()

	return fds
}

// Close tears the manager down: every dynamic channel is closed (queueing a
// close request for each acknowledged one), then the drdynvc channel, then
// the send queue is discarded unsent, close requests included, and the send
// wake released.
func (m *Manager) Close() error {
	m.mu.Lock()
	dvcs := append([]*Channel(nil), m.dvcChannels...)
	m.mu.Unlock()
	for _, ch := range dvcs {
		_ = ch.Close()
	}

	m.mu.Lock()
	transport := m.drdynvc
	m.drdynvc = nil
	m.mu.Unlock()
	if transport != nil {
		_ = transport.Close()
	}

	m.mu.Lock()
	m.sendQueue = nil
	m.mu.Unlock()

	return m.sendWake.Close()
}

func (m *Manager) queueSendItem(item *dataItem) {
	m.mu.Lock()
	m.sendQueue = append(m.sendQueue, item)
	m.mu.Unlock()

	m.sendWake.Set()
}

// drdynvcReady returns the drdynvc channel once the capability handshake
// has completed.
func (m *Manager) drdynvcReady() (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drdynvc == nil || m.state != drdynvcStateReady {
		return nil, ErrNotReady
	}
	return m.drdynvc, nil
}

func (m *Manager) removeDynamic(c *Channel) {
	m.mu.Lock()
	for i, ch := range m.dvcChannels {
		if ch == c {
			m.dvcChannels = append(m.dvcChannels[:i], m.dvcChannels[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

func (m *Manager) dynamicByID(id uint32) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.dvcChannels {
		if ch.dvcID == id {
			return ch
		}
	}
	return nil
}
