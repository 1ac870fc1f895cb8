// Package wtsvc multiplexes application data between an RDP peer and named
// virtual channels, both static channels negotiated at connection time and
// dynamic channels opened over the drdynvc transport (MS-RDPEDYC).
package wtsvc

// OpenFlag selects the channel class for OpenChannel.
type OpenFlag uint32

// OpenDynamic requests a dynamic virtual channel instead of a static one.
const OpenDynamic OpenFlag = 0x00000001

// Channel chunk flags (MS-RDPBCGR 2.2.6.1)
const (
	ChannelFlagFirst uint32 = 0x00000001
	ChannelFlagLast  uint32 = 0x00000002
)

// StaticChannelSlot is one entry of the peer's negotiated static channel
// table. Handle is owned by the channel manager: set on open, cleared on
// close.
type StaticChannelSlot struct {
	Name      string // at most 8 bytes, as negotiated on the wire
	ChannelID uint16
	Joined    bool
	Handle    *Channel
}

// ChannelDataReceiver consumes one transport-level chunk of channel data.
// flags carries the FIRST/LAST fragmentation markers and totalSize the
// reassembled length announced by the transport. It reports whether the
// chunk was routed to a channel.
type ChannelDataReceiver func(channelID uint16, data []byte, flags uint32, totalSize int) bool

// Peer is the surface of the RDP connection layer the channel subsystem
// consumes. The connection layer owns the transport and the negotiated
// static channel table; the manager installs its dispatcher through
// SetChannelDataReceiver at construction time.
type Peer interface {
	// Activated reports whether the connection sequence has finished.
	Activated() bool
	// ChunkSize returns the negotiated maximum virtual channel chunk size.
	ChunkSize() uint32
	// NumChannels returns the size of the static channel table.
	NumChannels() int
	// StaticChannel returns the i-th static channel table slot.
	StaticChannel(i int) *StaticChannelSlot
	// SendChannelData hands one framed chunk to the RDP transport.
	SendChannelData(channelID uint16, p []byte) error
	// SetChannelDataReceiver installs the inbound chunk dispatcher.
	SetChannelDataReceiver(fn ChannelDataReceiver)
}
