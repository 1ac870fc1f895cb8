package wtsvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDispatch_UnknownTransportChannel(t *testing.T) {
	m, peer := newReadyManager(t)
	_ = m

	assert.False(t, peer.deliver(4242, []byte{0x01}))
}

func TestDispatch_SlotWithoutHandle(t *testing.T) {
	m, peer := newReadyManager(t)
	_ = m

	// "echo" was negotiated but never opened.
	assert.False(t, peer.deliver(testEchoID, []byte{0x01}))
}

func TestDispatch_StaticRoundTrip(t *testing.T) {
	m, peer := newReadyManager(t)

	ch, err := m.OpenChannel("echo", 0)
	require.NoError(t, err)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	// Two transport chunks of 50 bytes each.
	require.True(t, peer.receiver(testEchoID, payload[:50], ChannelFlagFirst, 100))
	assert.False(t, ch.receiveWake.IsSet())
	require.True(t, peer.receiver(testEchoID, payload[50:], ChannelFlagLast, 100))
	assert.True(t, ch.receiveWake.IsSet())

	buf := make([]byte, 128)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, payload, buf[:100])
}

func TestDispatch_TotalSizeMismatchStillDelivers(t *testing.T) {
	m, peer := newReadyManager(t)

	ch, err := m.OpenChannel("echo", 0)
	require.NoError(t, err)

	// Announced size disagrees; logged and delivered anyway.
	require.True(t, peer.receiver(testEchoID, []byte{0x01, 0x02}, ChannelFlagFirst|ChannelFlagLast, 5))

	buf := make([]byte, 8)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDispatch_FirstResetsPartialReassembly(t *testing.T) {
	m, peer := newReadyManager(t)

	ch, err := m.OpenChannel("echo", 0)
	require.NoError(t, err)

	// A stray unterminated fragment is discarded by the next FIRST.
	require.True(t, peer.receiver(testEchoID, []byte{0xEE, 0xEE}, ChannelFlagFirst, 4))
	require.True(t, peer.receiver(testEchoID, []byte{0x0A, 0x0B}, ChannelFlagFirst|ChannelFlagLast, 2))

	buf := make([]byte, 8)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0x0A, 0x0B}, buf[:2])
}

func TestDispatch_ChunkSequencesReassemble(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		peer := newFakePeer()
		m, err := NewManager(peer)
		if err != nil {
			t.Fatalf("new manager: %v", err)
		}
		defer m.Close()

		ch, err := m.OpenChannel("echo", 0)
		if err != nil {
			t.Fatalf("open: %v", err)
		}

		size := rapid.IntRange(1, 300).Draw(t, "size")
		payload := rapid.SliceOfN(rapid.Byte(), size, size).Draw(t, "payload")

		// Split the payload at random points into FIRST/.../LAST chunks.
		offset := 0
		first := true
		for offset < len(payload) {
			n := rapid.IntRange(1, len(payload)-offset).Draw(t, "chunkLen")
			var flags uint32
			if first {
				flags |= ChannelFlagFirst
				first = false
			}
			if offset+n == len(payload) {
				flags |= ChannelFlagLast
			}
			if !peer.receiver(testEchoID, payload[offset:offset+n], flags, len(payload)) {
				t.Fatalf("chunk not routed")
			}
			offset += n
		}

		buf := make([]byte, len(payload))
		got, err := ch.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != len(payload) || string(buf[:got]) != string(payload) {
			t.Fatalf("delivered %d bytes, want %d", got, len(payload))
		}

		// Exactly one item per logical message.
		if n, err := ch.Read(buf); err != nil || n != 0 {
			t.Fatalf("unexpected second payload: %d bytes, err %v", n, err)
		}
	})
}

func TestDrdynvc_FragmentedInbound(t *testing.T) {
	m, peer := newReadyManager(t)

	ch := openDynamicAt(t, m, peer, 2)
	// The create response raised the wake; start from a cleared one.
	ch.receiveWake.Clear()

	// DATA_FIRST announcing 16 bytes, then one DATA completing them.
	require.True(t, peer.deliver(testDrdynvcID, []byte{0x24, 0x02, 0x10, 0x00}))
	assert.False(t, ch.receiveWake.IsSet())

	data := append([]byte{0x34, 0x02},
		0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
		0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F)
	require.True(t, peer.deliver(testDrdynvcID, data))
	assert.True(t, ch.receiveWake.IsSet())

	buf := make([]byte, 32)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	for i := 0; i < 16; i++ {
		assert.Equal(t, byte(i), buf[i])
	}
}

func TestDrdynvc_MultiFragmentInbound(t *testing.T) {
	m, peer := newReadyManager(t)

	ch := openDynamicAt(t, m, peer, 1)

	require.True(t, peer.deliver(testDrdynvcID, []byte{0x20, 0x01, 0x06, 0x11, 0x22}))
	require.True(t, peer.deliver(testDrdynvcID, []byte{0x34, 0x01, 0x33, 0x44}))
	require.True(t, peer.deliver(testDrdynvcID, []byte{0x34, 0x01, 0x55, 0x66}))

	buf := make([]byte, 16)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}, buf[:6])
}

func TestDrdynvc_UnfragmentedData(t *testing.T) {
	m, peer := newReadyManager(t)

	ch := openDynamicAt(t, m, peer, 1)

	require.True(t, peer.deliver(testDrdynvcID, []byte{0x34, 0x01, 0xCA, 0xFE}))

	buf := make([]byte, 8)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0xCA, 0xFE}, buf[:2])
}

func TestDrdynvc_OverlongFirstFragmentDropped(t *testing.T) {
	m, peer := newReadyManager(t)

	ch := openDynamicAt(t, m, peer, 1)

	// Fragment of 4 bytes against a declared total of 2.
	require.True(t, peer.deliver(testDrdynvcID, []byte{0x20, 0x01, 0x02, 0xAA, 0xBB, 0xCC, 0xDD}))
	assert.Zero(t, ch.pendingLen)

	buf := make([]byte, 8)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrdynvc_FragmentOverflowResetsReassembly(t *testing.T) {
	m, peer := newReadyManager(t)

	ch := openDynamicAt(t, m, peer, 1)

	require.True(t, peer.deliver(testDrdynvcID, []byte{0x20, 0x01, 0x04, 0x11, 0x22}))
	// 3 more bytes overflow the declared total of 4.
	require.True(t, peer.deliver(testDrdynvcID, []byte{0x34, 0x01, 0x33, 0x44, 0x55}))

	assert.Zero(t, ch.pendingLen)

	// The next unfragmented payload goes through untouched.
	require.True(t, peer.deliver(testDrdynvcID, []byte{0x34, 0x01, 0x99}))
	buf := make([]byte, 8)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(0x99), buf[0])
}

func TestDrdynvc_CommandBeforeReadyDropped(t *testing.T) {
	peer := newFakePeer()
	m, err := NewManager(peer)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.CheckFileDescriptor())

	// A create response before the capability exchange is ignored.
	require.True(t, peer.deliver(testDrdynvcID, []byte{0x10, 0x01, 0x00, 0x00, 0x00, 0x00}))

	m.mu.Lock()
	st := m.state
	m.mu.Unlock()
	assert.Equal(t, drdynvcStateInitialized, st)
}

func TestDrdynvc_UnknownChannelDropped(t *testing.T) {
	m, peer := newReadyManager(t)
	_ = m

	// No channel with id 9 exists; dropped without side effects.
	require.True(t, peer.deliver(testDrdynvcID, []byte{0x34, 0x09, 0x01}))
}

func TestDrdynvc_MalformedPDUDropped(t *testing.T) {
	m, peer := newReadyManager(t)

	ch := openDynamicAt(t, m, peer, 1)

	// Truncated and unknown PDUs leave the channel undisturbed.
	require.True(t, peer.deliver(testDrdynvcID, []byte{0x31}))
	require.True(t, peer.deliver(testDrdynvcID, []byte{0xF0, 0x01}))

	require.True(t, peer.deliver(testDrdynvcID, []byte{0x34, 0x01, 0x07}))
	buf := make([]byte, 8)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(0x07), buf[0])
}

func TestDrdynvc_CloseResponse(t *testing.T) {
	m, peer := newReadyManager(t)

	ch := openDynamicAt(t, m, peer, 1)

	require.True(t, peer.deliver(testDrdynvcID, []byte{0x40, 0x01}))

	ready, err := ch.Ready()
	assert.False(t, ready)
	assert.ErrorIs(t, err, ErrChannelFailed)
}
