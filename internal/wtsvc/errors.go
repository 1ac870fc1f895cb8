package wtsvc

import "errors"

var (
	// ErrShortBuffer indicates the caller's read buffer cannot hold the
	// pending payload; the payload stays queued.
	ErrShortBuffer = errors.New("read buffer too small")
	// ErrNotReady indicates the drdynvc transport has not completed its
	// capability handshake.
	ErrNotReady = errors.New("dynamic channel transport not ready")
	// ErrNameTooLong indicates a static channel name above 8 bytes.
	ErrNameTooLong = errors.New("static channel name too long")
	// ErrChannelNotFound indicates no joined static channel matches the name.
	ErrChannelNotFound = errors.New("static channel not negotiated")
	// ErrChannelFailed indicates the peer rejected or already closed a
	// dynamic channel.
	ErrChannelFailed = errors.New("dynamic channel open failed")
	// ErrClosed indicates an operation on a closed channel handle.
	ErrClosed = errors.New("channel closed")
)
