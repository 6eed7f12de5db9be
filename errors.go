package kcp

import "github.com/pkg/errors"

// Sentinel errors returned by the ARQ engine. They mirror the small
// negative integers of the language-neutral interface this package
// implements, but are ordinary Go errors so callers can use errors.Is.
var (
	// ErrNoData is returned by Recv when rcv_queue is empty.
	ErrNoData = errors.New("kcp: no data available")

	// ErrFragmentIncomplete is returned by Recv when the head message's
	// later fragments have not all arrived yet.
	ErrFragmentIncomplete = errors.New("kcp: message fragments incomplete")

	// ErrShortBuffer is returned by Recv when the caller's buffer is
	// smaller than the next complete message.
	ErrShortBuffer = errors.New("kcp: caller buffer too small for message")

	// ErrEmptySend is returned by Send when given a zero-length buffer.
	ErrEmptySend = errors.New("kcp: send of empty buffer")

	// ErrTooManyFragments is returned by Send when message-mode
	// segmentation would need more than 255 fragments.
	ErrTooManyFragments = errors.New("kcp: message requires too many fragments")

	// ErrShortHeader is returned by Input when fewer than 24 bytes
	// remain for a segment header.
	ErrShortHeader = errors.New("kcp: datagram shorter than segment header")

	// ErrConvMismatch is returned by Input when the segment's conv
	// field does not match this session's conv.
	ErrConvMismatch = errors.New("kcp: conversation id mismatch")

	// ErrUnknownCmd is returned by Input when a segment's cmd field is
	// not one of PUSH/ACK/WASK/WINS.
	ErrUnknownCmd = errors.New("kcp: unknown segment command")

	// ErrTruncatedPayload is returned by Input when a segment's
	// declared len exceeds the remaining datagram bytes.
	ErrTruncatedPayload = errors.New("kcp: segment payload truncated")

	// ErrInvalidMTU is returned by SetMTU when mtu is below the
	// minimum of 50 bytes.
	ErrInvalidMTU = errors.New("kcp: mtu below minimum")

	// ErrInvalidFECParams is returned by NewFEC when dataShards or
	// parityShards is non-positive.
	ErrInvalidFECParams = errors.New("kcp: invalid fec shard counts")
)
