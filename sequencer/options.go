package sequencer

import (
	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
)

// Options configures a Sequencer. Construct with NewOptions(opts...); the
// zero value is never valid on its own, NewOptions always applies defaults
// first.
type Options struct {
	// DatagramHeader is an opaque prefix the caller wants reproduced at the
	// front of every outbound datagram (e.g. a connection id). It is never
	// interpreted by the sequencer.
	DatagramHeader []byte

	// MaxPacketSize is the logical packet size budget before fragmentation.
	// Reliable-channel payload is capped to what is left of it after the
	// prologue and middle; the reliable section's count, index, offset and
	// size fields are written on top, so a packet can exceed it by those.
	MaxPacketSize datasize.ByteSize

	// MaxDatagramSize bounds a single wire datagram, header included.
	MaxDatagramSize datasize.ByteSize

	// Log receives debug-level tracing of fragment counts, ack
	// application, and span selection. It is silent by default.
	Log *zap.SugaredLogger
}

var defaultOptions = Options{
	MaxPacketSize:   3000 * datasize.B,
	MaxDatagramSize: 1500 * datasize.B,
	Log:             zap.NewNop().Sugar(),
}

type Option func(*Options)

// NewOptions applies opts on top of the package defaults and returns the
// result.
func NewOptions(opts ...Option) Options {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithDatagramHeader sets the opaque prefix prepended to every outbound
// datagram.
func WithDatagramHeader(header []byte) Option {
	return func(o *Options) { o.DatagramHeader = header }
}

// WithMaxPacketSize sets the logical packet size budget (see MaxPacketSize).
func WithMaxPacketSize(size datasize.ByteSize) Option {
	return func(o *Options) { o.MaxPacketSize = size }
}

// WithMaxDatagramSize bounds a single wire datagram.
func WithMaxDatagramSize(size datasize.ByteSize) Option {
	return func(o *Options) { o.MaxDatagramSize = size }
}

// WithLogger routes debug-level protocol tracing to log.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *Options) { o.Log = log }
}
