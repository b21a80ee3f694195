package sequencer

import (
	"encoding/binary"
	"io"
)

// ChannelSpan identifies one contiguous byte range of one channel's stream,
// carried in a single packet. It is the unit a SendRecord remembers so that
// an ack can later be routed back to the channel that owns the bytes.
type ChannelSpan struct {
	ChannelIndex uint32
	Offset       int
	Length       int
}

// gap is one still-unset region of a channel's outbound stream, relative to
// offset.
type gap struct {
	start  int
	length int
}

// ReliableChannel is one logical byte stream, in either the output or input
// direction. An output channel buffers bytes written by the application
// until the peer acknowledges them; an input channel reassembles bytes
// arriving out of order into an in-order prefix the application can read.
type ReliableChannel struct {
	buffer       *CircularBuffer
	acknowledged SpanList
	offset       int
	priority     float64

	// output side only
	writePosition      int
	bitstream          Bitstream
	highWatermark      int
	retransmittedBytes int

	// input side only
	assemblyBuffer *CircularBuffer
	onReadyToRead  func()
}

// NewOutputReliableChannel returns an empty output channel at the given
// priority, ready to accept SendMessage calls.
func NewOutputReliableChannel(priority float64) *ReliableChannel {
	buf := NewCircularBuffer()
	return &ReliableChannel{
		buffer:    buf,
		priority:  priority,
		bitstream: NewInterningBitstream(buf),
	}
}

// NewInputReliableChannel returns an empty input channel at the given
// priority, ready to accept ReadData calls.
func NewInputReliableChannel(priority float64) *ReliableChannel {
	return &ReliableChannel{
		buffer:         NewCircularBuffer(),
		assemblyBuffer: NewCircularBuffer(),
		priority:       priority,
		onReadyToRead:  func() {},
	}
}

// Priority returns the channel's share weight for reliable-budget splitting.
func (c *ReliableChannel) Priority() float64 { return c.priority }

// RetransmittedBytes returns the cumulative count of bytes this channel has
// had to resend below its prior high-water mark.
func (c *ReliableChannel) RetransmittedBytes() int { return c.retransmittedBytes }

// SetPriority changes the channel's share weight.
func (c *ReliableChannel) SetPriority(p float64) { c.priority = p }

// Buffer exposes the channel's delivered/unacknowledged byte stream for the
// caller to read (input side, after ReadData) or has already been written
// to (output side, via SendMessage).
func (c *ReliableChannel) Buffer() *CircularBuffer { return c.buffer }

// OnReadyToRead registers the callback fired whenever ReadData extends the
// in-order prefix of an input channel's stream.
func (c *ReliableChannel) OnReadyToRead(fn func()) { c.onReadyToRead = fn }

// SendMessage serializes value through the channel's own bitstream and
// appends it to the unacknowledged tail of the outbound stream. It never
// blocks and never fails except on a genuine encoding error.
func (c *ReliableChannel) SendMessage(value interface{}) error {
	c.buffer.Seek(c.buffer.Size())
	return c.bitstream.WriteValue(value)
}

// SendBytes appends raw bytes to the outbound stream with no message
// framing. The peer reads them back from its input channel's Buffer.
func (c *ReliableChannel) SendBytes(data []byte) {
	c.buffer.Append(data)
}

// BytesAvailable is the number of bytes of the unacknowledged stream still
// owed to the peer.
func (c *ReliableChannel) BytesAvailable() int {
	return c.buffer.Size() - c.acknowledged.TotalSet()
}

// gaps returns the still-unset regions of the outbound stream: the unset
// runs already tracked by acknowledged, plus the trailing region of buffer
// that acknowledged does not yet cover at all.
func (c *ReliableChannel) gaps() []gap {
	var gs []gap
	position := 0
	for _, sp := range c.acknowledged.Spans() {
		if sp.Unset > 0 {
			gs = append(gs, gap{start: position, length: sp.Unset})
		}
		position += sp.Unset + sp.Set
	}
	if trailing := c.buffer.Size() - position; trailing > 0 {
		gs = append(gs, gap{start: position, length: trailing})
	}
	return gs
}

// WriteData emits segments totalling up to budget bytes from the
// still-unacknowledged regions of the channel, in round-robin rotation
// starting from writePosition, and appends one ChannelSpan per emitted
// segment to spans.
func (c *ReliableChannel) WriteData(out io.Writer, budget int, channelIndex uint32, spans *[]ChannelSpan) error {
	gaps := c.gaps()
	var plan []gap
	remaining := budget
	first := true
	contributedFirst := 0

	// Rotate through the gaps until the budget is spent; the first gap is
	// entered at writePosition's interior offset, and once a pass wraps the
	// rotation revisits earlier regions from their start.
	for remaining > 0 && len(gaps) > 0 {
		progressed := false
		for _, g := range gaps {
			if remaining <= 0 {
				break
			}
			start, length := g.start, g.length
			if first {
				first = false
				interior := c.writePosition % length
				start += interior
				length -= interior
			}
			take := minInt(length, remaining)
			if take <= 0 {
				continue
			}
			plan = append(plan, gap{start: start, length: take})
			if contributedFirst == 0 {
				contributedFirst = take
			}
			remaining -= take
			progressed = true

			if span := start + take; span > c.highWatermark {
				if start < c.highWatermark {
					c.retransmittedBytes += c.highWatermark - start
				}
				c.highWatermark = span
			} else {
				c.retransmittedBytes += take
			}
		}
		if !progressed {
			break
		}
	}
	c.writePosition += contributedFirst

	if err := binary.Write(out, binary.LittleEndian, uint32(len(plan))); err != nil {
		return err
	}
	for _, p := range plan {
		absolute := p.start + c.offset
		if err := binary.Write(out, binary.LittleEndian, uint32(absolute)); err != nil {
			return err
		}
		if err := binary.Write(out, binary.LittleEndian, uint32(p.length)); err != nil {
			return err
		}
		if err := c.buffer.WriteToStream(p.start, p.length, out); err != nil {
			return err
		}
		*spans = append(*spans, ChannelSpan{ChannelIndex: channelIndex, Offset: absolute, Length: p.length})
	}
	return nil
}

// SpanAcknowledged records that span was delivered, advancing the channel's
// head and freeing buffered bytes if the advancement reaches the front of
// the stream.
func (c *ReliableChannel) SpanAcknowledged(span ChannelSpan) {
	relative := span.Offset - c.offset
	advancement := c.acknowledged.Set(relative, span.Length)
	if advancement <= 0 {
		return
	}
	c.buffer.Remove(advancement)
	c.offset += advancement
	c.writePosition -= advancement
	if c.writePosition < 0 {
		c.writePosition = 0
	}
	c.highWatermark -= advancement
	if c.highWatermark < 0 {
		c.highWatermark = 0
	}
}

// ReadData consumes one reliable-channel segment list from in, landing
// out-of-order segments in assemblyBuffer and promoting the in-order prefix
// into buffer as it becomes contiguous. When any bytes advance it fires the
// channel's ready-to-read callback and reports true.
func (c *ReliableChannel) ReadData(in io.Reader) (bool, error) {
	var segments uint32
	if err := binary.Read(in, binary.LittleEndian, &segments); err != nil {
		return false, err
	}

	advanced := false
	for i := uint32(0); i < segments; i++ {
		var rawOffset, rawSize uint32
		if err := binary.Read(in, binary.LittleEndian, &rawOffset); err != nil {
			return advanced, err
		}
		if err := binary.Read(in, binary.LittleEndian, &rawSize); err != nil {
			return advanced, err
		}
		position := int(rawOffset) - c.offset
		size := int(rawSize)

		switch {
		case position+size <= 0:
			if err := discard(in, size); err != nil {
				return advanced, err
			}
		case position < 0:
			skip := -position
			if err := discard(in, skip); err != nil {
				return advanced, err
			}
			if err := c.assemblyBuffer.ReadFromStream(0, size-skip, in); err != nil {
				return advanced, err
			}
		default:
			if err := c.assemblyBuffer.ReadFromStream(position, size, in); err != nil {
				return advanced, err
			}
		}

		if advancement := c.acknowledged.Set(position, size); advancement > 0 {
			c.assemblyBuffer.AppendToBuffer(0, advancement, c.buffer)
			c.assemblyBuffer.Remove(advancement)
			c.offset += advancement
			advanced = true
		}
	}

	if advanced {
		c.onReadyToRead()
	}
	c.pruneConsumed()
	return advanced, nil
}

// pruneConsumed drops the prefix of buffer already read by the application,
// so the channel retains only the undelivered in-order suffix.
func (c *ReliableChannel) pruneConsumed() {
	if pos := c.buffer.Pos(); pos > 0 {
		c.buffer.Remove(pos)
		c.buffer.Seek(0)
	}
}

func discard(r io.Reader, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}
