package sequencer

import "io"

// initialCircularBufferCapacity is the starting backing size; Grow doubles
// from here as content outgrows it.
const initialCircularBufferCapacity = 16

// CircularBuffer is a growable ring of bytes addressed by logical offset.
// Logical byte i lives at physical offset (position+i) mod len(data); the
// buffer never shifts its contents on Remove, it just advances position.
type CircularBuffer struct {
	data     []byte
	position int
	size     int
	offset   int // independent read/write cursor, distinct from position
}

// NewCircularBuffer returns an empty buffer with the default starting capacity.
func NewCircularBuffer() *CircularBuffer {
	return &CircularBuffer{data: make([]byte, initialCircularBufferCapacity)}
}

// Size returns the current logical length of the buffer.
func (b *CircularBuffer) Size() int { return b.size }

// Pos returns the current read/write cursor position.
func (b *CircularBuffer) Pos() int { return b.offset }

// Seek repositions the cursor. It fails if pos is negative or past the
// logical end.
func (b *CircularBuffer) Seek(pos int) bool {
	if pos < 0 || pos > b.size {
		return false
	}
	b.offset = pos
	return true
}

// Reset empties the buffer for reuse, keeping the backing array allocated.
func (b *CircularBuffer) Reset() {
	b.position = 0
	b.size = 0
	b.offset = 0
}

// Append writes data past the current logical end, growing the buffer as
// needed.
func (b *CircularBuffer) Append(data []byte) {
	oldSize := b.size
	b.grow(b.size + len(data))
	end := (b.position + oldSize) % len(b.data)
	first := minInt(len(data), len(b.data)-end)
	copy(b.data[end:end+first], data[:first])
	if second := len(data) - first; second > 0 {
		copy(b.data[:second], data[first:])
	}
}

// Remove discards length bytes from the head of the buffer.
func (b *CircularBuffer) Remove(length int) {
	b.position = (b.position + length) % len(b.data)
	b.size -= length
}

// ReadBytes returns a copy of length logical bytes starting at offset.
func (b *CircularBuffer) ReadBytes(offset, length int) []byte {
	out := make([]byte, 0, length)
	start := (b.position + offset) % len(b.data)
	first := minInt(length, len(b.data)-start)
	out = append(out, b.data[start:start+first]...)
	if second := length - first; second > 0 {
		out = append(out, b.data[:second]...)
	}
	return out
}

// WriteToStream copies length logical bytes starting at offset to out,
// handling the two-segment wraparound transparently.
func (b *CircularBuffer) WriteToStream(offset, length int, out io.Writer) error {
	start := (b.position + offset) % len(b.data)
	first := minInt(length, len(b.data)-start)
	if _, err := out.Write(b.data[start : start+first]); err != nil {
		return err
	}
	if second := length - first; second > 0 {
		if _, err := out.Write(b.data[:second]); err != nil {
			return err
		}
	}
	return nil
}

// ReadFromStream reads length bytes from in into the buffer at offset,
// growing the buffer first if offset+length exceeds the current size.
func (b *CircularBuffer) ReadFromStream(offset, length int, in io.Reader) error {
	if required := offset + length; required > b.size {
		b.grow(required)
	}
	start := (b.position + offset) % len(b.data)
	first := minInt(length, len(b.data)-start)
	if _, err := io.ReadFull(in, b.data[start:start+first]); err != nil {
		return err
	}
	if second := length - first; second > 0 {
		if _, err := io.ReadFull(in, b.data[:second]); err != nil {
			return err
		}
	}
	return nil
}

// AppendToBuffer copies length logical bytes starting at offset into dst,
// growing dst as necessary.
func (b *CircularBuffer) AppendToBuffer(offset, length int, dst *CircularBuffer) {
	start := (b.position + offset) % len(b.data)
	first := minInt(length, len(b.data)-start)
	dst.Append(b.data[start : start+first])
	if second := length - first; second > 0 {
		dst.Append(b.data[:second])
	}
}

// Read implements io.Reader over the cursor, advancing offset.
func (b *CircularBuffer) Read(p []byte) (int, error) {
	readable := minInt(len(p), b.size-b.offset)
	if readable <= 0 {
		return 0, io.EOF
	}
	start := (b.position + b.offset) % len(b.data)
	first := minInt(readable, len(b.data)-start)
	copy(p[:first], b.data[start:start+first])
	if second := readable - first; second > 0 {
		copy(p[first:readable], b.data[:second])
	}
	b.offset += readable
	return readable, nil
}

// Write implements io.Writer over the cursor, growing the buffer and
// advancing offset.
func (b *CircularBuffer) Write(p []byte) (int, error) {
	if required := b.offset + len(p); required > b.size {
		b.grow(required)
	}
	start := (b.position + b.offset) % len(b.data)
	first := minInt(len(p), len(b.data)-start)
	copy(b.data[start:start+first], p[:first])
	if second := len(p) - first; second > 0 {
		copy(b.data[:second], p[first:])
	}
	b.offset += len(p)
	return len(p), nil
}

// grow doubles capacity until size fits, preserving the contiguous wrapped
// segment by duplicating it into the newly allocated tail.
func (b *CircularBuffer) grow(size int) {
	if size > len(b.data) {
		oldCapacity := len(b.data)
		newCapacity := oldCapacity
		for size > newCapacity {
			newCapacity *= 2
		}
		grown := make([]byte, newCapacity)
		copy(grown, b.data)
		b.data = grown

		if trailing := b.position + b.size - oldCapacity; trailing > 0 {
			copy(b.data[oldCapacity:], b.data[:trailing])
		}
	}
	b.size = size
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
