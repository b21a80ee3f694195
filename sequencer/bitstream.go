package sequencer

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/fnv"
	"io"
)

// WriteMappings and ReadMappings snapshot a Bitstream's tentative value
// interning state for exactly one packet. A SendRecord/ReceiveRecord owns
// one until the packet carrying it is acknowledged (PersistWriteMappings /
// PersistReadMappings promotes it to permanent) or simply never is, in
// which case it is dropped on the floor with nothing further to undo —
// the mapping was never committed anywhere else.
type WriteMappings map[uint64]uint32
type ReadMappings map[uint32][]byte

// Bitstream is the duck-typed serializer collaborator described by the
// transport layer: typed value encode/decode plus raw byte I/O over one
// shared cursor, with per-packet mapping state that can be committed or
// rolled back. The transport owns one for the outgoing packet buffer and
// one for the incoming packet buffer.
type Bitstream interface {
	io.Reader
	io.Writer

	WriteValue(v interface{}) error
	ReadValue(v interface{}) error

	Flush() error
	Reset()

	SnapshotWriteMappings() WriteMappings
	PersistWriteMappings(WriteMappings)
	SnapshotReadMappings() ReadMappings
	PersistReadMappings(ReadMappings)
}

const (
	valueMarkerDefine byte = 0
	valueMarkerRef    byte = 1
)

// InterningBitstream is the default Bitstream. It interns repeated values:
// the first time a distinct value is written it is encoded in full and
// assigned an id; later occurrences before the next Reset or snapshot, and
// any occurrence after the defining packet has been acknowledged, reference
// that id instead of resending the value. Once a new packet starts, an
// unacknowledged value is re-defined in full, so a lost definition never
// leaves the peer holding a reference to an id it never actually learned.
type InterningBitstream struct {
	rw io.ReadWriter

	nextWriteID  uint32
	knownHashes  map[uint64]uint32
	pendingWrite map[uint64]uint32

	knownByID   map[uint32][]byte
	pendingRead map[uint32][]byte
}

// NewInterningBitstream wraps rw, which provides the raw byte cursor shared
// by WriteValue/ReadValue and the plain io.Reader/io.Writer methods.
func NewInterningBitstream(rw io.ReadWriter) *InterningBitstream {
	return &InterningBitstream{
		rw:           rw,
		knownHashes:  make(map[uint64]uint32),
		pendingWrite: make(map[uint64]uint32),
		knownByID:    make(map[uint32][]byte),
		pendingRead:  make(map[uint32][]byte),
	}
}

func (b *InterningBitstream) Read(p []byte) (int, error)  { return b.rw.Read(p) }
func (b *InterningBitstream) Write(p []byte) (int, error) { return b.rw.Write(p) }
func (b *InterningBitstream) Flush() error                { return nil }

// Reset clears the tentative mapping state for a fresh packet. It does not
// touch the underlying byte cursor.
func (b *InterningBitstream) Reset() {
	b.pendingWrite = make(map[uint64]uint32)
	b.pendingRead = make(map[uint32][]byte)
}

// WriteValue gob-encodes v and writes either a reference to an
// already-known mapping or a fresh definition.
func (b *InterningBitstream) WriteValue(v interface{}) error {
	encoded, err := encodeGob(v)
	if err != nil {
		return fmt.Errorf("bitstream: encode value: %w", err)
	}
	h := hashBytes(encoded)

	if id, ok := b.knownHashes[h]; ok {
		return b.writeRef(id)
	}
	if id, ok := b.pendingWrite[h]; ok {
		return b.writeRef(id)
	}

	id := b.nextWriteID
	b.nextWriteID++
	b.pendingWrite[h] = id
	return b.writeDefine(id, encoded)
}

func (b *InterningBitstream) writeRef(id uint32) error {
	if _, err := b.rw.Write([]byte{valueMarkerRef}); err != nil {
		return err
	}
	return binary.Write(b.rw, binary.LittleEndian, id)
}

func (b *InterningBitstream) writeDefine(id uint32, encoded []byte) error {
	if _, err := b.rw.Write([]byte{valueMarkerDefine}); err != nil {
		return err
	}
	if err := binary.Write(b.rw, binary.LittleEndian, id); err != nil {
		return err
	}
	if err := binary.Write(b.rw, binary.LittleEndian, uint32(len(encoded))); err != nil {
		return err
	}
	_, err := b.rw.Write(encoded)
	return err
}

// ReadValue reads one value written by WriteValue, decoding it into v
// (which must be a pointer to a gob-compatible type).
func (b *InterningBitstream) ReadValue(v interface{}) error {
	marker := make([]byte, 1)
	if _, err := io.ReadFull(b.rw, marker); err != nil {
		return err
	}
	switch marker[0] {
	case valueMarkerRef:
		var id uint32
		if err := binary.Read(b.rw, binary.LittleEndian, &id); err != nil {
			return err
		}
		encoded, ok := b.knownByID[id]
		if !ok {
			encoded, ok = b.pendingRead[id]
		}
		if !ok {
			return fmt.Errorf("bitstream: reference to unknown mapping id %d", id)
		}
		return decodeGob(encoded, v)
	case valueMarkerDefine:
		var id uint32
		if err := binary.Read(b.rw, binary.LittleEndian, &id); err != nil {
			return err
		}
		var size uint32
		if err := binary.Read(b.rw, binary.LittleEndian, &size); err != nil {
			return err
		}
		encoded := make([]byte, size)
		if _, err := io.ReadFull(b.rw, encoded); err != nil {
			return err
		}
		b.pendingRead[id] = encoded
		return decodeGob(encoded, v)
	default:
		return fmt.Errorf("bitstream: unknown value marker 0x%02x", marker[0])
	}
}

// SnapshotWriteMappings returns and clears the mappings newly defined since
// the last snapshot or Reset.
func (b *InterningBitstream) SnapshotWriteMappings() WriteMappings {
	snapshot := b.pendingWrite
	b.pendingWrite = make(map[uint64]uint32)
	return snapshot
}

// PersistWriteMappings promotes a previously snapshotted set of mappings to
// permanent, so future WriteValue calls for the same values reference them
// instead of redefining them.
func (b *InterningBitstream) PersistWriteMappings(m WriteMappings) {
	for hash, id := range m {
		b.knownHashes[hash] = id
	}
}

// SnapshotReadMappings returns and clears the definitions read since the
// last snapshot or Reset.
func (b *InterningBitstream) SnapshotReadMappings() ReadMappings {
	snapshot := b.pendingRead
	b.pendingRead = make(map[uint32][]byte)
	return snapshot
}

// PersistReadMappings promotes previously snapshotted definitions to
// permanent, so future references to their ids resolve even after the
// defining packet is pruned from the receive history.
func (b *InterningBitstream) PersistReadMappings(m ReadMappings) {
	for id, encoded := range m {
		b.knownByID[id] = encoded
	}
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(encoded []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(encoded)).Decode(v)
}

func hashBytes(p []byte) uint64 {
	h := fnv.New64a()
	h.Write(p)
	return h.Sum64()
}
