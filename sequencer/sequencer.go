// Package sequencer implements a reliable, ordered message transport over
// an unreliable datagram substrate. It fragments oversized packets,
// reassembles them on receipt, and offers priority-weighted reliable byte
// channels plus a best-effort high-priority message queue on top.
package sequencer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// fragmentHeaderSize is the {packet_number, total_size, offset} prologue
// attached to every datagram, after the caller's own opaque header.
const fragmentHeaderSize = 12

// minReliableHeader is the smallest remaining budget worth calling
// appendReliableData for: five uint32s (active_count, one channel_index,
// one segment_count, one offset, one size).
const minReliableHeader = 5 * 4

// SendRecord tracks one in-flight outgoing packet until it, or a later
// packet, is acknowledged.
type SendRecord struct {
	PacketNumber             uint32
	LastReceivedPacketNumber uint32
	WriteMappings            WriteMappings
	Spans                    []ChannelSpan
}

// ReceiveRecord tracks one fully reassembled incoming packet until the peer
// confirms (via its own ack baseline) that it has seen our ack for it.
type ReceiveRecord struct {
	PacketNumber            uint32
	ReadMappings            ReadMappings
	NewHighPriorityMessages int
}

// highPriorityMessage is a pending best-effort message, resent in full in
// every outbound packet until the packet that first carried it is acked.
type highPriorityMessage struct {
	Data              []byte
	FirstPacketNumber uint32
}

// Sequencer is a per-peer reliable transport engine. It is single-threaded:
// all methods and notification callbacks are expected to run from the same
// logical task, with no re-entrant calls from within a notification.
type Sequencer struct {
	opts Options

	outgoingPacketNumber uint32
	incomingPacketNumber uint32
	haveIncomingPacket   bool

	outgoingBuffer *CircularBuffer
	writeBitstream *InterningBitstream

	incomingBuffer  *CircularBuffer
	readBitstream   *InterningBitstream
	offsetsReceived map[uint32]struct{}
	remainingBytes  int

	sendRecords    []SendRecord
	receiveRecords []ReceiveRecord

	pendingHighPriority       []highPriorityMessage
	receivedHighPriorityCount int

	outputChannels map[uint32]*ReliableChannel
	inputChannels  map[uint32]*ReliableChannel

	onReadyToWrite                func([]byte)
	onReadyToRead                 func(io.Reader)
	onReceivedHighPriorityMessage func([]byte)
	onSendAcknowledged            func(index int)
	onReceiveAcknowledged         func(index int)

	stats Stats
}

// New returns a Sequencer with no channels and no in-flight state.
func New(opts ...Option) *Sequencer {
	o := NewOptions(opts...)
	outgoing := NewCircularBuffer()
	incoming := NewCircularBuffer()
	return &Sequencer{
		opts:                          o,
		outgoingBuffer:                outgoing,
		writeBitstream:                NewInterningBitstream(outgoing),
		incomingBuffer:                incoming,
		readBitstream:                 NewInterningBitstream(incoming),
		offsetsReceived:               make(map[uint32]struct{}),
		outputChannels:                make(map[uint32]*ReliableChannel),
		inputChannels:                 make(map[uint32]*ReliableChannel),
		onReadyToWrite:                func([]byte) {},
		onReadyToRead:                 func(io.Reader) {},
		onReceivedHighPriorityMessage: func([]byte) {},
		onSendAcknowledged:            func(int) {},
		onReceiveAcknowledged:         func(int) {},
	}
}

// OnReadyToWrite registers the callback invoked once per outbound datagram.
func (s *Sequencer) OnReadyToWrite(fn func(datagram []byte)) { s.onReadyToWrite = fn }

// OnReadyToRead registers the callback invoked once per completed incoming
// packet, with the bitstream positioned at the application middle. The wire
// format does not delimit the middle, so the handler must consume exactly
// the bytes the peer wrote there; anything it leaves is misparsed as the
// reliable-channel section. Per-channel readiness is a separate callback on
// the channel itself.
func (s *Sequencer) OnReadyToRead(fn func(r io.Reader)) { s.onReadyToRead = fn }

// OnReceivedHighPriorityMessage registers the callback invoked once per
// distinct high-priority message value, the first time it is seen.
func (s *Sequencer) OnReceivedHighPriorityMessage(fn func(value []byte)) {
	s.onReceivedHighPriorityMessage = fn
}

// OnSendAcknowledged registers the callback invoked when an outgoing
// SendRecord is acknowledged, with its (now-stale) list index.
func (s *Sequencer) OnSendAcknowledged(fn func(index int)) { s.onSendAcknowledged = fn }

// OnReceiveAcknowledged registers the callback invoked when the peer
// confirms it has seen our acknowledgement of a ReceiveRecord.
func (s *Sequencer) OnReceiveAcknowledged(fn func(index int)) { s.onReceiveAcknowledged = fn }

// OutputChannel returns the output-direction reliable channel at index,
// creating it at default priority 1.0 if it does not yet exist.
func (s *Sequencer) OutputChannel(index uint32) *ReliableChannel {
	ch, ok := s.outputChannels[index]
	if !ok {
		ch = NewOutputReliableChannel(1.0)
		s.outputChannels[index] = ch
	}
	return ch
}

// inputChannel returns the input-direction reliable channel at index,
// creating it at default priority 1.0 if it does not yet exist.
func (s *Sequencer) inputChannel(index uint32) *ReliableChannel {
	ch, ok := s.inputChannels[index]
	if !ok {
		ch = NewInputReliableChannel(1.0)
		s.inputChannels[index] = ch
	}
	return ch
}

// InputChannel returns the input-direction reliable channel at index for
// the application to read delivered bytes from, creating it if this peer
// has not yet received any data on it.
func (s *Sequencer) InputChannel(index uint32) *ReliableChannel {
	return s.inputChannel(index)
}

// SetChannelPriority sets the relative reliable-bandwidth share of the
// output channel at index.
func (s *Sequencer) SetChannelPriority(index uint32, priority float64) {
	s.OutputChannel(index).SetPriority(priority)
}

// SendHighPriorityMessage queues value for best-effort, retransmitted-
// until-acked delivery, starting with the next packet sent.
func (s *Sequencer) SendHighPriorityMessage(value []byte) {
	s.pendingHighPriority = append(s.pendingHighPriority, highPriorityMessage{
		Data:              value,
		FirstPacketNumber: s.outgoingPacketNumber + 1,
	})
}

// StartPacket begins a new outgoing packet: it writes the ack prologue and
// the pending high-priority messages, and returns the bitstream positioned
// for the caller to write the application-defined middle.
func (s *Sequencer) StartPacket() Bitstream {
	s.outgoingBuffer.Reset()
	s.writeBitstream.Reset()

	binary.Write(s.outgoingBuffer, binary.LittleEndian, uint32(len(s.receiveRecords)))
	for _, rr := range s.receiveRecords {
		binary.Write(s.outgoingBuffer, binary.LittleEndian, rr.PacketNumber)
	}

	binary.Write(s.outgoingBuffer, binary.LittleEndian, uint32(len(s.pendingHighPriority)))
	for _, hp := range s.pendingHighPriority {
		s.writeBitstream.WriteValue(hp.Data)
	}

	return s.writeBitstream
}

// EndPacket closes out the packet started by StartPacket: it flushes the
// bitstream, appends as much reliable-channel data as the remaining budget
// allows, and fragments the result into outbound datagrams.
func (s *Sequencer) EndPacket() error {
	if err := s.writeBitstream.Flush(); err != nil {
		return err
	}

	remaining := int(s.opts.MaxPacketSize.Bytes()) - s.outgoingBuffer.Size()

	var spans []ChannelSpan
	if remaining > minReliableHeader {
		var err error
		spans, err = s.appendReliableData(remaining)
		if err != nil {
			return err
		}
	} else {
		binary.Write(s.outgoingBuffer, binary.LittleEndian, uint32(0))
	}

	packet := s.outgoingBuffer.ReadBytes(0, s.outgoingBuffer.Size())
	return s.sendPacket(packet, spans)
}

// appendReliableData writes the reliable-channel section of the packet:
// active_count, then for each active output channel in index order its
// channel_index and a priority-weighted slice of budget.
func (s *Sequencer) appendReliableData(budget int) ([]ChannelSpan, error) {
	type active struct {
		index int
		ch    *ReliableChannel
	}
	var actives []active
	totalBytes := 0
	totalPriority := 0.0
	for index, ch := range s.outputChannels {
		if avail := ch.BytesAvailable(); avail > 0 {
			actives = append(actives, active{index: int(index), ch: ch})
			totalBytes += avail
			totalPriority += ch.Priority()
		}
	}
	sort.Slice(actives, func(i, j int) bool { return actives[i].index < actives[j].index })

	if err := binary.Write(s.outgoingBuffer, binary.LittleEndian, uint32(len(actives))); err != nil {
		return nil, err
	}
	if len(actives) == 0 {
		return nil, nil
	}

	effectiveBudget := minInt(budget, totalBytes)
	var spans []ChannelSpan
	for _, a := range actives {
		if err := binary.Write(s.outgoingBuffer, binary.LittleEndian, uint32(a.index)); err != nil {
			return nil, err
		}
		avail := a.ch.BytesAvailable()
		share := minInt(avail, int(float64(effectiveBudget)*a.ch.Priority()/totalPriority))
		if err := a.ch.WriteData(s.outgoingBuffer, share, uint32(a.index), &spans); err != nil {
			return nil, err
		}
		effectiveBudget -= share
		totalPriority -= a.ch.Priority()
	}
	return spans, nil
}

// sendPacket records a SendRecord, fragments packet into datagrams, and
// emits each via the ready-to-write notification.
func (s *Sequencer) sendPacket(packet []byte, spans []ChannelSpan) error {
	s.outgoingPacketNumber++

	var lastReceived uint32
	if n := len(s.receiveRecords); n > 0 {
		lastReceived = s.receiveRecords[n-1].PacketNumber
	}

	s.sendRecords = append(s.sendRecords, SendRecord{
		PacketNumber:             s.outgoingPacketNumber,
		LastReceivedPacketNumber: lastReceived,
		WriteMappings:            s.writeBitstream.SnapshotWriteMappings(),
		Spans:                    spans,
	})

	headerLen := len(s.opts.DatagramHeader)
	capacity := int(s.opts.MaxDatagramSize.Bytes()) - headerLen - fragmentHeaderSize
	if capacity <= 0 {
		return fmt.Errorf("sequencer: max datagram size too small for header")
	}

	fragments := 0
	offset := 0
	for {
		chunk := minInt(capacity, len(packet)-offset)
		if chunk < 0 {
			chunk = 0
		}

		datagram := make([]byte, 0, headerLen+fragmentHeaderSize+chunk)
		datagram = append(datagram, s.opts.DatagramHeader...)
		datagram = appendUint32LE(datagram, s.outgoingPacketNumber)
		datagram = appendUint32LE(datagram, uint32(len(packet)))
		datagram = appendUint32LE(datagram, uint32(offset))
		datagram = append(datagram, packet[offset:offset+chunk]...)

		s.onReadyToWrite(datagram)
		s.stats.FragmentsSent++
		fragments++

		offset += chunk
		if offset >= len(packet) {
			break
		}
	}
	s.stats.PacketsSent++
	s.opts.Log.Debugw("sent packet", "packet_number", s.outgoingPacketNumber, "bytes", len(packet), "fragments", fragments, "spans", len(spans))
	return nil
}

// ReceivedDatagram feeds one inbound datagram into fragment reassembly. Once
// a packet completes, it is fully parsed: acks are applied, high-priority
// messages delivered, the middle handed to the application, and reliable
// segments routed to their channels.
func (s *Sequencer) ReceivedDatagram(raw []byte) error {
	headerLen := len(s.opts.DatagramHeader)
	if len(raw) < headerLen+fragmentHeaderSize {
		return nil // malformed fragment: treated as stale, dropped
	}
	body := raw[headerLen:]
	sequence := binary.LittleEndian.Uint32(body[0:4])
	totalSize := binary.LittleEndian.Uint32(body[4:8])
	offset := binary.LittleEndian.Uint32(body[8:12])
	payload := body[12:]

	if s.haveIncomingPacket && sequence < s.incomingPacketNumber {
		s.stats.StaleFragmentsDropped++
		s.opts.Log.Debugw("dropped stale fragment", "sequence", sequence, "current", s.incomingPacketNumber)
		return nil
	}
	if !s.haveIncomingPacket || sequence > s.incomingPacketNumber {
		s.incomingPacketNumber = sequence
		s.haveIncomingPacket = true
		s.incomingBuffer.Reset()
		s.offsetsReceived = make(map[uint32]struct{})
		s.remainingBytes = int(totalSize)
	}

	if _, dup := s.offsetsReceived[offset]; dup {
		s.stats.DuplicateFragmentsDropped++
		s.opts.Log.Debugw("dropped duplicate fragment", "sequence", sequence, "offset", offset)
		return nil
	}
	s.offsetsReceived[offset] = struct{}{}

	if err := s.incomingBuffer.ReadFromStream(int(offset), len(payload), bytes.NewReader(payload)); err != nil {
		return err
	}
	s.remainingBytes -= len(payload)
	s.stats.FragmentsReceived++
	if s.remainingBytes > 0 {
		return nil
	}

	err := s.parseCompletedPacket()
	s.stats.PacketsReceived++
	return err
}

// parseCompletedPacket runs the full receive-side protocol over a freshly
// reassembled packet held in incomingBuffer.
func (s *Sequencer) parseCompletedPacket() error {
	s.incomingBuffer.Seek(0)
	s.readBitstream.Reset()

	var ackCount uint32
	if err := binary.Read(s.incomingBuffer, binary.LittleEndian, &ackCount); err != nil {
		return err
	}
	for i := uint32(0); i < ackCount; i++ {
		var acked uint32
		if err := binary.Read(s.incomingBuffer, binary.LittleEndian, &acked); err != nil {
			return err
		}
		if len(s.sendRecords) == 0 {
			continue
		}
		idx := int(acked) - int(s.sendRecords[0].PacketNumber)
		if idx < 0 || idx >= len(s.sendRecords) {
			continue
		}
		for j := 0; j <= idx; j++ {
			s.sendRecordAcknowledged(&s.sendRecords[j])
			s.onSendAcknowledged(j)
		}
		s.opts.Log.Debugw("applied ack", "acked_packet_number", acked, "records_retired", idx+1)
		s.sendRecords = s.sendRecords[idx+1:]
	}

	var hpCount uint32
	if err := binary.Read(s.incomingBuffer, binary.LittleEndian, &hpCount); err != nil {
		return err
	}
	priorCount := s.receivedHighPriorityCount
	newlyDelivered := 0
	for i := uint32(0); i < hpCount; i++ {
		var value []byte
		if err := s.readBitstream.ReadValue(&value); err != nil {
			return err
		}
		if int(i) >= priorCount {
			newlyDelivered++
			s.onReceivedHighPriorityMessage(value)
		}
	}
	s.receivedHighPriorityCount = int(hpCount)

	s.onReadyToRead(s.readBitstream)

	var reliableChannels uint32
	if err := binary.Read(s.incomingBuffer, binary.LittleEndian, &reliableChannels); err != nil {
		return err
	}
	for i := uint32(0); i < reliableChannels; i++ {
		var channelIndex uint32
		if err := binary.Read(s.incomingBuffer, binary.LittleEndian, &channelIndex); err != nil {
			return err
		}
		ch := s.inputChannel(channelIndex)
		if _, err := ch.ReadData(s.incomingBuffer); err != nil {
			return err
		}
	}

	s.receiveRecords = append(s.receiveRecords, ReceiveRecord{
		PacketNumber:            s.incomingPacketNumber,
		ReadMappings:            s.readBitstream.SnapshotReadMappings(),
		NewHighPriorityMessages: newlyDelivered,
	})
	return nil
}

// sendRecordAcknowledged applies the four effects of acknowledging record:
// retiring confirmed ReceiveRecords, persisting the record's own write
// mappings, dropping acknowledged high-priority messages, and forwarding
// each carried span to its channel.
func (s *Sequencer) sendRecordAcknowledged(record *SendRecord) {
	cut := 0
	for cut < len(s.receiveRecords) && s.receiveRecords[cut].PacketNumber <= record.LastReceivedPacketNumber {
		cut++
	}
	for i := 0; i < cut; i++ {
		s.readBitstream.PersistReadMappings(s.receiveRecords[i].ReadMappings)
		s.onReceiveAcknowledged(i)
	}
	s.receiveRecords = s.receiveRecords[cut:]

	s.writeBitstream.PersistWriteMappings(record.WriteMappings)

	kept := s.pendingHighPriority[:0]
	for _, hp := range s.pendingHighPriority {
		if hp.FirstPacketNumber > record.PacketNumber {
			kept = append(kept, hp)
		}
	}
	s.pendingHighPriority = kept

	for _, span := range record.Spans {
		if ch, ok := s.outputChannels[span.ChannelIndex]; ok {
			ch.SpanAcknowledged(span)
		}
	}
}

func appendUint32LE(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
