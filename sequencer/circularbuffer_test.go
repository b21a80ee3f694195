package sequencer

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestCircularBufferAppendReadBytes(t *testing.T) {
	b := NewCircularBuffer()
	b.Append([]byte("hello "))
	b.Append([]byte("world"))

	require.Equal(t, 11, b.Size())
	require.Equal(t, []byte("hello world"), b.ReadBytes(0, 11))
	require.Equal(t, []byte("world"), b.ReadBytes(6, 5))
}

func TestCircularBufferRemoveAdvancesHead(t *testing.T) {
	b := NewCircularBuffer()
	b.Append([]byte("0123456789"))
	b.Remove(4)

	require.Equal(t, 6, b.Size())
	require.Equal(t, []byte("456789"), b.ReadBytes(0, 6))
}

func TestCircularBufferGrowsPastInitialCapacity(t *testing.T) {
	b := NewCircularBuffer()
	payload := bytes.Repeat([]byte{0xAB}, initialCircularBufferCapacity*3+7)
	b.Append(payload)

	if diff := cmp.Diff(payload, b.ReadBytes(0, len(payload))); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCircularBufferWrapsAroundAfterRemove(t *testing.T) {
	b := NewCircularBuffer()
	b.Append(bytes.Repeat([]byte{1}, initialCircularBufferCapacity-2))
	b.Remove(initialCircularBufferCapacity - 4)
	b.Append([]byte{2, 2, 2, 2, 2, 2})

	require.Equal(t, byte(1), b.ReadBytes(0, 1)[0])
	require.Equal(t, byte(2), b.ReadBytes(b.Size()-1, 1)[0])
}

func TestCircularBufferReadWriteCursor(t *testing.T) {
	b := NewCircularBuffer()
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.True(t, b.Seek(0))

	out := make([]byte, 3)
	n, err = b.Read(out)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "abc", string(out))
	require.Equal(t, 3, b.Pos())
}

func TestCircularBufferSeekPastEndFails(t *testing.T) {
	b := NewCircularBuffer()
	b.Append([]byte("abc"))
	require.False(t, b.Seek(4))
	require.True(t, b.Seek(3))
}

func TestCircularBufferStreamRoundTrip(t *testing.T) {
	b := NewCircularBuffer()
	payload := bytes.Repeat([]byte("span"), 50)

	require.NoError(t, b.ReadFromStream(10, len(payload), bytes.NewReader(payload)))

	var out bytes.Buffer
	require.NoError(t, b.WriteToStream(10, len(payload), &out))
	require.Equal(t, payload, out.Bytes())
}

func TestCircularBufferAppendToBuffer(t *testing.T) {
	src := NewCircularBuffer()
	src.Append([]byte("0123456789"))

	dst := NewCircularBuffer()
	src.AppendToBuffer(2, 5, dst)

	require.Equal(t, []byte("23456"), dst.ReadBytes(0, 5))
}

func TestCircularBufferReset(t *testing.T) {
	b := NewCircularBuffer()
	b.Append([]byte("leftover"))
	b.Reset()

	require.Equal(t, 0, b.Size())
	require.Equal(t, 0, b.Pos())
}
