package sequencer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInterningBitstreamWritesDefineOnce(t *testing.T) {
	var buf bytes.Buffer
	bs := NewInterningBitstream(&buf)

	require.NoError(t, bs.WriteValue([]byte("hello")))
	afterFirst := buf.Len()
	require.NoError(t, bs.WriteValue([]byte("hello")))

	require.Less(t, buf.Len()-afterFirst, afterFirst, "a repeated value should cost far less than its first definition")
}

func TestInterningBitstreamRoundTripWithinOnePacket(t *testing.T) {
	var buf bytes.Buffer
	bs := NewInterningBitstream(&buf)

	require.NoError(t, bs.WriteValue([]byte("alpha")))
	require.NoError(t, bs.WriteValue([]byte("beta")))
	require.NoError(t, bs.WriteValue([]byte("alpha")))

	var a, b, c []byte
	require.NoError(t, bs.ReadValue(&a))
	require.NoError(t, bs.ReadValue(&b))
	require.NoError(t, bs.ReadValue(&c))

	require.Equal(t, []byte("alpha"), a)
	require.Equal(t, []byte("beta"), b)
	require.Equal(t, []byte("alpha"), c)
}

func TestInterningBitstreamUnpersistedMappingDropsOnReset(t *testing.T) {
	var buf bytes.Buffer
	bs := NewInterningBitstream(&buf)

	require.NoError(t, bs.WriteValue([]byte("once")))
	firstDefinition := buf.Len()
	bs.Reset() // simulates a packet that was never acknowledged

	require.NoError(t, bs.WriteValue([]byte("once")))
	secondCall := buf.Len()
	require.NoError(t, bs.WriteValue([]byte("once")))
	require.Greater(t, buf.Len()-secondCall, 0)
	require.Equal(t, firstDefinition, secondCall-firstDefinition, "after Reset the value is defined again in full")
}

func TestInterningBitstreamPersistedMappingIsReferencedLater(t *testing.T) {
	var buf bytes.Buffer
	bs := NewInterningBitstream(&buf)

	require.NoError(t, bs.WriteValue([]byte("shared")))
	snapshot := bs.SnapshotWriteMappings()
	bs.PersistWriteMappings(snapshot)

	before := buf.Len()
	require.NoError(t, bs.WriteValue([]byte("shared")))
	require.Less(t, buf.Len()-before, 10, "a persisted mapping should be referenced, not redefined")
}
