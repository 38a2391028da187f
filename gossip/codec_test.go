package gossip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLastVotedForkSlotsRoundTrip(t *testing.T) {
	m := LastVotedForkSlotsMessage{
		From:               "peer-a",
		Wallclock:          12345,
		LastVotedForkSlots: []uint64{10, 9, 8, 0},
		LastVoteBankHash:   "hash-10",
		ShredVersion:       7,
	}
	decoded, err := decodeLastVotedForkSlots(encodeLastVotedForkSlots(m))
	require.NoError(t, err)
	require.Equal(t, m, decoded)
}

func TestLastVotedForkSlotsRejectsOversizedVector(t *testing.T) {
	w := &writer{}
	w.str(1, "peer-a")
	slots := make([]uint64, MaxSlots+1)
	w.packedVarints(3, slots)
	_, err := decodeLastVotedForkSlots(w.buf)
	require.Error(t, err)
}

func TestHeaviestForkRoundTrip(t *testing.T) {
	m := HeaviestForkMessage{
		From:          "coordinator",
		Wallclock:     999,
		LastSlot:      42,
		LastSlotHash:  "hash-42",
		ObservedStake: 1000,
		ShredVersion:  7,
	}
	decoded, err := decodeHeaviestFork(encodeHeaviestFork(m))
	require.NoError(t, err)
	require.Equal(t, m, decoded)
}
