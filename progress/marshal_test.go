package progress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fullProgress() *Progress {
	return &Progress{
		State: StateHeaviestFork,
		MyLastVotedForkSlots: &LastVotedForkSlotsRecord{
			LastVotedForkSlots: []uint64{10, 9, 8, 0},
			LastVoteBankhash:   "hash-8",
			ShredVersion:       1234,
			Wallclock:          999,
		},
		LastVotedForkSlotsAggregate: &LastVotedForkSlotsAggregateRecord{
			ReceivedRecords: map[string]LastVotedForkSlotsRecord{
				"peer-a": {LastVotedForkSlots: []uint64{9, 8, 0}, LastVoteBankhash: "hash-a", ShredVersion: 1234, Wallclock: 1},
				"peer-b": {LastVotedForkSlots: []uint64{10, 9, 8, 0}, LastVoteBankhash: "hash-b", ShredVersion: 1234, Wallclock: 2},
			},
			Final: &LastVotedForkSlotsAggregateFinal{
				SlotsStakeMap: map[uint64]uint64{10: 900, 9: 1500, 8: 2000, 0: 2000},
				EpochInfos: []EpochInfoRecord{
					{Epoch: 5, TotalStake: 2000, ActivelyVotingStake: 2000, ActivelyVotingForThisEpochStake: 2000},
				},
			},
		},
		MyHeaviestFork: &HeaviestForkRecord{
			Slot: 10, BankHash: "hash-10", TotalActiveStake: 900, ShredVersion: 1234, Wallclock: 3, From: "me",
		},
		CoordinatorHeaviestFork: &HeaviestForkRecord{
			Slot: 9, BankHash: "hash-9", TotalActiveStake: 1500, ShredVersion: 1234, Wallclock: 4, From: "coordinator",
		},
		HeaviestForkAggregate: &HeaviestForkAggregateRecord{
			Received: []HeaviestForkRecord{
				{Slot: 9, BankHash: "hash-9", TotalActiveStake: 1500, ShredVersion: 1234, Wallclock: 4, From: "coordinator"},
			},
			TotalActiveStake: 1500,
		},
		MySnapshot: &GenerateSnapshotRecord{
			Slot: 9, BankHash: "hash-9", Path: "/snapshots/9", ShredVersion: 5678,
		},
		ConflictMessage: map[string]ConflictPair{
			"peer-c": {
				OldLastVotedForkSlots: &LastVotedForkSlotsRecord{LastVotedForkSlots: []uint64{5}, LastVoteBankhash: "old"},
				NewLastVotedForkSlots: &LastVotedForkSlotsRecord{LastVotedForkSlots: []uint64{6}, LastVoteBankhash: "new"},
			},
		},
	}
}

func TestProgressRoundTrip(t *testing.T) {
	original := fullProgress()
	raw, err := original.Marshal()
	require.NoError(t, err)

	got := &Progress{}
	require.NoError(t, got.Unmarshal(raw))
	require.Equal(t, original, got)
}

func TestProgressRoundTrip_EmptyRecord(t *testing.T) {
	original := NewInit()
	raw, err := original.Marshal()
	require.NoError(t, err)

	got := &Progress{}
	require.NoError(t, got.Unmarshal(raw))
	require.Equal(t, original, got)
}

func TestProgressUnmarshal_UnknownFieldsIgnored(t *testing.T) {
	original := fullProgress()
	raw, err := original.Marshal()
	require.NoError(t, err)

	w := &fieldWriter{buf: raw}
	w.putString(999, "from-a-future-version")

	got := &Progress{}
	require.NoError(t, got.Unmarshal(w.buf))
	require.Equal(t, original, got)
}

func TestProgressUnmarshal_Corrupt(t *testing.T) {
	got := &Progress{}
	err := got.Unmarshal([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}
