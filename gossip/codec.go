package gossip

import (
	"github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
)

// Both gossip message families use the same hand-written,
// protobuf-wire-compatible tag/length/value encoding the progress record
// uses (see progress/marshal.go) rather than a second serialization
// scheme, so a peer running a future version that adds a field can still
// decode everything this version wrote.
const (
	wireVarint = 0
	wireBytes  = 2
)

type writer struct{ buf []byte }

func (w *writer) varint(tag uint32, v uint64) {
	w.buf = append(w.buf, proto.EncodeVarint(uint64(tag)<<3|wireVarint)...)
	w.buf = append(w.buf, proto.EncodeVarint(v)...)
}

func (w *writer) bytes(tag uint32, b []byte) {
	w.buf = append(w.buf, proto.EncodeVarint(uint64(tag)<<3|wireBytes)...)
	w.buf = append(w.buf, proto.EncodeVarint(uint64(len(b)))...)
	w.buf = append(w.buf, b...)
}

func (w *writer) str(tag uint32, s string) { w.bytes(tag, []byte(s)) }

func (w *writer) packedVarints(tag uint32, vs []uint64) {
	var packed []byte
	for _, v := range vs {
		packed = append(packed, proto.EncodeVarint(v)...)
	}
	w.bytes(tag, packed)
}

type field struct {
	tag    uint32
	wire   byte
	varint uint64
	bytes  []byte
}

func readFields(data []byte) ([]field, error) {
	var fields []field
	i := 0
	for i < len(data) {
		key, n := proto.DecodeVarint(data[i:])
		if n == 0 {
			return nil, errors.New("gossip: truncated field key")
		}
		i += n
		tag := uint32(key >> 3)
		wt := byte(key & 0x7)
		switch wt {
		case wireVarint:
			v, n := proto.DecodeVarint(data[i:])
			if n == 0 {
				return nil, errors.New("gossip: truncated varint field")
			}
			i += n
			fields = append(fields, field{tag: tag, wire: wt, varint: v})
		case wireBytes:
			l, n := proto.DecodeVarint(data[i:])
			if n == 0 {
				return nil, errors.New("gossip: truncated length field")
			}
			i += n
			end := i + int(l)
			if end < i || end > len(data) {
				return nil, errors.New("gossip: truncated payload")
			}
			fields = append(fields, field{tag: tag, wire: wt, bytes: data[i:end]})
			i = end
		default:
			return nil, errors.Errorf("gossip: unsupported wire type %d for tag %d", wt, tag)
		}
	}
	return fields, nil
}

func unpackVarints(b []byte) ([]uint64, error) {
	var out []uint64
	i := 0
	for i < len(b) {
		v, n := proto.DecodeVarint(b[i:])
		if n == 0 {
			return nil, errors.New("gossip: truncated packed varint")
		}
		out = append(out, v)
		i += n
	}
	return out, nil
}

// encodeLastVotedForkSlots serializes a LastVotedForkSlotsMessage for
// publication over the gossip topic.
func encodeLastVotedForkSlots(m LastVotedForkSlotsMessage) []byte {
	w := &writer{}
	w.str(1, m.From)
	w.varint(2, m.Wallclock)
	w.packedVarints(3, m.LastVotedForkSlots)
	w.str(4, m.LastVoteBankHash)
	w.varint(5, uint64(m.ShredVersion))
	return w.buf
}

func decodeLastVotedForkSlots(data []byte) (LastVotedForkSlotsMessage, error) {
	fields, err := readFields(data)
	if err != nil {
		return LastVotedForkSlotsMessage{}, err
	}
	var m LastVotedForkSlotsMessage
	for _, f := range fields {
		switch f.tag {
		case 1:
			m.From = string(f.bytes)
		case 2:
			m.Wallclock = f.varint
		case 3:
			slots, err := unpackVarints(f.bytes)
			if err != nil {
				return LastVotedForkSlotsMessage{}, err
			}
			m.LastVotedForkSlots = slots
		case 4:
			m.LastVoteBankHash = string(f.bytes)
		case 5:
			m.ShredVersion = uint32(f.varint)
		}
	}
	if len(m.LastVotedForkSlots) > MaxSlots {
		return LastVotedForkSlotsMessage{}, errors.Errorf("gossip: last_voted_fork_slots exceeds MaxSlots (%d)", len(m.LastVotedForkSlots))
	}
	return m, nil
}

// encodeHeaviestFork serializes a HeaviestForkMessage for publication over
// the gossip topic.
func encodeHeaviestFork(m HeaviestForkMessage) []byte {
	w := &writer{}
	w.str(1, m.From)
	w.varint(2, m.Wallclock)
	w.varint(3, m.LastSlot)
	w.str(4, m.LastSlotHash)
	w.varint(5, m.ObservedStake)
	w.varint(6, uint64(m.ShredVersion))
	return w.buf
}

func decodeHeaviestFork(data []byte) (HeaviestForkMessage, error) {
	fields, err := readFields(data)
	if err != nil {
		return HeaviestForkMessage{}, err
	}
	var m HeaviestForkMessage
	for _, f := range fields {
		switch f.tag {
		case 1:
			m.From = string(f.bytes)
		case 2:
			m.Wallclock = f.varint
		case 3:
			m.LastSlot = f.varint
		case 4:
			m.LastSlotHash = string(f.bytes)
		case 5:
			m.ObservedStake = f.varint
		case 6:
			m.ShredVersion = uint32(f.varint)
		}
	}
	return m, nil
}
