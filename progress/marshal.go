package progress

import (
	"github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
)

// The on-disk format is a hand-written, protobuf-wire-compatible
// tag/length/value encoding: each field is (tag<<3|wireType) varint,
// followed by either a varint value or a length-delimited byte string.
// Unknown tags are skipped on read, giving the forward-compatibility
// spec.md §6 requires ("unknown fields are ignored by readers") without
// needing a schema compiler.
const (
	wireVarint = 0
	wireBytes  = 2
)

type fieldWriter struct {
	buf []byte
}

func (w *fieldWriter) putVarint(tag uint32, v uint64) {
	w.buf = append(w.buf, proto.EncodeVarint(uint64(tag)<<3|wireVarint)...)
	w.buf = append(w.buf, proto.EncodeVarint(v)...)
}

func (w *fieldWriter) putBytes(tag uint32, b []byte) {
	w.buf = append(w.buf, proto.EncodeVarint(uint64(tag)<<3|wireBytes)...)
	w.buf = append(w.buf, proto.EncodeVarint(uint64(len(b)))...)
	w.buf = append(w.buf, b...)
}

func (w *fieldWriter) putString(tag uint32, s string) { w.putBytes(tag, []byte(s)) }

func (w *fieldWriter) putMessage(tag uint32, m []byte) { w.putBytes(tag, m) }

// putPackedVarints encodes a repeated uint64 field the way protobuf packs
// a repeated numeric field: one length-delimited value holding consecutive
// varints.
func (w *fieldWriter) putPackedVarints(tag uint32, vs []uint64) {
	var packed []byte
	for _, v := range vs {
		packed = append(packed, proto.EncodeVarint(v)...)
	}
	w.putBytes(tag, packed)
}

type wireField struct {
	tag    uint32
	wire   byte
	varint uint64
	bytes  []byte
}

func readFields(data []byte) ([]wireField, error) {
	var fields []wireField
	i := 0
	for i < len(data) {
		key, n := proto.DecodeVarint(data[i:])
		if n == 0 {
			return nil, errors.New("progress: truncated field key")
		}
		i += n
		tag := uint32(key >> 3)
		wire := byte(key & 0x7)
		switch wire {
		case wireVarint:
			v, n := proto.DecodeVarint(data[i:])
			if n == 0 {
				return nil, errors.New("progress: truncated varint field")
			}
			i += n
			fields = append(fields, wireField{tag: tag, wire: wire, varint: v})
		case wireBytes:
			l, n := proto.DecodeVarint(data[i:])
			if n == 0 {
				return nil, errors.New("progress: truncated length field")
			}
			i += n
			end := i + int(l)
			if end < i || end > len(data) {
				return nil, errors.New("progress: truncated payload")
			}
			fields = append(fields, wireField{tag: tag, wire: wire, bytes: data[i:end]})
			i = end
		default:
			return nil, errors.Errorf("progress: unsupported wire type %d for tag %d", wire, tag)
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
			return nil, errors.New("progress: truncated packed varint")
		}
		out = append(out, v)
		i += n
	}
	return out, nil
}

// --- LastVotedForkSlotsRecord ---

func (r *LastVotedForkSlotsRecord) marshal() []byte {
	w := &fieldWriter{}
	w.putPackedVarints(1, r.LastVotedForkSlots)
	w.putString(2, r.LastVoteBankhash)
	w.putVarint(3, uint64(r.ShredVersion))
	w.putVarint(4, r.Wallclock)
	return w.buf
}

func unmarshalLastVotedForkSlotsRecord(data []byte) (*LastVotedForkSlotsRecord, error) {
	fields, err := readFields(data)
	if err != nil {
		return nil, err
	}
	r := &LastVotedForkSlotsRecord{}
	for _, f := range fields {
		switch f.tag {
		case 1:
			slots, err := unpackVarints(f.bytes)
			if err != nil {
				return nil, err
			}
			r.LastVotedForkSlots = slots
		case 2:
			r.LastVoteBankhash = string(f.bytes)
		case 3:
			r.ShredVersion = uint32(f.varint)
		case 4:
			r.Wallclock = f.varint
		}
	}
	return r, nil
}

// --- EpochInfoRecord ---

func (e *EpochInfoRecord) marshal() []byte {
	w := &fieldWriter{}
	w.putVarint(1, e.Epoch)
	w.putVarint(2, e.TotalStake)
	w.putVarint(3, e.ActivelyVotingStake)
	w.putVarint(4, e.ActivelyVotingForThisEpochStake)
	return w.buf
}

func unmarshalEpochInfoRecord(data []byte) (EpochInfoRecord, error) {
	fields, err := readFields(data)
	if err != nil {
		return EpochInfoRecord{}, err
	}
	var e EpochInfoRecord
	for _, f := range fields {
		switch f.tag {
		case 1:
			e.Epoch = f.varint
		case 2:
			e.TotalStake = f.varint
		case 3:
			e.ActivelyVotingStake = f.varint
		case 4:
			e.ActivelyVotingForThisEpochStake = f.varint
		}
	}
	return e, nil
}

// --- LastVotedForkSlotsAggregateFinal ---

func (f *LastVotedForkSlotsAggregateFinal) marshal() []byte {
	w := &fieldWriter{}
	for slot, stake := range f.SlotsStakeMap {
		entry := &fieldWriter{}
		entry.putVarint(1, slot)
		entry.putVarint(2, stake)
		w.putMessage(1, entry.buf)
	}
	for _, ei := range f.EpochInfos {
		w.putMessage(2, ei.marshal())
	}
	return w.buf
}

func unmarshalLastVotedForkSlotsAggregateFinal(data []byte) (*LastVotedForkSlotsAggregateFinal, error) {
	fields, err := readFields(data)
	if err != nil {
		return nil, err
	}
	out := &LastVotedForkSlotsAggregateFinal{SlotsStakeMap: map[uint64]uint64{}}
	for _, f := range fields {
		switch f.tag {
		case 1:
			entryFields, err := readFields(f.bytes)
			if err != nil {
				return nil, err
			}
			var slot, stake uint64
			for _, ef := range entryFields {
				switch ef.tag {
				case 1:
					slot = ef.varint
				case 2:
					stake = ef.varint
				}
			}
			out.SlotsStakeMap[slot] = stake
		case 2:
			ei, err := unmarshalEpochInfoRecord(f.bytes)
			if err != nil {
				return nil, err
			}
			out.EpochInfos = append(out.EpochInfos, ei)
		}
	}
	return out, nil
}

// --- LastVotedForkSlotsAggregateRecord ---

func (a *LastVotedForkSlotsAggregateRecord) marshal() []byte {
	w := &fieldWriter{}
	for peer, rec := range a.ReceivedRecords {
		entry := &fieldWriter{}
		entry.putString(1, peer)
		r := rec
		entry.putMessage(2, r.marshal())
		w.putMessage(1, entry.buf)
	}
	if a.Final != nil {
		w.putMessage(2, a.Final.marshal())
	}
	return w.buf
}

func unmarshalLastVotedForkSlotsAggregateRecord(data []byte) (*LastVotedForkSlotsAggregateRecord, error) {
	fields, err := readFields(data)
	if err != nil {
		return nil, err
	}
	out := &LastVotedForkSlotsAggregateRecord{ReceivedRecords: map[string]LastVotedForkSlotsRecord{}}
	for _, f := range fields {
		switch f.tag {
		case 1:
			entryFields, err := readFields(f.bytes)
			if err != nil {
				return nil, err
			}
			var peer string
			var rec *LastVotedForkSlotsRecord
			for _, ef := range entryFields {
				switch ef.tag {
				case 1:
					peer = string(ef.bytes)
				case 2:
					rec, err = unmarshalLastVotedForkSlotsRecord(ef.bytes)
					if err != nil {
						return nil, err
					}
				}
			}
			if rec != nil {
				out.ReceivedRecords[peer] = *rec
			}
		case 2:
			fin, err := unmarshalLastVotedForkSlotsAggregateFinal(f.bytes)
			if err != nil {
				return nil, err
			}
			out.Final = fin
		}
	}
	return out, nil
}

// --- HeaviestForkRecord ---

func (h *HeaviestForkRecord) marshal() []byte {
	w := &fieldWriter{}
	w.putVarint(1, h.Slot)
	w.putString(2, h.BankHash)
	w.putVarint(3, h.TotalActiveStake)
	w.putVarint(4, uint64(h.ShredVersion))
	w.putVarint(5, h.Wallclock)
	w.putString(6, h.From)
	return w.buf
}

func unmarshalHeaviestForkRecord(data []byte) (*HeaviestForkRecord, error) {
	fields, err := readFields(data)
	if err != nil {
		return nil, err
	}
	h := &HeaviestForkRecord{}
	for _, f := range fields {
		switch f.tag {
		case 1:
			h.Slot = f.varint
		case 2:
			h.BankHash = string(f.bytes)
		case 3:
			h.TotalActiveStake = f.varint
		case 4:
			h.ShredVersion = uint32(f.varint)
		case 5:
			h.Wallclock = f.varint
		case 6:
			h.From = string(f.bytes)
		}
	}
	return h, nil
}

// --- HeaviestForkAggregateRecord ---

func (a *HeaviestForkAggregateRecord) marshal() []byte {
	w := &fieldWriter{}
	for _, r := range a.Received {
		rr := r
		w.putMessage(1, rr.marshal())
	}
	w.putVarint(2, a.TotalActiveStake)
	return w.buf
}

func unmarshalHeaviestForkAggregateRecord(data []byte) (*HeaviestForkAggregateRecord, error) {
	fields, err := readFields(data)
	if err != nil {
		return nil, err
	}
	out := &HeaviestForkAggregateRecord{}
	for _, f := range fields {
		switch f.tag {
		case 1:
			r, err := unmarshalHeaviestForkRecord(f.bytes)
			if err != nil {
				return nil, err
			}
			out.Received = append(out.Received, *r)
		case 2:
			out.TotalActiveStake = f.varint
		}
	}
	return out, nil
}

// --- GenerateSnapshotRecord ---

func (s *GenerateSnapshotRecord) marshal() []byte {
	w := &fieldWriter{}
	w.putVarint(1, s.Slot)
	w.putString(2, s.BankHash)
	w.putString(3, s.Path)
	w.putVarint(4, uint64(s.ShredVersion))
	return w.buf
}

func unmarshalGenerateSnapshotRecord(data []byte) (*GenerateSnapshotRecord, error) {
	fields, err := readFields(data)
	if err != nil {
		return nil, err
	}
	s := &GenerateSnapshotRecord{}
	for _, f := range fields {
		switch f.tag {
		case 1:
			s.Slot = f.varint
		case 2:
			s.BankHash = string(f.bytes)
		case 3:
			s.Path = string(f.bytes)
		case 4:
			s.ShredVersion = uint32(f.varint)
		}
	}
	return s, nil
}

// --- Progress (top-level) ---

// Marshal serializes the progress record to its on-disk wire form.
func (p *Progress) Marshal() ([]byte, error) {
	w := &fieldWriter{}
	w.putVarint(1, uint64(p.State))
	if p.MyLastVotedForkSlots != nil {
		w.putMessage(2, p.MyLastVotedForkSlots.marshal())
	}
	if p.LastVotedForkSlotsAggregate != nil {
		w.putMessage(3, p.LastVotedForkSlotsAggregate.marshal())
	}
	if p.MyHeaviestFork != nil {
		w.putMessage(4, p.MyHeaviestFork.marshal())
	}
	if p.CoordinatorHeaviestFork != nil {
		w.putMessage(5, p.CoordinatorHeaviestFork.marshal())
	}
	if p.HeaviestForkAggregate != nil {
		w.putMessage(6, p.HeaviestForkAggregate.marshal())
	}
	if p.MySnapshot != nil {
		w.putMessage(7, p.MySnapshot.marshal())
	}
	for peer, pair := range p.ConflictMessage {
		entry := &fieldWriter{}
		entry.putString(1, peer)
		if pair.OldLastVotedForkSlots != nil {
			entry.putMessage(2, pair.OldLastVotedForkSlots.marshal())
		}
		if pair.NewLastVotedForkSlots != nil {
			entry.putMessage(3, pair.NewLastVotedForkSlots.marshal())
		}
		if pair.OldHeaviestFork != nil {
			entry.putMessage(4, pair.OldHeaviestFork.marshal())
		}
		if pair.NewHeaviestFork != nil {
			entry.putMessage(5, pair.NewHeaviestFork.marshal())
		}
		w.putMessage(8, entry.buf)
	}
	return w.buf, nil
}

// Unmarshal deserializes a progress record previously produced by Marshal.
// Unknown tags are ignored, giving the format forward compatibility.
func (p *Progress) Unmarshal(data []byte) error {
	fields, err := readFields(data)
	if err != nil {
		return errors.Wrap(err, "progress: unmarshal")
	}
	*p = Progress{}
	for _, f := range fields {
		switch f.tag {
		case 1:
			p.State = State(f.varint)
		case 2:
			r, err := unmarshalLastVotedForkSlotsRecord(f.bytes)
			if err != nil {
				return err
			}
			p.MyLastVotedForkSlots = r
		case 3:
			a, err := unmarshalLastVotedForkSlotsAggregateRecord(f.bytes)
			if err != nil {
				return err
			}
			p.LastVotedForkSlotsAggregate = a
		case 4:
			h, err := unmarshalHeaviestForkRecord(f.bytes)
			if err != nil {
				return err
			}
			p.MyHeaviestFork = h
		case 5:
			h, err := unmarshalHeaviestForkRecord(f.bytes)
			if err != nil {
				return err
			}
			p.CoordinatorHeaviestFork = h
		case 6:
			a, err := unmarshalHeaviestForkAggregateRecord(f.bytes)
			if err != nil {
				return err
			}
			p.HeaviestForkAggregate = a
		case 7:
			s, err := unmarshalGenerateSnapshotRecord(f.bytes)
			if err != nil {
				return err
			}
			p.MySnapshot = s
		case 8:
			entryFields, err := readFields(f.bytes)
			if err != nil {
				return err
			}
			var peer string
			var pair ConflictPair
			for _, ef := range entryFields {
				switch ef.tag {
				case 1:
					peer = string(ef.bytes)
				case 2:
					r, err := unmarshalLastVotedForkSlotsRecord(ef.bytes)
					if err != nil {
						return err
					}
					pair.OldLastVotedForkSlots = r
				case 3:
					r, err := unmarshalLastVotedForkSlotsRecord(ef.bytes)
					if err != nil {
						return err
					}
					pair.NewLastVotedForkSlots = r
				case 4:
					h, err := unmarshalHeaviestForkRecord(ef.bytes)
					if err != nil {
						return err
					}
					pair.OldHeaviestFork = h
				case 5:
					h, err := unmarshalHeaviestForkRecord(ef.bytes)
					if err != nil {
						return err
					}
					pair.NewHeaviestFork = h
				}
			}
			if p.ConflictMessage == nil {
				p.ConflictMessage = map[string]ConflictPair{}
			}
			p.ConflictMessage[peer] = pair
		}
	}
	return nil
}
