package fec

import (
	"encoding/binary"
	"reflect"
	"testing"
)

// buildRTP собирает минимальный валидный RTP пакет с заданными полями — для
// использования во всех тестах этого пакета.
func buildRTP(seq uint16, ts uint32, ssrc uint32, pt uint8, payload []byte) []byte {
	buf := make([]byte, 12+len(payload))
	buf[0] = 2 << 6
	buf[1] = pt & 0x7F
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ts)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
	copy(buf[12:], payload)
	return buf
}

func TestNewMediaPacket(t *testing.T) {
	raw := buildRTP(7, 1000, 0xAABBCCDD, 96, []byte{1, 2, 3})
	mp, err := NewMediaPacket(raw)
	if err != nil {
		t.Fatalf("NewMediaPacket: %v", err)
	}
	if mp.Seq != 7 || mp.SSRC != 0xAABBCCDD {
		t.Errorf("seq/ssrc не совпадают: %+v", mp)
	}
	if !reflect.DeepEqual(mp.Payload, []byte{1, 2, 3}) {
		t.Errorf("payload = %v, want [1 2 3]", mp.Payload)
	}
}

func TestULPFECPacketMarshalUnmarshalRoundTrip(t *testing.T) {
	mask := NewBitSet(16)
	mask.Set(0)
	mask.Set(1)
	mask.Set(2)

	p := &ULPFECPacket{
		SSRC:           0x11223344,
		SeqNumber:      50,
		Timestamp:      9000,
		PayloadType:    97,
		BaseSeq:        10,
		Mask:           mask.Bytes(),
		HeaderRecovery: [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		LengthRecovery: 42,
		Payload:        []byte{9, 9, 9, 9},
	}
	raw, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got := &ULPFECPacket{}
	if err := got.Unmarshal(raw, 2); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.SSRC != p.SSRC || got.SeqNumber != p.SeqNumber || got.BaseSeq != p.BaseSeq ||
		got.LengthRecovery != p.LengthRecovery || got.HeaderRecovery != p.HeaderRecovery {
		t.Errorf("round trip исказил поля: %+v", got)
	}
	if !reflect.DeepEqual(got.Payload, p.Payload) {
		t.Errorf("payload round trip: got %v want %v", got.Payload, p.Payload)
	}
}

func TestULPFECProtectedSeqsMapsBitZeroToBase(t *testing.T) {
	mask := NewBitSet(16)
	mask.Set(0)
	mask.Set(1)
	mask.Set(2)
	p := &ULPFECPacket{BaseSeq: 100, Mask: mask.Bytes()}

	got := p.ProtectedSeqs()
	want := []uint16{100, 101, 102}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ProtectedSeqs() = %v, want %v", got, want)
	}
}

func TestFlexFEC03MarshalUnmarshalRoundTrip(t *testing.T) {
	mask, err := EncodeFlexMask(20, []uint16{20, 25, 30})
	if err != nil {
		t.Fatalf("EncodeFlexMask: %v", err)
	}
	p := &FlexFEC03Packet{
		SSRC:          0x55667788,
		SeqNumber:     12,
		Timestamp:     5000,
		PayloadType:   98,
		ProtectedSSRC: 0xAABBCCDD,
		BaseSeq:       20,
		Mask:          mask,
		Payload:       []byte{7, 7, 7},
	}
	raw, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := &FlexFEC03Packet{}
	if err := got.Unmarshal(raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ProtectedSSRC != p.ProtectedSSRC || got.BaseSeq != p.BaseSeq {
		t.Errorf("round trip исказил поля: %+v", got)
	}
	gotSeqs := got.ProtectedSeqs()
	want := []uint16{20, 25, 30}
	if !reflect.DeepEqual(gotSeqs, want) {
		t.Errorf("ProtectedSeqs() = %v, want %v", gotSeqs, want)
	}
}

func TestFlexFEC03UnmarshalRetransmissionBitNotSupported(t *testing.T) {
	mask, _ := EncodeFlexMask(0, []uint16{0})
	p := &FlexFEC03Packet{BaseSeq: 0, Mask: mask, ProtectedSSRC: 1}
	raw, _ := p.Marshal()
	raw[12] |= 0x80 // R bit

	got := &FlexFEC03Packet{}
	if err := got.Unmarshal(raw); err != ErrNotSupported {
		t.Errorf("ожидалась ErrNotSupported, получено: %v", err)
	}
}
