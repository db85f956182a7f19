package fec

import (
	"testing"
)

func TestNewSenderRejectsOutOfRangeRate(t *testing.T) {
	if _, err := NewSender(1, 97, -1); err == nil {
		t.Errorf("ожидалась ошибка для rate=-1")
	}
	if _, err := NewSender(1, 97, MaxRate+1); err == nil {
		t.Errorf("ожидалась ошибка для rate > MaxRate")
	}
	if _, err := NewSender(1, 97, 0); err != nil {
		t.Errorf("rate=0 (выключено) должен быть валиден: %v", err)
	}
}

func TestSenderDisabledPassesThrough(t *testing.T) {
	s, _ := NewSender(1, 97, 0)
	raw := buildRTP(5, 100, 1, 8, []byte{1, 2})
	out, fecPkt, err := s.Process(raw)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if fecPkt != nil {
		t.Errorf("rate=0 не должен когда-либо производить FEC пакет")
	}
	if string(out) != string(raw) {
		t.Errorf("rate=0 не должен переписывать sequence number")
	}
}

func TestSenderFinalizesAfterRatePacketsAndMasksAllOfThem(t *testing.T) {
	s, err := NewSender(0x1000, 97, 3)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	var fecPkt *ULPFECPacket
	for i, seq := range []uint16{10, 11, 12} {
		raw := buildRTP(seq, 1000+uint32(i), 0x1000, 8, []byte{byte(i), byte(i + 1)})
		out, pkt, err := s.Process(raw)
		if err != nil {
			t.Fatalf("Process(%d): %v", seq, err)
		}
		// До третьего пакета перенумерация не должна менять sequence
		// (emitted=0 ещё не переписан финализацией).
		gotSeq := seqOf(out)
		if gotSeq != seq {
			t.Errorf("пакет %d: seq переписан на %d, ожидалось %d", i, gotSeq, seq)
		}
		if pkt != nil {
			fecPkt = pkt
		}
	}

	if fecPkt == nil {
		t.Fatalf("после rate=3 пакетов ожидался завершённый FEC пакет")
	}
	if fecPkt.BaseSeq != 10 {
		t.Errorf("BaseSeq = %d, want 10", fecPkt.BaseSeq)
	}

	protected := fecPkt.ProtectedSeqs()
	want := []uint16{10, 11, 12}
	if len(protected) != len(want) {
		t.Fatalf("protected = %v, want %v", protected, want)
	}
	for i := range want {
		if protected[i] != want[i] {
			t.Errorf("protected[%d] = %d, want %d", i, protected[i], want[i])
		}
	}
}

func TestSenderRewritesSequenceAfterFirstEmission(t *testing.T) {
	s, _ := NewSender(0x2000, 97, 1)
	raw1 := buildRTP(0, 0, 0x2000, 8, []byte{1})
	out1, pkt1, err := s.Process(raw1)
	if err != nil || pkt1 == nil {
		t.Fatalf("первый пакет должен немедленно завершить FEC слот при rate=1: pkt=%v err=%v", pkt1, err)
	}
	seq1 := seqOf(out1)
	if seq1 != 0 {
		t.Errorf("первый пакет: seq=%d, want 0", seq1)
	}

	raw2 := buildRTP(1, 0, 0x2000, 8, []byte{2})
	out2, _, err := s.Process(raw2)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	seq2 := seqOf(out2)
	if seq2 != 2 {
		t.Errorf("второй исходный пакет должен быть перенумерован в orig+emitted=1+1=2, получено %d", seq2)
	}
}

func seqOf(raw []byte) uint16 {
	return uint16(raw[2])<<8 | uint16(raw[3])
}
