package fec

import (
	"fmt"
	"sync"

	softrtp "github.com/arzzra/soft_phone/pkg/rtp"
)

// MaxRate — верхняя граница конфигурируемой частоты ULPFEC, R ∈ [0,16]
// (§4.6). R=0 отключает FEC.
const MaxRate = 16

// Sender — ULPFEC-отправитель на один медиа SSRC (§4.6). Хранит
// "work-in-progress" FEC пакет и счётчик сложенных медиа-пакетов.
//
// Важная оговорка источника (§9): перенумерация sequence number
// (orig+fec_emitted) предполагает, что дальше по конвейеру пакеты не будут
// переупорядочены — если это не так, получатель увидит разрывы в
// последовательности, не совпадающие с реальными потерями. Sender не
// проверяет это сам; вызывающий код должен гарантировать отсутствие
// переупорядочивания между этим компонентом и проводом. sender_test.go
// проверяет саму перенумерацию orig+emitted; сценария с переупорядочиванием
// в нём нет.
type Sender struct {
	mu        sync.Mutex
	mediaSSRC uint32
	fecPT     uint8
	rate      int
	emitted   uint64

	active      bool
	baseSeq     uint16
	lastSeq     uint16
	lastTS      uint32
	count       int
	header8     [8]byte
	lengthRecov uint16
	maxPayload  int
	payloadXOR  []byte
}

// NewSender создаёт ULPFEC-отправитель для mediaSSRC. rate=0 отключает FEC.
func NewSender(mediaSSRC uint32, fecPT uint8, rate int) (*Sender, error) {
	if rate < 0 || rate > MaxRate {
		return nil, fmt.Errorf("fec: rate вне диапазона [0,%d]: %d", MaxRate, rate)
	}
	return &Sender{mediaSSRC: mediaSSRC, fecPT: fecPT, rate: rate}, nil
}

// Process принимает исходящий медиа-пакет, переписывает его sequence
// number на orig+emitted и складывает его в WIP FEC-пакет. Возвращает
// переписанный пакет и, если счётчик достиг configured rate, завершённый
// FEC-пакет для передачи следом.
func (s *Sender) Process(raw []byte) (rewritten []byte, fecPkt *ULPFECPacket, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rate == 0 {
		return raw, nil, nil
	}

	seq, err := softrtp.RTPSeq(raw, 0, len(raw))
	if err != nil {
		return nil, nil, err
	}
	ts, err := softrtp.RTPTimestampField(raw, 0, len(raw))
	if err != nil {
		return nil, nil, err
	}
	hdrLen, err := softrtp.RTPHeaderLength(raw, 0, len(raw))
	if err != nil {
		return nil, nil, err
	}

	newSeq := seq + uint16(s.emitted)
	out := append([]byte(nil), raw...)
	if serr := softrtp.RTPSetSeq(out, 0, len(out), newSeq); serr != nil {
		return nil, nil, serr
	}

	if !s.active {
		s.active = true
		s.baseSeq = newSeq
		s.count = 0
		s.maxPayload = 0
		s.lengthRecov = 0
		s.payloadXOR = nil
		for i := range s.header8 {
			s.header8[i] = 0
		}
	}

	for i := 0; i < 8 && i < len(out); i++ {
		s.header8[i] ^= out[i]
	}
	payload := out[hdrLen:]
	if len(payload) > s.maxPayload {
		grown := make([]byte, len(payload))
		copy(grown, s.payloadXOR)
		s.payloadXOR = grown
		s.maxPayload = len(payload)
	}
	for i, b := range payload {
		s.payloadXOR[i] ^= b
	}
	s.lengthRecov ^= uint16(len(payload))

	s.lastSeq = newSeq
	s.lastTS = ts
	s.count++
	s.emitted += 0 // emitted increments only when a FEC packet is actually finalized below

	if s.count < s.rate {
		return out, nil, nil
	}

	fecPkt = s.finalize()
	s.emitted++
	return out, fecPkt, nil
}

// finalize строит законченный ULPFEC пакет из накопленного WIP состояния и
// сбрасывает его.
func (s *Sender) finalize() *ULPFECPacket {
	n := s.count
	mask := NewBitSet(16)
	// Маска = ((1<<N)-1) << (16-N): в big-endian (leftmost-bit-first)
	// представлении это ровно N старших бит, т.е. биты с индексом 0..N-1,
	// что покрывает base..base+N-1 — предполагает непрерывные sequence
	// number начиная с base, как того требует §4.6.
	for i := 0; i < n; i++ {
		mask.Set(i)
	}

	p := &ULPFECPacket{
		SSRC:           s.mediaSSRC,
		PayloadType:    s.fecPT,
		SeqNumber:      s.lastSeq + 1,
		Timestamp:      s.lastTS,
		BaseSeq:        s.baseSeq,
		Mask:           mask.Bytes(),
		HeaderRecovery: s.header8,
		LengthRecovery: s.lengthRecov,
		Payload:        s.payloadXOR,
	}

	s.active = false
	s.count = 0
	return p
}
