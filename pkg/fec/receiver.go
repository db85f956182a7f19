package fec

import (
	"fmt"

	softrtp "github.com/arzzra/soft_phone/pkg/rtp"
)

// MediaBufSize and FecBufSize are the bounded-buffer capacities per media
// SSRC mandated by §4.5 (N=64 media packets, M=32 FEC packets).
const (
	MediaBufSize = 64
	FecBufSize   = 32
)

// FECKind distinguishes the two FEC flavours the receiver understands; the
// protected-set decode and the fixed-field layout differ between them.
type FECKind int

const (
	KindULPFEC FECKind = iota
	KindFlexFEC03
)

// pendingFEC wraps one held FEC packet together with the kind needed to
// re-derive its protected set on every pass.
type pendingFEC struct {
	seq  uint16
	kind FECKind
	ulp  *ULPFECPacket
	flex *FlexFEC03Packet
}

func (p *pendingFEC) protectedSeqs() []uint16 {
	if p.kind == KindULPFEC {
		return p.ulp.ProtectedSeqs()
	}
	return p.flex.ProtectedSeqs()
}

// Receiver recovers lost media packets from ULPFEC or FlexFEC-03 streams for
// one media SSRC (§4.5). It retains bounded history of recent media and FEC
// packets and attempts recovery whenever exactly one protected packet is
// missing.
type Receiver struct {
	mediaSSRC uint32
	ulpMaskLen int // negotiated ULPFEC mask length in bytes (2 or 6)

	media    map[uint16]MediaPacket
	mediaSeq []uint16 // insertion order, for eviction

	fec    map[uint16]*pendingFEC
	fecSeq []uint16
}

// NewReceiver creates a FEC receiver for mediaSSRC. ulpMaskLen is the
// negotiated ULPFEC mask width (2 or 6 bytes); it has no effect on FlexFEC-03
// packets, whose mask width is self-describing.
func NewReceiver(mediaSSRC uint32, ulpMaskLen int) *Receiver {
	return &Receiver{
		mediaSSRC:  mediaSSRC,
		ulpMaskLen: ulpMaskLen,
		media:      make(map[uint16]MediaPacket),
		fec:        make(map[uint16]*pendingFEC),
	}
}

// evictOldest picks the entry with the smallest sequence number under the
// modular comparator (§4.1) and returns it together with the remaining entries.
func evictOldest(seqs []uint16) (victim uint16, rest []uint16) {
	victim = seqs[0]
	idx := 0
	for i, s := range seqs[1:] {
		if softrtp.SeqLess(s, victim) {
			victim = s
			idx = i + 1
		}
	}
	rest = append(seqs[:idx], seqs[idx+1:]...)
	return victim, rest
}

func (r *Receiver) insertMedia(mp MediaPacket) {
	if _, exists := r.media[mp.Seq]; !exists {
		r.mediaSeq = append(r.mediaSeq, mp.Seq)
	}
	r.media[mp.Seq] = mp
	if len(r.mediaSeq) > MediaBufSize {
		victim, rest := evictOldest(r.mediaSeq)
		delete(r.media, victim)
		r.mediaSeq = rest
	}
}

func (r *Receiver) insertFEC(p *pendingFEC) {
	if _, exists := r.fec[p.seq]; !exists {
		r.fecSeq = append(r.fecSeq, p.seq)
	}
	r.fec[p.seq] = p
	if len(r.fecSeq) > FecBufSize {
		victim, rest := evictOldest(r.fecSeq)
		delete(r.fec, victim)
		r.fecSeq = rest
	}
}

// ProcessULPFEC ingests one ULPFEC RTP buffer. It is discarded with an error
// if "partial" per §4.5 (protection-length shorter than length-recovery is
// caught by Unmarshal's minLen check).
func (r *Receiver) ProcessULPFEC(raw []byte) error {
	p := &ULPFECPacket{}
	if err := p.Unmarshal(raw, r.ulpMaskLen); err != nil {
		return fmt.Errorf("fec: отброшен partial ULPFEC пакет: %w", err)
	}
	r.insertFEC(&pendingFEC{seq: p.SeqNumber, kind: KindULPFEC, ulp: p})
	return nil
}

// ProcessFlexFEC ingests one FlexFEC-03 RTP buffer.
func (r *Receiver) ProcessFlexFEC(raw []byte) error {
	p := &FlexFEC03Packet{}
	if err := p.Unmarshal(raw); err != nil {
		return fmt.Errorf("fec: отброшен FlexFEC пакет: %w", err)
	}
	r.insertFEC(&pendingFEC{seq: p.SeqNumber, kind: KindFlexFEC03, flex: p})
	return nil
}

// ProcessMedia ingests one media RTP buffer belonging to this SSRC.
func (r *Receiver) ProcessMedia(raw []byte) error {
	mp, err := NewMediaPacket(raw)
	if err != nil {
		return err
	}
	r.insertMedia(mp)
	return nil
}

// Recover sweeps every held FEC packet and attempts reconstruction of
// exactly-one-missing protected sets (§4.5 steps 2-5). Recovered media
// packets are inserted into media[] and returned to the caller, who is
// responsible for feeding them onward as if they had arrived off the wire.
func (r *Receiver) Recover() []MediaPacket {
	var recovered []MediaPacket

	for _, seq := range append([]uint16(nil), r.fecSeq...) {
		p, ok := r.fec[seq]
		if !ok {
			continue
		}
		protected := p.protectedSeqs()

		var missing uint16
		absentCount := 0
		for _, s := range protected {
			if _, present := r.media[s]; !present {
				absentCount++
				missing = s
			}
		}

		switch {
		case absentCount == 0:
			r.removeFEC(seq)
		case absentCount == 1:
			mp, err := r.reconstruct(p, protected, missing)
			if err != nil {
				// Malformed recovery field (short payload handled inside
				// reconstruct); drop the FEC packet rather than retry
				// forever.
				r.removeFEC(seq)
				continue
			}
			r.insertMedia(mp)
			recovered = append(recovered, mp)
			r.removeFEC(seq)
		default:
			// Leave pending; eviction policy governs eventual drop.
		}
	}
	return recovered
}

func (r *Receiver) removeFEC(seq uint16) {
	delete(r.fec, seq)
	for i, s := range r.fecSeq {
		if s == seq {
			r.fecSeq = append(r.fecSeq[:i], r.fecSeq[i+1:]...)
			break
		}
	}
}

// reconstruct XORs the FEC packet's recovery fields against the present
// protected media packets, per §4.5 step 4. Payloads shorter than the
// recovered length are treated as zero-padded for the missing bytes.
func (r *Receiver) reconstruct(p *pendingFEC, protected []uint16, missing uint16) (MediaPacket, error) {
	var header8 [8]byte
	var lengthRecov uint16
	var payloadXOR []byte

	switch p.kind {
	case KindULPFEC:
		header8 = p.ulp.HeaderRecovery
		lengthRecov = p.ulp.LengthRecovery
		payloadXOR = append([]byte(nil), p.ulp.Payload...)
	case KindFlexFEC03:
		header8 = p.flex.HeaderRecovery
		lengthRecov = p.flex.LengthRecovery
		payloadXOR = append([]byte(nil), p.flex.Payload...)
	}

	for _, s := range protected {
		if s == missing {
			continue
		}
		mp, ok := r.media[s]
		if !ok {
			continue
		}
		for i := 0; i < 8 && i < len(mp.Raw); i++ {
			header8[i] ^= mp.Raw[i]
		}
		lengthRecov ^= uint16(len(mp.Payload))
		for i, b := range mp.Payload {
			if i >= len(payloadXOR) {
				break
			}
			payloadXOR[i] ^= b
		}
	}

	payload := payloadXOR
	if int(lengthRecov) < len(payload) {
		payload = payload[:lengthRecov]
	}

	raw := make([]byte, 12+len(payload))
	copy(raw[:8], header8[:])
	raw[0] = (raw[0] &^ 0xC0) | (2 << 6) // version = 10b, per §4.5 step 4
	raw[2] = byte(missing >> 8)
	raw[3] = byte(missing)
	raw[8] = byte(r.mediaSSRC >> 24)
	raw[9] = byte(r.mediaSSRC >> 16)
	raw[10] = byte(r.mediaSSRC >> 8)
	raw[11] = byte(r.mediaSSRC)
	copy(raw[12:], payload)

	copy(header8[:], raw[:8])
	return MediaPacket{
		Seq:     missing,
		SSRC:    r.mediaSSRC,
		Raw:     raw,
		Header8: header8,
		Payload: raw[12:],
	}, nil
}
