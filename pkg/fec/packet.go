package fec

import (
	"encoding/binary"
	"fmt"

	softrtp "github.com/arzzra/soft_phone/pkg/rtp"
)

// MediaPacket is a lightweight view over one media RTP packet as retained
// by the FEC receiver's bounded buffers (§4.5, §3 "Media packets"). It
// keeps a copy of the wire bytes so recovered packets can be reconstructed
// byte-for-byte.
type MediaPacket struct {
	Seq     uint16
	SSRC    uint32
	Raw     []byte // full RTP packet, header + payload
	Header8 [8]byte
	Payload []byte
}

// NewMediaPacket parses the fields the FEC layer needs out of a raw RTP
// buffer, using the byte-level accessors from pkg/rtp (component A).
func NewMediaPacket(raw []byte) (MediaPacket, error) {
	if !softrtp.RTPIsValid(raw, 0, len(raw)) {
		return MediaPacket{}, fmt.Errorf("fec: пакет не является валидным RTP")
	}
	hdrLen, err := softrtp.RTPHeaderLength(raw, 0, len(raw))
	if err != nil {
		return MediaPacket{}, err
	}
	if len(raw) < 8 {
		return MediaPacket{}, fmt.Errorf("fec: пакет короче 8 байт заголовка")
	}
	seq, err := softrtp.RTPSeq(raw, 0, len(raw))
	if err != nil {
		return MediaPacket{}, err
	}
	ssrc, err := softrtp.RTPSSRC(raw, 0, len(raw))
	if err != nil {
		return MediaPacket{}, err
	}
	mp := MediaPacket{Seq: seq, SSRC: ssrc, Raw: append([]byte(nil), raw...)}
	copy(mp.Header8[:], raw[:8])
	mp.Payload = mp.Raw[hdrLen:]
	return mp, nil
}

// ULPFECPacket — упрощённая ULPFEC полезная нагрузка согласно §3/§4.6:
// XOR первых 8 байт RTP заголовка, 2-байтный length-recovery, payload
// XOR'ов и маска sequence number (16 или 48 бит) относительно базового
// sequence number. Укладка в RTP-пакет: [RTP заголовок 12 байт][base_seq
// u16][mask 2 или 6 байт][length_recovery u16][header_recovery 8
// байт][payload...].
type ULPFECPacket struct {
	SSRC             uint32
	SeqNumber        uint16
	Timestamp        uint32
	PayloadType      uint8
	BaseSeq          uint16
	Mask             []byte // 2 (16-бит) или 6 (48-бит) байт
	HeaderRecovery   [8]byte
	LengthRecovery   uint16
	Payload          []byte // XOR payload, длина = protection-length
}

// ProtectedSeqs разворачивает маску Mask в список защищённых sequence
// number относительно BaseSeq. Маска big-endian, бит с индексом 0 (самый
// старший бит первого байта) соответствует дельте 0, т.е. самому BaseSeq.
func (p *ULPFECPacket) ProtectedSeqs() []uint16 {
	bits := len(p.Mask) * 8
	bs := FromBytes(p.Mask)
	var out []uint16
	for i := 0; i < bits; i++ {
		if bs.Get(i) {
			out = append(out, p.BaseSeq+uint16(i))
		}
	}
	return out
}

// Marshal кодирует ULPFEC пакет как полноценный RTP пакет (12-байтный
// заголовок + FEC-специфичные поля).
func (p *ULPFECPacket) Marshal() ([]byte, error) {
	fecLen := 2 + len(p.Mask) + 2 + 8 + len(p.Payload)
	data := make([]byte, 12+fecLen)

	data[0] = 2 << 6 // version=2, padding=0, extension=0, CC=0
	data[1] = p.PayloadType & 0x7F
	binary.BigEndian.PutUint16(data[2:4], p.SeqNumber)
	binary.BigEndian.PutUint32(data[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(data[8:12], p.SSRC)

	off := 12
	binary.BigEndian.PutUint16(data[off:off+2], p.BaseSeq)
	off += 2
	off += copy(data[off:], p.Mask)
	binary.BigEndian.PutUint16(data[off:off+2], p.LengthRecovery)
	off += 2
	off += copy(data[off:], p.HeaderRecovery[:])
	copy(data[off:], p.Payload)
	return data, nil
}

// Unmarshal декодирует ULPFEC пакет; maskLen — ожидаемая длина маски (2
// или 6 байт), согласованная заранее (из негоциации профиля).
func (p *ULPFECPacket) Unmarshal(data []byte, maskLen int) error {
	if len(data) < 12 {
		return fmt.Errorf("fec: ULPFEC пакет короче RTP заголовка")
	}
	seq, err := softrtp.RTPSeq(data, 0, len(data))
	if err != nil {
		return err
	}
	ts, err := softrtp.RTPTimestampField(data, 0, len(data))
	if err != nil {
		return err
	}
	ssrc, err := softrtp.RTPSSRC(data, 0, len(data))
	if err != nil {
		return err
	}
	pt, _, err := softrtp.RTPPayloadType(data, 0, len(data))
	if err != nil {
		return err
	}
	minLen := 12 + 2 + maskLen + 2 + 8
	if len(data) < minLen {
		return fmt.Errorf("fec: partial FEC пакет: protection-length короче length-recovery")
	}
	p.SeqNumber, p.Timestamp, p.SSRC, p.PayloadType = seq, ts, ssrc, pt

	off := 12
	p.BaseSeq = binary.BigEndian.Uint16(data[off : off+2])
	off += 2
	p.Mask = append([]byte(nil), data[off:off+maskLen]...)
	off += maskLen
	p.LengthRecovery = binary.BigEndian.Uint16(data[off : off+2])
	off += 2
	copy(p.HeaderRecovery[:], data[off:off+8])
	off += 8
	p.Payload = append([]byte(nil), data[off:]...)
	return nil
}

// FlexFEC03Packet — фиксированный 20-байтный заголовок FlexFEC-03 плюс
// переменная маска (§3, §4.7). Как и ULPFEC, несёт XOR первых 8 байт
// защищённых RTP заголовков (header_recovery, покрывает seq/timestamp
// восстанавливаемого пакета) и XOR длин payload (length_recovery), без
// которых шаг 4 §4.5 (single-loss reconstruction) невозможен.
type FlexFEC03Packet struct {
	SSRC           uint32
	SeqNumber      uint16
	Timestamp      uint32
	PayloadType    uint8
	ProtectedSSRC  uint32
	BaseSeq        uint16
	Mask           []byte // 2, 6 или 14 байт, см. pkg/fec flexmask.go
	HeaderRecovery [8]byte
	LengthRecovery uint16
	Payload        []byte // XOR payload, длина = protection-length
}

// ProtectedSeqs декодирует маску FlexFEC через DecodeFlexMask (§4.7).
func (p *FlexFEC03Packet) ProtectedSeqs() []uint16 {
	seqs, _, err := DecodeFlexMask(p.BaseSeq, p.Mask)
	if err != nil {
		return nil
	}
	return seqs
}

// Marshal кодирует FlexFEC-03: RTP заголовок (12) + R/F/P/X/CC/M/PT
// reserved byte(1) + length_recovery(2) + header_recovery(8) + SSRCCount(1)
// + reserved(2) + protected SSRC(4) + SN base(2) + mask(var) + payload.
// Этот пакет реализует только минимальный подмножество заголовка,
// необходимое для одного защищённого медиа-SSRC (retransmission bit всегда
// 0 — не реализован; Unmarshal возвращает ErrNotSupported при выставленном R).
func (p *FlexFEC03Packet) Marshal() ([]byte, error) {
	fixed := 20
	data := make([]byte, 12+fixed+len(p.Mask)+len(p.Payload))
	data[0] = 2 << 6
	data[1] = p.PayloadType & 0x7F
	binary.BigEndian.PutUint16(data[2:4], p.SeqNumber)
	binary.BigEndian.PutUint32(data[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(data[8:12], p.SSRC)

	off := 12
	data[off] = 0 // R=0,F=0,P=0,X=0,CC=0,M=0,PT reserved bits: not used by this core
	off++
	binary.BigEndian.PutUint16(data[off:off+2], p.LengthRecovery)
	off += 2
	off += copy(data[off:], p.HeaderRecovery[:])
	data[off] = 1 // SSRCCount = 1 (single protected SSRC; >1 is not-supported, §7)
	off++
	off += 2 // reserved
	binary.BigEndian.PutUint32(data[off:off+4], p.ProtectedSSRC)
	off += 4
	binary.BigEndian.PutUint16(data[off:off+2], p.BaseSeq)
	off += 2
	off += copy(data[off:], p.Mask)
	copy(data[off:], p.Payload)
	return data, nil
}

// Unmarshal декодирует FlexFEC-03 и возвращает ErrNotSupported, если
// retransmission bit установлен или SSRCCount != 1 (§7 not-supported).
func (p *FlexFEC03Packet) Unmarshal(data []byte) error {
	if len(data) < 32 {
		return fmt.Errorf("fec: FlexFEC пакет короче фиксированного заголовка")
	}
	seq, err := softrtp.RTPSeq(data, 0, len(data))
	if err != nil {
		return err
	}
	ts, err := softrtp.RTPTimestampField(data, 0, len(data))
	if err != nil {
		return err
	}
	ssrc, err := softrtp.RTPSSRC(data, 0, len(data))
	if err != nil {
		return err
	}
	pt, _, err := softrtp.RTPPayloadType(data, 0, len(data))
	if err != nil {
		return err
	}
	p.SeqNumber, p.Timestamp, p.SSRC, p.PayloadType = seq, ts, ssrc, pt

	off := 12
	flagsByte := data[off]
	if flagsByte&0x80 != 0 { // R bit: retransmission
		return ErrNotSupported
	}
	off++
	p.LengthRecovery = binary.BigEndian.Uint16(data[off : off+2])
	off += 2
	copy(p.HeaderRecovery[:], data[off:off+8])
	off += 8
	ssrcCount := int(data[off])
	if ssrcCount != 1 {
		return ErrNotSupported
	}
	off++
	off += 2 // reserved
	p.ProtectedSSRC = binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	p.BaseSeq = binary.BigEndian.Uint16(data[off : off+2])
	off += 2

	_, maskLen, merr := DecodeFlexMask(p.BaseSeq, data[off:])
	if merr != nil {
		return merr
	}
	p.Mask = append([]byte(nil), data[off:off+maskLen]...)
	off += maskLen
	p.Payload = append([]byte(nil), data[off:]...)
	return nil
}

// ErrNotSupported corresponds to the spec's "not-supported" error kind
// (§7): FlexFEC retransmission bit set, or more than one protected SSRC.
var ErrNotSupported = fmt.Errorf("fec: функция не поддерживается этим ядром")
