package rtp

import "encoding/binary"

// Header возвращает заголовок RTCP пакета для BYE.
func (b *ByePacket) Header() RTCPHeader {
	return RTCPHeader{
		Version:    2,
		Count:      uint8(len(b.Sources)),
		PacketType: RTCPTypeBYE,
		Length:     uint16(b.len()/4 - 1),
	}
}

func (b *ByePacket) len() int {
	n := 4 + len(b.Sources)*4
	if b.Reason != "" {
		reasonLen := 1 + len(b.Reason)
		n += reasonLen
		if pad := n % 4; pad != 0 {
			n += 4 - pad
		}
	}
	return n
}

// Marshal кодирует BYE пакет в байты.
func (b *ByePacket) Marshal() ([]byte, error) {
	data := make([]byte, b.len())
	hdr := b.Header()
	data[0] = (hdr.Version << 6) | (hdr.Count & 0x1F)
	data[1] = hdr.PacketType
	binary.BigEndian.PutUint16(data[2:4], hdr.Length)
	off := 4
	for _, s := range b.Sources {
		binary.BigEndian.PutUint32(data[off:off+4], s)
		off += 4
	}
	if b.Reason != "" {
		data[off] = byte(len(b.Reason))
		off++
		off += copy(data[off:], b.Reason)
	}
	return data, nil
}

// Unmarshal декодирует BYE пакет из байт.
func (b *ByePacket) Unmarshal(data []byte) error {
	if len(data) < 4 {
		return errPacketTooShort
	}
	count := data[0] & 0x1F
	length, err := RTCPLengthBytes(data, 0, len(data))
	if err != nil || length > len(data) {
		return errPacketTooShort
	}
	b.Sources = b.Sources[:0]
	off := 4
	for i := 0; i < int(count); i++ {
		if off+4 > length {
			return errPacketTooShort
		}
		b.Sources = append(b.Sources, binary.BigEndian.Uint32(data[off:off+4]))
		off += 4
	}
	b.Reason = ""
	if off < length {
		n := int(data[off])
		off++
		if off+n > length {
			return errPacketTooShort
		}
		b.Reason = string(data[off : off+n])
	}
	return nil
}
