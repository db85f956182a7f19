package rtp

import (
	"encoding/binary"
)

// tccMaxDeltaTicks caps a single delta at ±8191 250µs ticks before the
// packet must be split across reports (§4.2).
const tccMaxDeltaTicks = 8191

// Transport-wide Congestion Control feedback (RTPFB, FMT=15), per
// draft-holmer-rmcat-transport-wide-cc-extensions-01. Grounded on the
// wire-format diagram reproduced by the pion/rtcp-derived reference
// (_examples/other_examples, khuangyl-rtcp transport_layer_cc.go): base
// sequence, packet-status-count, a 24-bit reference time in 64ms units, an
// 8-bit feedback packet count, a run of packet-status chunks, then a run of
// per-packet receive deltas.

// TCCSymbol — состояние одного пакета в отчёте TCC.
type TCCSymbol uint8

const (
	TCCNotReceived  TCCSymbol = 0
	TCCSmallDelta   TCCSymbol = 1
	TCCLargeDelta   TCCSymbol = 2
	TCCReservedSym  TCCSymbol = 3
)

// TCCPacketResult — итог разбора для одного пакета транспортного потока.
type TCCPacketResult struct {
	Symbol TCCSymbol
	// DeltaTicks — дельта прибытия в единицах 250 мкс; валидна только при
	// Symbol == TCCSmallDelta или TCCLargeDelta.
	DeltaTicks int32
}

// TCCPacket — транспортно-широкий отчёт о congestion control.
type TCCPacket struct {
	SenderSSRC          uint32
	MediaSSRC           uint32
	BaseSequenceNumber  uint16
	ReferenceTime64ms    uint32 // 24-бит, единицы по 64 мс
	FeedbackPacketCount uint8
	// Results — по одному элементу на пакет, начиная с BaseSequenceNumber.
	Results []TCCPacketResult
}

func (t *TCCPacket) Header() RTCPHeader {
	return RTCPHeader{Version: 2, Count: FMTTCC, PacketType: RTCPTypeRTPFB}
}

const maxRunLength = (1 << 13) - 1

// symbolRuns группирует Results в пары (symbol, count) для run-length
// кодирования без потери порядка.
func symbolRuns(results []TCCPacketResult) [][2]int {
	var runs [][2]int
	for _, r := range results {
		s := int(r.Symbol)
		if len(runs) > 0 && runs[len(runs)-1][0] == s {
			runs[len(runs)-1][1]++
			continue
		}
		runs = append(runs, [2]int{s, 1})
	}
	return runs
}

// Marshal кодирует TCC пакет: заголовок + FCI (base/count/reference
// time/fb count), пакует статусы в run-length/vector chunks, затем
// записывает delta поток.
func (t *TCCPacket) Marshal() ([]byte, error) {
	var chunks []byte
	var deltas []byte

	runs := symbolRuns(t.Results)
	i := 0
	for i < len(runs) {
		sym, count := runs[i][0], runs[i][1]
		// Достаточно длинный однородный прогон кодируем run-length чанком;
		// иначе складываем в vector-chunk по 7 двухбитных символов.
		if count >= 8 {
			for count > 0 {
				n := count
				if n > maxRunLength {
					n = maxRunLength
				}
				chunks = append(chunks, encodeRunLengthChunk(uint8(sym), uint16(n))...)
				count -= n
			}
			i++
			continue
		}

		// Собираем до 7 символов (возможно из нескольких соседних runs) в
		// один двухбитный vector chunk.
		var symbols []uint8
		for len(symbols) < 7 && i < len(runs) {
			s, c := runs[i][0], runs[i][1]
			if c >= 8 && len(symbols) > 0 {
				break // оставим длинный прогон для run-length чанка
			}
			take := c
			if take > 7-len(symbols) {
				take = 7 - len(symbols)
			}
			for k := 0; k < take; k++ {
				symbols = append(symbols, uint8(s))
			}
			runs[i][1] -= take
			if runs[i][1] == 0 {
				i++
			}
		}
		chunks = append(chunks, encodeVectorChunk(symbols)...)
	}

	for _, r := range t.Results {
		switch r.Symbol {
		case TCCSmallDelta:
			deltas = append(deltas, uint8(r.DeltaTicks))
		case TCCLargeDelta:
			d := make([]byte, 2)
			binary.BigEndian.PutUint16(d, uint16(int16(r.DeltaTicks)))
			deltas = append(deltas, d...)
		}
	}

	fciLen := 8 + len(chunks) + len(deltas)
	total := 12 + fciLen
	pad := (4 - total%4) % 4
	total += pad

	data := make([]byte, total)
	hdr := t.Header()
	hdr.Length = uint16(total/4 - 1)
	data[0] = (hdr.Version << 6) | (hdr.Count & 0x1F)
	data[1] = hdr.PacketType
	binary.BigEndian.PutUint16(data[2:4], hdr.Length)
	binary.BigEndian.PutUint32(data[4:8], t.SenderSSRC)
	binary.BigEndian.PutUint32(data[8:12], t.MediaSSRC)
	binary.BigEndian.PutUint16(data[12:14], t.BaseSequenceNumber)
	binary.BigEndian.PutUint16(data[14:16], uint16(len(t.Results)))
	data[16] = byte(t.ReferenceTime64ms >> 16)
	data[17] = byte(t.ReferenceTime64ms >> 8)
	data[18] = byte(t.ReferenceTime64ms)
	data[19] = t.FeedbackPacketCount
	off := 20
	off += copy(data[off:], chunks)
	copy(data[off:], deltas)
	return data, nil
}

// Unmarshal декодирует TCC. Чтение чанков останавливается ровно по
// достижении packet_status_count декодированных пакетов (§8 п.3).
func (t *TCCPacket) Unmarshal(data []byte) error {
	if len(data) < 20 {
		return errPacketTooShort
	}
	if data[0]&0x1F != FMTTCC || data[1] != RTCPTypeRTPFB {
		return errWrongFormat
	}
	length, err := RTCPLengthBytes(data, 0, len(data))
	if err != nil || length > len(data) {
		return errPacketTooShort
	}
	t.SenderSSRC = binary.BigEndian.Uint32(data[4:8])
	t.MediaSSRC = binary.BigEndian.Uint32(data[8:12])
	t.BaseSequenceNumber = binary.BigEndian.Uint16(data[12:14])
	count := binary.BigEndian.Uint16(data[14:16])
	t.ReferenceTime64ms = uint32(data[16])<<16 | uint32(data[17])<<8 | uint32(data[18])
	t.FeedbackPacketCount = data[19]

	t.Results = t.Results[:0]
	off := 20
	for len(t.Results) < int(count) {
		if off+2 > length {
			return errPacketTooShort
		}
		symbols, err := decodeChunk(data[off : off+2])
		if err != nil {
			return err
		}
		off += 2
		for _, s := range symbols {
			if len(t.Results) >= int(count) {
				break
			}
			t.Results = append(t.Results, TCCPacketResult{Symbol: s})
		}
	}

	for i := range t.Results {
		switch t.Results[i].Symbol {
		case TCCSmallDelta:
			if off+1 > length {
				return errPacketTooShort
			}
			t.Results[i].DeltaTicks = int32(data[off])
			off++
		case TCCLargeDelta:
			if off+2 > length {
				return errPacketTooShort
			}
			t.Results[i].DeltaTicks = int32(int16(binary.BigEndian.Uint16(data[off : off+2])))
			off += 2
		}
	}
	return nil
}

func encodeRunLengthChunk(symbol uint8, run uint16) []byte {
	v := (uint16(symbol) & 0x03) << 13
	v |= run & maxRunLength
	chunk := make([]byte, 2)
	binary.BigEndian.PutUint16(chunk, v)
	return chunk
}

// encodeVectorChunk кодирует до 7 двухбитных символов в один vector chunk
// (top bit = 1, второй бит S=1 => 2-битные символы). Недостающие слоты
// заполняются TCCNotReceived — они не относятся к packet_status_count и
// декодер их отбрасывает.
func encodeVectorChunk(symbols []uint8) []byte {
	v := uint16(1)<<15 | uint16(1)<<14 // T=1, S=typeSymbolSizeTwoBit
	for i := 0; i < 7; i++ {
		var s uint16
		if i < len(symbols) {
			s = uint16(symbols[i])
		}
		v |= s << uint(12-2*i)
	}
	chunk := make([]byte, 2)
	binary.BigEndian.PutUint16(chunk, v)
	return chunk
}

// decodeChunk разбирает один 16-битный packet-status chunk и возвращает
// символы в порядке появления.
func decodeChunk(raw []byte) ([]TCCSymbol, error) {
	if len(raw) != 2 {
		return nil, errPacketTooShort
	}
	v := binary.BigEndian.Uint16(raw)
	isVector := v&(1<<15) != 0
	if !isVector {
		symbol := TCCSymbol((v >> 13) & 0x03)
		run := v & maxRunLength
		out := make([]TCCSymbol, run)
		for i := range out {
			out[i] = symbol
		}
		return out, nil
	}

	twoBit := v&(1<<14) != 0
	if !twoBit {
		out := make([]TCCSymbol, 14)
		for i := 0; i < 14; i++ {
			bit := (v >> uint(13-i)) & 0x01
			if bit != 0 {
				out[i] = TCCSmallDelta
			} else {
				out[i] = TCCNotReceived
			}
		}
		return out, nil
	}

	out := make([]TCCSymbol, 7)
	for i := 0; i < 7; i++ {
		sym := (v >> uint(12-2*i)) & 0x03
		out[i] = TCCSymbol(sym)
	}
	return out, nil
}

// NewTCCPacket строит TCC отчёт из наблюдений прихода пакетов.
// arrivalsMs[i] == nil означает, что пакет baseSeq+i не был получен.
// Таймстемпы получены в миллисекундах; внутреннее представление — единицы
// по 250 мкс (shift left 2). Время отсчёта выравнивается вниз до кратного
// 64 мс перед кодированием. Возвращает errTCCDeltaOverflow, если дельта
// между последовательными полученными пакетами не помещается в ±8191
// тиков — в этом случае вызывающий код должен разбить отчёт на несколько
// пакетов.
func NewTCCPacket(senderSSRC, mediaSSRC uint32, baseSeq uint16, fbCount uint8, arrivalsMs []*int64) (*TCCPacket, error) {
	p := &TCCPacket{
		SenderSSRC:          senderSSRC,
		MediaSSRC:           mediaSSRC,
		BaseSequenceNumber:  baseSeq,
		FeedbackPacketCount: fbCount,
	}

	var firstMs *int64
	for _, a := range arrivalsMs {
		if a != nil {
			firstMs = a
			break
		}
	}
	refMs := int64(0)
	if firstMs != nil {
		refMs = (*firstMs / 64) * 64
		if *firstMs < 0 && *firstMs%64 != 0 {
			refMs -= 64
		}
	}
	p.ReferenceTime64ms = uint32(refMs / 64)

	lastMs := refMs
	for _, a := range arrivalsMs {
		if a == nil {
			p.Results = append(p.Results, TCCPacketResult{Symbol: TCCNotReceived})
			continue
		}
		deltaMs := *a - lastMs
		ticks := deltaMs * 4
		if ticks < -tccMaxDeltaTicks || ticks > tccMaxDeltaTicks {
			return nil, errTCCDeltaOverflow
		}
		if ticks >= 0 && ticks <= 255 {
			p.Results = append(p.Results, TCCPacketResult{Symbol: TCCSmallDelta, DeltaTicks: int32(ticks)})
		} else {
			p.Results = append(p.Results, TCCPacketResult{Symbol: TCCLargeDelta, DeltaTicks: int32(ticks)})
		}
		lastMs = *a
	}
	return p, nil
}
