package rtp

import (
	"encoding/binary"
	"fmt"
)

// Пакет функций в этом файле читает заголовки RTP/RTCP напрямую из байтового
// буфера без промежуточного выделения структуры. Это горячий путь
// транслятора (pkg/relay): каждый принятый буфер классифицируется и
// перенаправляется без копирования полей, которые не меняются.

// RTPVersion читает 2-битную версию из первого байта RTP заголовка.
func RTPVersion(buf []byte, off, length int) (uint8, error) {
	if off < 0 || length < 1 || off+1 > len(buf) {
		return 0, fmt.Errorf("rtp: буфер слишком короткий для версии: %d байт", length)
	}
	return (buf[off] >> 6) & 0x03, nil
}

// RTPHeaderLength возвращает длину фиксированного RTP заголовка в байтах,
// включая список CSRC, без учёта расширения заголовка.
func RTPHeaderLength(buf []byte, off, length int) (int, error) {
	if length < 12 || off+12 > len(buf) {
		return 0, fmt.Errorf("rtp: буфер короче минимального RTP заголовка: %d байт", length)
	}
	cc := int(buf[off] & 0x0F)
	hdrLen := 12 + 4*cc
	if length < hdrLen {
		return 0, fmt.Errorf("rtp: буфер короче заголовка с %d CSRC: %d байт", cc, length)
	}
	return hdrLen, nil
}

// RTPSeq читает 16-битный номер последовательности (байты 2-3).
func RTPSeq(buf []byte, off, length int) (uint16, error) {
	if length < 4 || off+4 > len(buf) {
		return 0, fmt.Errorf("rtp: буфер слишком короткий для sequence number")
	}
	return binary.BigEndian.Uint16(buf[off+2 : off+4]), nil
}

// RTPTimestampField читает 32-битный RTP timestamp (байты 4-7).
func RTPTimestampField(buf []byte, off, length int) (uint32, error) {
	if length < 8 || off+8 > len(buf) {
		return 0, fmt.Errorf("rtp: буфер слишком короткий для timestamp")
	}
	return binary.BigEndian.Uint32(buf[off+4 : off+8]), nil
}

// RTPSSRC читает 32-битный SSRC (байты 8-11).
func RTPSSRC(buf []byte, off, length int) (uint32, error) {
	if length < 12 || off+12 > len(buf) {
		return 0, fmt.Errorf("rtp: буфер слишком короткий для SSRC")
	}
	return binary.BigEndian.Uint32(buf[off+8 : off+12]), nil
}

// RTPPayloadType читает 7-битный payload type и флаг marker из байта 1.
func RTPPayloadType(buf []byte, off, length int) (pt uint8, marker bool, err error) {
	if length < 2 || off+2 > len(buf) {
		return 0, false, fmt.Errorf("rtp: буфер слишком короткий для PT/marker")
	}
	b := buf[off+1]
	return b & 0x7F, b&0x80 != 0, nil
}

// RTPSetPayloadType переписывает 7-битный payload type в байте 1, сохраняя
// старший бит (marker) без изменений. Используется транслятором при
// перемаппинге PT между пирами (§4.8 п.4 спецификации фан-аута).
func RTPSetPayloadType(buf []byte, off, length int, pt uint8) error {
	if length < 2 || off+2 > len(buf) {
		return fmt.Errorf("rtp: буфер слишком короткий для записи PT")
	}
	buf[off+1] = (buf[off+1] & 0x80) | (pt & 0x7F)
	return nil
}

// RTPSetSeq переписывает 16-битный sequence number (байты 2-3). Используется
// ULPFEC-отправителем для перенумерации потока, когда FEC-слоты исключаются
// из наблюдаемой получателем последовательности (§4.6).
func RTPSetSeq(buf []byte, off, length int, seq uint16) error {
	if length < 4 || off+4 > len(buf) {
		return fmt.Errorf("rtp: буфер слишком короткий для записи sequence number")
	}
	binary.BigEndian.PutUint16(buf[off+2:off+4], seq)
	return nil
}

// RTPCSRCCount возвращает число CSRC identifiers (4 бита байта 0).
func RTPCSRCCount(buf []byte, off, length int) (uint8, error) {
	if length < 1 || off+1 > len(buf) {
		return 0, fmt.Errorf("rtp: буфер слишком короткий для CC")
	}
	return buf[off] & 0x0F, nil
}

// RTPIsValid проверяет минимальные инварианты валидного RTP пакета:
// версия == 2 и общая длина >= 12 + 4*CC.
func RTPIsValid(buf []byte, off, length int) bool {
	ver, err := RTPVersion(buf, off, length)
	if err != nil || ver != 2 {
		return false
	}
	cc, err := RTPCSRCCount(buf, off, length)
	if err != nil {
		return false
	}
	return length >= 12+4*int(cc)
}

// RTCPLengthBytes читает 16-битное поле length (в 32-битных словах минус
// один) по смещению off+2 и возвращает итоговую длину в байтах:
// (words+1)*4.
func RTCPLengthBytes(buf []byte, off, length int) (int, error) {
	if length < 4 || off+4 > len(buf) {
		return 0, fmt.Errorf("rtcp: буфер слишком короткий для length")
	}
	words := binary.BigEndian.Uint16(buf[off+2 : off+4])
	return (int(words) + 1) * 4, nil
}

// RTCPVersion читает версию RTCP заголовка.
func RTCPVersion(buf []byte, off, length int) (uint8, error) {
	if length < 1 || off+1 > len(buf) {
		return 0, fmt.Errorf("rtcp: буфер слишком короткий для версии")
	}
	return (buf[off] >> 6) & 0x03, nil
}

// RTCPPacketType читает байт PT (байт 1 заголовка).
func RTCPPacketType(buf []byte, off, length int) (uint8, error) {
	if length < 2 || off+2 > len(buf) {
		return 0, fmt.Errorf("rtcp: буфер слишком короткий для PT")
	}
	return buf[off+1], nil
}

// RTCPReportCount читает 5-битное поле RC/FMT (младшие биты байта 0).
func RTCPReportCount(buf []byte, off, length int) (uint8, error) {
	if length < 1 || off+1 > len(buf) {
		return 0, fmt.Errorf("rtcp: буфер слишком короткий для RC/FMT")
	}
	return buf[off] & 0x1F, nil
}

// RTCPSenderSSRC читает SSRC отправителя (байты 4-7), присутствующий во
// всех поддерживаемых типах sub-пакетов этого ядра.
func RTCPSenderSSRC(buf []byte, off, length int) (uint32, error) {
	if length < 8 || off+8 > len(buf) {
		return 0, fmt.Errorf("rtcp: буфер слишком короткий для sender SSRC")
	}
	return binary.BigEndian.Uint32(buf[off+4 : off+8]), nil
}

// RTCPIsValid проверяет version==2 и length>=8, согласно §4.1.
func RTCPIsValid(buf []byte, off, length int) bool {
	ver, err := RTCPVersion(buf, off, length)
	if err != nil || ver != 2 {
		return false
	}
	return length >= 8
}

// SeqCompare — модулярный компаратор 16-битных номеров последовательности
// (§4.1). Возвращает 0 при равенстве, иначе знак разности (a-b) mod 2^16,
// интерпретированной как знаковое число в [-2^15, 2^15). Компаратор
// корректен только для окон, не превышающих 2^15; вызывающий код должен
// сам соблюдать это ограничение — при ровно 2^15 результат не определён
// переполнением знака и тестируется только на согласованность с самим
// собой в обратную сторону (см. §8 п.6).
func SeqCompare(a, b uint16) int {
	if a == b {
		return 0
	}
	diff := int16(a - b)
	if diff > 0 {
		return 1
	}
	return -1
}

// SeqLess возвращает true, если a предшествует b в модулярном порядке.
func SeqLess(a, b uint16) bool {
	return SeqCompare(a, b) < 0
}
