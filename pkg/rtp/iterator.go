package rtp

import "fmt"

// CompoundIterator — курсор по компаундному RTCP буферу (§4.3). Не
// потокобезопасен: предполагается использование одним вызывающим потоком за
// раз, как и остальной разбор RTCP в этом ядре.
type CompoundIterator struct {
	buf    []byte
	offset int

	lastOffset int
	lastLength int
	hasLast    bool
}

// NewCompoundIterator создаёт итератор по всему буферу buf.
func NewCompoundIterator(buf []byte) *CompoundIterator {
	return &CompoundIterator{buf: buf}
}

// HasNext возвращает true, если оставшийся префикс разбирается как валидный
// заголовок RTCP sub-пакета.
func (it *CompoundIterator) HasNext() bool {
	remaining := len(it.buf) - it.offset
	if remaining < 8 {
		return false
	}
	if !RTCPIsValid(it.buf, it.offset, remaining) {
		return false
	}
	n, err := RTCPLengthBytes(it.buf, it.offset, remaining)
	if err != nil || n > remaining {
		return false
	}
	return true
}

// SubPacket — ссылка на один sub-пакет внутри компаундного буфера.
type SubPacket struct {
	Buf    []byte
	Offset int
	Length int
}

// Bytes возвращает срез, покрывающий этот sub-пакет.
func (s SubPacket) Bytes() []byte {
	return s.Buf[s.Offset : s.Offset+s.Length]
}

// Next возвращает вид следующего sub-пакета и продвигает курсор.
func (it *CompoundIterator) Next() (SubPacket, error) {
	if !it.HasNext() {
		return SubPacket{}, fmt.Errorf("rtcp: итератор исчерпан или буфер повреждён")
	}
	length, err := RTCPLengthBytes(it.buf, it.offset, len(it.buf)-it.offset)
	if err != nil {
		return SubPacket{}, err
	}
	sp := SubPacket{Buf: it.buf, Offset: it.offset, Length: length}
	it.lastOffset, it.lastLength, it.hasLast = it.offset, length, true
	it.offset += length
	return sp, nil
}

// Remove удаляет последний выданный через Next sub-пакет на месте, сдвигая
// хвост буфера влево на его длину. Вызывающий код должен затем усечь общий
// буфер на ту же длину; Remove не меняет len(it.buf) — только его
// содержимое — поскольку Go срезы не могут самостоятельно уменьшить
// исходный массив, на который ссылаются другие срезы.
func (it *CompoundIterator) Remove() (int, error) {
	if !it.hasLast {
		return 0, fmt.Errorf("rtcp: нет sub-пакета для удаления")
	}
	tailStart := it.lastOffset + it.lastLength
	copy(it.buf[it.lastOffset:], it.buf[tailStart:])
	it.offset = it.lastOffset
	removed := it.lastLength
	it.hasLast = false
	return removed, nil
}

// Reset возвращает курсор в начало буфера.
func (it *CompoundIterator) Reset() {
	it.offset = 0
	it.hasLast = false
}
