// Package fec реализует FEC-подсистему ядра: ULPFEC-отправитель (RFC 5109),
// приёмник восстановления для ULPFEC и FlexFEC-03, и кодек переменной маски
// FlexFEC (§4.5-4.7 спецификации). В пакете нет прямого прообраза в
// teacher-репозитории (arzzra-soft_phone не реализует FEC); стиль кода —
// экспортированные функции над (buf, offset), fmt.Errorf с обёрнутыми
// ошибками — заимствован у pkg/rtp, с которым этот пакет делит заголовочные
// типы разбора.
package fec

// BitSet — "слева направо" битовый набор, как того требует §9 спецификации
// (LeftToRightBitSet): бит с индексом i живёт в байте i/8, маска
// 0x80>>(i%8) — т.е. байт 0, бит 7 (старший) — это индекс 0. Это НЕ
// little-endian индексация.
type BitSet struct {
	bits []byte
	n    int // число адресуемых бит (n из NewBitSet или len(buf)*8 из FromBytes)
}

// NewBitSet создаёт набор из n бит, изначально сброшенных в 0.
func NewBitSet(n int) *BitSet {
	return &BitSet{bits: make([]byte, (n+7)/8), n: n}
}

// FromBytes оборачивает существующий буфер как BitSet из len(buf)*8 бит.
// Буфер не копируется.
func FromBytes(buf []byte) *BitSet {
	return &BitSet{bits: buf, n: len(buf) * 8}
}

// Len возвращает число адресуемых бит.
func (b *BitSet) Len() int { return b.n }

// Bytes возвращает underlying байтовый буфер.
func (b *BitSet) Bytes() []byte { return b.bits }

// Set выставляет бит i в 1.
func (b *BitSet) Set(i int) {
	b.bits[i/8] |= 0x80 >> uint(i%8)
}

// Clear сбрасывает бит i в 0.
func (b *BitSet) Clear(i int) {
	b.bits[i/8] &^= 0x80 >> uint(i%8)
}

// Get возвращает значение бита i.
func (b *BitSet) Get(i int) bool {
	return b.bits[i/8]&(0x80>>uint(i%8)) != 0
}

// ShiftRight сдвигает все биты набора на n позиций вправо (в сторону
// больших индексов) на месте, заполняя освободившиеся старшие позиции
// нулями. Кодек маски FlexFEC (flexmask.go) этот сдвиг не использует —
// позиции k-бит он вычисляет напрямую в deltaToMaskBit.
func (b *BitSet) ShiftRight(n int) {
	if n <= 0 {
		return
	}
	for i := b.n - 1; i >= 0; i-- {
		if i-n >= 0 && b.Get(i-n) {
			b.Set(i)
		} else {
			b.Clear(i)
		}
	}
}

// ShiftLeft сдвигает все биты набора на n позиций влево (в сторону меньших
// индексов) на месте, заполняя освободившиеся младшие позиции нулями.
func (b *BitSet) ShiftLeft(n int) {
	if n <= 0 {
		return
	}
	for i := 0; i < b.n; i++ {
		if i+n < b.n && b.Get(i+n) {
			b.Set(i)
		} else {
			b.Clear(i)
		}
	}
}
