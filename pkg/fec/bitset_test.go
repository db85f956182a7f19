package fec

import "testing"

func TestBitSetSetGetClear(t *testing.T) {
	bs := NewBitSet(16)
	if bs.Get(0) || bs.Get(15) {
		t.Fatalf("новый BitSet должен быть весь в нулях")
	}
	bs.Set(0)
	bs.Set(15)
	if !bs.Get(0) || !bs.Get(15) {
		t.Fatalf("Set не выставил ожидаемые биты")
	}
	bs.Clear(0)
	if bs.Get(0) {
		t.Fatalf("Clear не сбросил бит 0")
	}
}

func TestBitSetByteZeroBitSevenIsIndexZero(t *testing.T) {
	bs := NewBitSet(8)
	bs.Set(0)
	if bs.Bytes()[0] != 0x80 {
		t.Fatalf("ожидался байт 0x80 (старший бит первого байта), получено %#x", bs.Bytes()[0])
	}
}

func TestBitSetFromBytesNoCopy(t *testing.T) {
	buf := []byte{0x00, 0x00}
	bs := FromBytes(buf)
	bs.Set(0)
	if buf[0] != 0x80 {
		t.Fatalf("FromBytes должен оборачивать буфер без копирования")
	}
}

func TestBitSetShiftRight(t *testing.T) {
	bs := NewBitSet(8)
	bs.Set(0)
	bs.ShiftRight(1)
	if bs.Get(0) {
		t.Fatalf("бит 0 должен был уйти после сдвига вправо")
	}
	if !bs.Get(1) {
		t.Fatalf("ожидался бит 1 после сдвига вправо на 1")
	}
}

func TestBitSetShiftLeft(t *testing.T) {
	bs := NewBitSet(8)
	bs.Set(1)
	bs.ShiftLeft(1)
	if !bs.Get(0) {
		t.Fatalf("ожидался бит 0 после сдвига влево на 1")
	}
	if bs.Get(1) {
		t.Fatalf("бит 1 должен был уйти после сдвига влево")
	}
}
