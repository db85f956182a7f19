package fec

import (
	"reflect"
	"testing"
)

func TestChooseMaskSizeBoundaries(t *testing.T) {
	tests := []struct {
		delta int
		want  int
	}{
		{0, flexMaskSize1},
		{14, flexMaskSize1},
		{15, flexMaskSize2},
		{45, flexMaskSize2},
		{46, flexMaskSize3},
		{108, flexMaskSize3},
	}
	for _, tt := range tests {
		size, err := chooseMaskSize(tt.delta)
		if err != nil {
			t.Fatalf("delta=%d: неожиданная ошибка: %v", tt.delta, err)
		}
		if size != tt.want {
			t.Errorf("delta=%d: size=%d, want %d", tt.delta, size, tt.want)
		}
	}
	if _, err := chooseMaskSize(109); err == nil {
		t.Errorf("delta=109 должен превышать самый широкий tier")
	}
}

func TestFlexMaskRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		base      uint16
		protected []uint16
	}{
		{"single tier1", 100, []uint16{100}},
		{"tier1 boundary D=14", 100, []uint16{100, 114}},
		{"tier2 boundary D=15", 100, []uint16{100, 115}},
		{"tier2 boundary D=45", 100, []uint16{100, 145}},
		{"tier3 boundary D=46", 100, []uint16{100, 146}},
		{"tier3 boundary D=108", 100, []uint16{100, 208}},
		{"scattered", 0, []uint16{0, 1, 3, 8, 14}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mask, err := EncodeFlexMask(tt.base, tt.protected)
			if err != nil {
				t.Fatalf("EncodeFlexMask: %v", err)
			}
			got, _, err := DecodeFlexMask(tt.base, mask)
			if err != nil {
				t.Fatalf("DecodeFlexMask: %v", err)
			}
			if !reflect.DeepEqual(got, tt.protected) {
				t.Errorf("round trip = %v, want %v", got, tt.protected)
			}
		})
	}
}

func TestFlexMaskTierSelection(t *testing.T) {
	mask, err := EncodeFlexMask(0, []uint16{14})
	if err != nil || len(mask) != flexMaskSize1 {
		t.Fatalf("D=14 должен уместиться в tier1: len=%d err=%v", len(mask), err)
	}
	mask, err = EncodeFlexMask(0, []uint16{15})
	if err != nil || len(mask) != flexMaskSize2 {
		t.Fatalf("D=15 должен требовать tier2: len=%d err=%v", len(mask), err)
	}
}

func TestDeltaToMaskBitInverse(t *testing.T) {
	for _, size := range []int{flexMaskSize1, flexMaskSize2, flexMaskSize3} {
		maxDelta := size*8 - 4
		for d := 0; d <= maxDelta; d++ {
			pos := deltaToMaskBit(d, size)
			if pos >= size*8 {
				continue
			}
			back := maskBitToDelta(pos, size)
			if back != d {
				t.Errorf("size=%d delta=%d: round trip через позицию %d дал %d", size, d, pos, back)
			}
		}
	}
}
