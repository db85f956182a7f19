package fec

import "fmt"

// FlexFEC-03 packet mask tiers (§4.7): 2, 6 or 14 bytes, with k-bit
// terminators at absolute bit positions 0, 16 and 48 within the mask
// field. A `0` k-bit means "mask continues"; the last applicable tier's
// k-bit is `1`.
const (
	flexMaskSize1 = 2  // bytes, covers delta 0..14
	flexMaskSize2 = 6  // bytes, covers delta 0..45
	flexMaskSize3 = 14 // bytes, covers delta 0..108

	maskK0Pos = 0
	maskK1Pos = 16
	maskK2Pos = 48
)

// ErrMaskRangeExceeded is returned when the protected set spans more than
// 108 sequence numbers past the base — beyond what the largest FlexFEC-03
// mask tier (14 bytes) can address.
var ErrMaskRangeExceeded = fmt.Errorf("fec: protected range exceeds largest FlexFEC mask tier")

// chooseMaskSize picks the smallest tier that can address delta D = max -
// base, per the table in §4.7.
func chooseMaskSize(maxDelta int) (int, error) {
	switch {
	case maxDelta <= 14:
		return flexMaskSize1, nil
	case maxDelta <= 45:
		return flexMaskSize2, nil
	case maxDelta <= 108:
		return flexMaskSize3, nil
	default:
		return 0, ErrMaskRangeExceeded
	}
}

// deltaToMaskBit maps a linear delta index i (0-based, relative to base)
// to its absolute bit position within a mask of the given size, after the
// k-bit terminators at positions 0/16/48 have been spliced in. This is the
// closed-form equivalent of "shift right by 1 from MASK_0_START, then by 1
// more from MASK_1_START, then by 1 more from MASK_2_START" described in
// §4.7: each splice uniformly pushes every bit at or after its insertion
// point one position further right.
func deltaToMaskBit(i, size int) int {
	pos := i + 1 // splice at position 0 always applies
	if size >= flexMaskSize2 && pos >= maskK1Pos {
		pos++
	}
	if size == flexMaskSize3 && pos >= maskK2Pos {
		pos++
	}
	return pos
}

// maskBitToDelta is the inverse of deltaToMaskBit.
func maskBitToDelta(pos, size int) int {
	if size == flexMaskSize3 && pos > maskK2Pos {
		pos--
	}
	if size >= flexMaskSize2 && pos > maskK1Pos {
		pos--
	}
	return pos - 1
}

// EncodeFlexMask builds a FlexFEC-03 packet mask covering the given
// protected sequence numbers relative to base. Returns the smallest tier
// (2, 6 or 14 bytes) that fits.
func EncodeFlexMask(base uint16, protected []uint16) ([]byte, error) {
	maxDelta := 0
	for _, seq := range protected {
		d := int(int32(int32(seq) - int32(base)))
		if d < 0 {
			d += 1 << 16
		}
		if d > maxDelta {
			maxDelta = d
		}
	}
	size, err := chooseMaskSize(maxDelta)
	if err != nil {
		return nil, err
	}

	bs := NewBitSet(size * 8)
	for _, seq := range protected {
		d := int(int32(int32(seq) - int32(base)))
		if d < 0 {
			d += 1 << 16
		}
		bs.Set(deltaToMaskBit(d, size))
	}

	// Terminators: the last applicable tier's k-bit is 1, earlier tiers'
	// k-bits stay 0 ("mask continues").
	switch size {
	case flexMaskSize1:
		bs.Set(maskK0Pos)
	case flexMaskSize2:
		bs.Clear(maskK0Pos)
		bs.Set(maskK1Pos)
	case flexMaskSize3:
		bs.Clear(maskK0Pos)
		bs.Clear(maskK1Pos)
		bs.Set(maskK2Pos)
	}

	return bs.Bytes(), nil
}

// DecodeFlexMask determines the mask tier by scanning the k-bits at the
// start of raw, then returns every protected sequence number (base + i)
// and the number of bytes the mask occupied.
func DecodeFlexMask(base uint16, raw []byte) (protected []uint16, size int, err error) {
	if len(raw) < flexMaskSize1 {
		return nil, 0, fmt.Errorf("fec: mask buffer shorter than minimum tier")
	}
	bs0 := FromBytes(raw[:flexMaskSize1])
	if bs0.Get(maskK0Pos) {
		size = flexMaskSize1
	} else if len(raw) >= flexMaskSize2 {
		bs1 := FromBytes(raw[:flexMaskSize2])
		if bs1.Get(maskK1Pos) {
			size = flexMaskSize2
		} else if len(raw) >= flexMaskSize3 {
			size = flexMaskSize3
		} else {
			return nil, 0, fmt.Errorf("fec: mask buffer too short for tier-3")
		}
	} else {
		return nil, 0, fmt.Errorf("fec: mask buffer too short for tier-2")
	}

	bs := FromBytes(raw[:size])
	for pos := 0; pos < size*8; pos++ {
		if pos == maskK0Pos || (size >= flexMaskSize2 && pos == maskK1Pos) ||
			(size == flexMaskSize3 && pos == maskK2Pos) {
			continue
		}
		if bs.Get(pos) {
			delta := maskBitToDelta(pos, size)
			protected = append(protected, base+uint16(delta))
		}
	}
	return protected, size, nil
}
