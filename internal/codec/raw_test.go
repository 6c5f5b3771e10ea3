package codec

import "testing"

func TestRead10PackRoundTrip(t *testing.T) {
	const width = 16
	row := make([]uint16, width)
	for i := range row {
		row[i] = uint16(i*61+7) & 0x3FF
	}

	// Build the unordered [even || odd] array PackRow10 expects, and
	// the RAW10 buffer it should produce.
	interleaved := toEvenOddHalves(row)

	stride := 10 * width / 8
	dst := make([]byte, stride)
	n := PackRow10(interleaved, dst)
	if n != stride {
		t.Fatalf("PackRow10 wrote %d bytes, want %d", n, stride)
	}

	for x := 0; x < width; x++ {
		got := Read10(dst, x, 0, stride)
		if got != row[x] {
			t.Fatalf("Read10(x=%d) = %d, want %d", x, got, row[x])
		}
	}
}

func TestRead12PackRoundTrip(t *testing.T) {
	const width = 16
	row := make([]uint16, width)
	for i := range row {
		row[i] = uint16(i*211+13) & 0xFFF
	}

	interleaved := toEvenOddHalves(row)

	stride := 12 * width / 8
	dst := make([]byte, stride)
	n := PackRow12(interleaved, dst)
	if n != stride {
		t.Fatalf("PackRow12 wrote %d bytes, want %d", n, stride)
	}

	for x := 0; x < width; x++ {
		got := Read12(dst, x, 0, stride)
		if got != row[x] {
			t.Fatalf("Read12(x=%d) = %d, want %d", x, got, row[x])
		}
	}
}

func TestRead16Direct(t *testing.T) {
	stride := 4
	data := []byte{0x34, 0x12, 0xCD, 0xAB}
	if got := Read16(data, 0, 0, stride); got != 0x1234 {
		t.Fatalf("Read16(x=0) = %#x, want 0x1234", got)
	}
	if got := Read16(data, 1, 0, stride); got != 0xABCD {
		t.Fatalf("Read16(x=1) = %#x, want 0xABCD", got)
	}
}

// toEvenOddHalves rearranges a sequential row into the
// [row_even || row_odd] layout PackRow10/12 expect, mirroring what
// internal/transform does when column-splitting during binning.
func toEvenOddHalves(row []uint16) []uint16 {
	half := len(row) / 2
	out := make([]uint16, len(row))
	for i := 0; i < half; i++ {
		out[i] = row[2*i]
		out[half+i] = row[2*i+1]
	}
	return out
}
