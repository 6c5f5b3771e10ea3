package rawbuffer

import "testing"

func TestMetadataRoundTrip(t *testing.T) {
	in := Metadata{
		TimestampUnixNano: 1700000000123456789,
		ExposureNs:        8333333,
		ISO:               800,
		WhiteBalanceR:     1.92,
		WhiteBalanceG:     1.0,
		WhiteBalanceB:     1.64,
		Vendor:            []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}

	data, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var out Metadata
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}

	if out.TimestampUnixNano != in.TimestampUnixNano ||
		out.ExposureNs != in.ExposureNs ||
		out.ISO != in.ISO ||
		out.WhiteBalanceR != in.WhiteBalanceR ||
		out.WhiteBalanceG != in.WhiteBalanceG ||
		out.WhiteBalanceB != in.WhiteBalanceB {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
	if string(out.Vendor) != string(in.Vendor) {
		t.Fatalf("vendor blob mismatch: got %v, want %v", out.Vendor, in.Vendor)
	}
}

func TestValidateInvariants(t *testing.T) {
	b := New(RAW10, 16, 8, 1<<20)
	if err := b.Validate(); err != nil {
		t.Fatalf("expected valid buffer, got %v", err)
	}

	b.Width = 15
	if err := b.Validate(); err == nil {
		t.Fatalf("expected error for odd width")
	}
}

func TestSlabPoolRefusesOverCeiling(t *testing.T) {
	pool := NewSlabPool(1024)

	buf1, ok := pool.Acquire(RAW10, 16, 8, 700)
	if !ok || buf1 == nil {
		t.Fatalf("expected first acquire to succeed")
	}

	_, ok = pool.Acquire(RAW10, 16, 8, 700)
	if ok {
		t.Fatalf("expected second acquire to be refused over the ceiling")
	}
	if pool.Refused() != 1 {
		t.Fatalf("expected 1 refusal, got %d", pool.Refused())
	}

	pool.Discard(buf1)
	if pool.Outstanding() != 0 {
		t.Fatalf("expected 0 outstanding after discard, got %d", pool.Outstanding())
	}

	if _, ok := pool.Acquire(RAW10, 16, 8, 700); !ok {
		t.Fatalf("expected acquire to succeed after discard freed capacity")
	}
}
