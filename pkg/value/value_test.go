package value

import (
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		Bool(true),
		Bool(false),
		Int32(-42),
		Int64(1 << 40),
		Float(3.25),
		Double(-1.5e10),
		String("hello, graph"),
		Tag("status:active"),
		Link(7),
		Timestamp(time.Unix(1700000000, 123456789).UTC()),
	}

	for _, want := range cases {
		t.Run(want.Kind().String(), func(t *testing.T) {
			encoded := want.Encode(nil)
			got, n, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if n != len(encoded) {
				t.Fatalf("consumed %d bytes, want %d", n, len(encoded))
			}
			if got.Compare(want) != 0 {
				t.Fatalf("round trip mismatch: got %v, want %v", got, want)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := [][]byte{
		{},
		{byte(KindBool)},
		{byte(KindInt64), 0, 0, 0},
		{byte(KindString), 0, 0, 0, 5, 'h', 'i'},
		{0xFF},
	}
	for _, b := range cases {
		if _, _, err := Decode(b); err == nil {
			t.Errorf("Decode(%v): expected error, got nil", b)
		}
	}
}

func TestCrossKindPrecedence(t *testing.T) {
	ordered := []Value{
		Bool(true),
		Int32(0),
		Int64(0),
		Float(0),
		Double(0),
		String(""),
		Tag(""),
		Link(0),
		Timestamp(time.Unix(0, 0)),
	}
	for i := 0; i < len(ordered)-1; i++ {
		if ordered[i].Compare(ordered[i+1]) >= 0 {
			t.Fatalf("%s should sort before %s", ordered[i].Kind(), ordered[i+1].Kind())
		}
		if ordered[i+1].Compare(ordered[i]) <= 0 {
			t.Fatalf("%s should sort after %s", ordered[i+1].Kind(), ordered[i].Kind())
		}
	}
}

func TestStringNaturalOrder(t *testing.T) {
	if String("apple").Compare(String("banana")) >= 0 {
		t.Fatal("apple should sort before banana")
	}
	if String("banana").Compare(String("apple")) <= 0 {
		t.Fatal("banana should sort after apple")
	}
	if String("apple").Compare(String("apple")) != 0 {
		t.Fatal("equal strings should compare equal")
	}
}

func TestNumericNaturalOrder(t *testing.T) {
	if Int64(-5).Compare(Int64(5)) >= 0 {
		t.Fatal("-5 should sort before 5")
	}
	if Double(1.1).Compare(Double(1.2)) >= 0 {
		t.Fatal("1.1 should sort before 1.2")
	}
}
