package write

import (
	"testing"

	"github.com/concourse-go/concourse/pkg/value"
)

func mustWrite(t *testing.T, op Op, key string, v value.Value, record uint64, version uint64) *Write {
	t.Helper()
	w, err := New(op, key, v, record)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Version = version
	return w
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Write{
		mustWrite(t, Add, "name", value.String("ada"), 1, 10),
		mustWrite(t, Remove, "active", value.Bool(true), 2, 11),
		mustWrite(t, Add, "score", value.Int64(-7), 3, 12),
		mustWrite(t, Add, "parent", value.Link(99), 4, 13),
	}

	for _, w := range cases {
		encoded := Encode(w)
		got, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Op != w.Op || got.Key != w.Key || got.Record != w.Record || got.Version != w.Version {
			t.Fatalf("decoded tuple mismatch: got %+v, want %+v", got, w)
		}
		if got.Value.Compare(w.Value) != 0 {
			t.Fatalf("decoded value mismatch: got %v, want %v", got.Value, w.Value)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{2}, // unknown op
		{byte(Add), 0, 0, 0, 0, 0, 0, 0, 1}, // truncated record
		Encode(mustWrite(t, Add, "k", value.String("v"), 1, 1))[:5], // truncated mid-header
	}
	for i, b := range cases {
		if _, err := Decode(b); err == nil {
			t.Errorf("case %d: expected error decoding %v", i, b)
		}
	}
}

func TestCompareSecondaryOrdering(t *testing.T) {
	a := mustWrite(t, Add, "alpha", value.Int64(1), 5, 100)
	b := mustWrite(t, Add, "alpha", value.Int64(2), 5, 101)
	c := mustWrite(t, Add, "beta", value.Int64(0), 5, 102)

	if a.Compare(b) >= 0 {
		t.Fatal("same key, smaller value should sort first")
	}
	if b.Compare(c) >= 0 {
		t.Fatal("alpha should sort before beta regardless of value")
	}
}

func TestComparePrimaryOrdering(t *testing.T) {
	a := mustWrite(t, Add, "z", value.Int64(1), 1, 10)
	b := mustWrite(t, Add, "a", value.Int64(1), 2, 5)

	if a.ComparePrimary(b) >= 0 {
		t.Fatal("smaller record should sort first regardless of key")
	}
}

func TestValidateKeyRejectsReservedTokens(t *testing.T) {
	bad := []string{"", "has space", "a,b", "(x)", "[y]", "\"q\"", "it's"}
	for _, k := range bad {
		if err := ValidateKey(k); err == nil {
			t.Errorf("ValidateKey(%q): expected error", k)
		}
	}
	good := []string{"name", "user:email", "a-b_c.d"}
	for _, k := range good {
		if err := ValidateKey(k); err != nil {
			t.Errorf("ValidateKey(%q): unexpected error %v", k, err)
		}
	}
}
