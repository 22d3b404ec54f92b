// Package write implements the Write tuple — the single unit of
// mutation every other component in this repo is built from. A Write is
// immutable once constructed; its canonical encoding is what gives the
// Buffer and Database their durable, comparable on-disk representation.
package write

import (
	"fmt"

	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/types"
	"github.com/concourse-go/concourse/pkg/value"
)

// Op is the mutation kind: an assertion or a retraction of (key, value)
// membership for a record. Two Writes with the same (key, value, record)
// but opposite Op cancel in chronological (version) order.
type Op uint8

const (
	Add Op = iota
	Remove
)

func (o Op) String() string {
	if o == Add {
		return "ADD"
	}
	return "REMOVE"
}

// Write is the (type, key, value, record, version) tuple.
// Version is minted by the Engine's global clock and is strictly
// ascending across the whole process.
type Write struct {
	Op      Op
	Key     string
	Value   value.Value
	Record  uint64
	Version uint64
}

// New validates key and value before constructing a Write. Version is
// left to the caller (normally the Engine's clock) since it must be
// assigned under the clock's lock to preserve strict ordering.
func New(op Op, key string, v value.Value, record uint64) (*Write, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, &cerrors.InvalidArgument{Reason: "value must not be nil"}
	}
	if record == 0 {
		return nil, &cerrors.InvalidArgument{Reason: "record must be non-zero"}
	}
	return &Write{Op: op, Key: key, Value: v, Record: record}, nil
}

// ValidateKey enforces the Key entity's shape: non-empty, printable,
// without whitespace, control codes, or the reserved tokens used by the
// (currently out-of-scope) CCL query surface.
func ValidateKey(key string) error {
	if key == "" {
		return &cerrors.InvalidArgument{Reason: "key must not be empty"}
	}
	for _, r := range key {
		switch {
		case r < 0x21 || r == 0x7f:
			return &cerrors.InvalidArgument{Reason: fmt.Sprintf("key contains control/whitespace rune %q", r)}
		case r == ' ' || r == ',' || r == '(' || r == ')' || r == '[' || r == ']' || r == '"' || r == '\'':
			return &cerrors.InvalidArgument{Reason: fmt.Sprintf("key contains reserved token %q", r)}
		}
	}
	return nil
}

// Compare implements the Secondary block's sort order: lexicographic on
// (key, value, record, version).
func (w *Write) Compare(other *Write) int {
	if c := compareStrings(w.Key, other.Key); c != 0 {
		return c
	}
	if c := w.Value.Compare(other.Value); c != 0 {
		return c
	}
	if c := cmpUint64(w.Record, other.Record); c != 0 {
		return c
	}
	return cmpUint64(w.Version, other.Version)
}

// ComparePrimary implements the Primary block's sort order:
// (record, key, version).
func (w *Write) ComparePrimary(other *Write) int {
	if c := cmpUint64(w.Record, other.Record); c != 0 {
		return c
	}
	if c := compareStrings(w.Key, other.Key); c != 0 {
		return c
	}
	return cmpUint64(w.Version, other.Version)
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

var _ types.Comparable = secondaryKey{}

// secondaryKey adapts a *Write to types.Comparable using Secondary
// ordering, so pkg/btree can index Writes directly.
type secondaryKey struct{ w *Write }

func (k secondaryKey) Compare(other types.Comparable) int {
	return k.w.Compare(other.(secondaryKey).w)
}

// AsSecondaryKey wraps w for insertion into a Secondary-ordered index.
func AsSecondaryKey(w *Write) types.Comparable { return secondaryKey{w} }

var _ types.Comparable = primaryKey{}

type primaryKey struct{ w *Write }

func (k primaryKey) Compare(other types.Comparable) int {
	return k.w.ComparePrimary(other.(primaryKey).w)
}

// AsPrimaryKey wraps w for insertion into a Primary-ordered index.
func AsPrimaryKey(w *Write) types.Comparable { return primaryKey{w} }
