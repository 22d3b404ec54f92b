// Package predicate implements find()'s operator set: an Operator enum
// plus a Condition with Matches/GetStartKey/ShouldSeek, covering
// equality, ordering, BETWEEN, LINKS_TO, and regex operators against
// pkg/value.Value.
package predicate

import (
	"fmt"
	"regexp"

	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/value"
)

type Operator int

const (
	Equal Operator = iota
	NotEqual
	GreaterThan
	GreaterOrEqual
	LessThan
	LessOrEqual
	Between
	LinksTo
	Regex
	NotRegex
)

func (op Operator) String() string {
	switch op {
	case Equal:
		return "="
	case NotEqual:
		return "≠"
	case GreaterThan:
		return ">"
	case GreaterOrEqual:
		return "≥"
	case LessThan:
		return "<"
	case LessOrEqual:
		return "≤"
	case Between:
		return "BETWEEN"
	case LinksTo:
		return "LINKS_TO"
	case Regex:
		return "REGEX"
	case NotRegex:
		return "NOT_REGEX"
	default:
		return fmt.Sprintf("operator(%d)", int(op))
	}
}

// Condition pairs an Operator with its operand(s).
type Condition struct {
	Operator Operator
	Value    value.Value // unary operators, and the lower bound of Between
	ValueEnd value.Value // Between's upper bound
	Pattern  *regexp.Regexp
}

func NewEqual(v value.Value) *Condition           { return &Condition{Operator: Equal, Value: v} }
func NewNotEqual(v value.Value) *Condition        { return &Condition{Operator: NotEqual, Value: v} }
func NewGreaterThan(v value.Value) *Condition     { return &Condition{Operator: GreaterThan, Value: v} }
func NewGreaterOrEqual(v value.Value) *Condition  { return &Condition{Operator: GreaterOrEqual, Value: v} }
func NewLessThan(v value.Value) *Condition        { return &Condition{Operator: LessThan, Value: v} }
func NewLessOrEqual(v value.Value) *Condition     { return &Condition{Operator: LessOrEqual, Value: v} }
func NewLinksTo(record value.Link) *Condition     { return &Condition{Operator: LinksTo, Value: record} }

func NewBetween(lo, hi value.Value) *Condition {
	return &Condition{Operator: Between, Value: lo, ValueEnd: hi}
}

// NewRegex compiles pattern and returns a REGEX/NOT_REGEX condition.
// Fails with *cerrors.InvalidArgument if pattern doesn't compile.
func NewRegex(pattern string, negate bool) (*Condition, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &cerrors.InvalidArgument{Reason: fmt.Sprintf("invalid regex %q: %s", pattern, err)}
	}
	op := Regex
	if negate {
		op = NotRegex
	}
	return &Condition{Operator: op, Pattern: re}, nil
}

// Matches reports whether v satisfies the condition.
func (c *Condition) Matches(v value.Value) bool {
	switch c.Operator {
	case Equal:
		return v.Compare(c.Value) == 0
	case NotEqual:
		return v.Compare(c.Value) != 0
	case GreaterThan:
		return v.Compare(c.Value) > 0
	case GreaterOrEqual:
		return v.Compare(c.Value) >= 0
	case LessThan:
		return v.Compare(c.Value) < 0
	case LessOrEqual:
		return v.Compare(c.Value) <= 0
	case Between:
		return v.Compare(c.Value) >= 0 && v.Compare(c.ValueEnd) <= 0
	case LinksTo:
		link, ok := v.(value.Link)
		return ok && link.Compare(c.Value) == 0
	case Regex:
		s, ok := v.(value.String)
		return ok && c.Pattern.MatchString(string(s))
	case NotRegex:
		s, ok := v.(value.String)
		return ok && !c.Pattern.MatchString(string(s))
	default:
		return false
	}
}

// GetStartKey returns the value a btree.RangeScan should seek to, or nil
// if the operator requires a full scan.
func (c *Condition) GetStartKey() value.Value {
	switch c.Operator {
	case Equal, GreaterThan, GreaterOrEqual, Between, LinksTo:
		return c.Value
	default:
		return nil
	}
}

// GetEndKey returns the value a btree.RangeScan should stop at, or nil if
// the operator is open-ended on the right.
func (c *Condition) GetEndKey() value.Value {
	switch c.Operator {
	case Equal, LinksTo:
		return c.Value
	case Between:
		return c.ValueEnd
	default:
		return nil
	}
}

// ShouldSeek reports whether the operator can be satisfied by seeking
// into an ordered index rather than a full scan.
func (c *Condition) ShouldSeek() bool {
	switch c.Operator {
	case Equal, GreaterThan, GreaterOrEqual, Between, LinksTo:
		return true
	default:
		return false
	}
}
