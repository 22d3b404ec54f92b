package predicate

import (
	"testing"

	"github.com/concourse-go/concourse/pkg/value"
)

func TestNumericOperators(t *testing.T) {
	cases := []struct {
		cond  *Condition
		in    value.Value
		match bool
	}{
		{NewEqual(value.Int64(5)), value.Int64(5), true},
		{NewEqual(value.Int64(5)), value.Int64(6), false},
		{NewNotEqual(value.Int64(5)), value.Int64(6), true},
		{NewGreaterThan(value.Int64(5)), value.Int64(6), true},
		{NewGreaterThan(value.Int64(5)), value.Int64(5), false},
		{NewGreaterOrEqual(value.Int64(5)), value.Int64(5), true},
		{NewLessThan(value.Int64(5)), value.Int64(4), true},
		{NewLessOrEqual(value.Int64(5)), value.Int64(5), true},
		{NewBetween(value.Int64(1), value.Int64(10)), value.Int64(5), true},
		{NewBetween(value.Int64(1), value.Int64(10)), value.Int64(11), false},
	}
	for i, c := range cases {
		if got := c.cond.Matches(c.in); got != c.match {
			t.Errorf("case %d (%s): Matches(%v) = %v, want %v", i, c.cond.Operator, c.in, got, c.match)
		}
	}
}

func TestLinksTo(t *testing.T) {
	cond := NewLinksTo(value.Link(42))
	if !cond.Matches(value.Link(42)) {
		t.Fatal("expected LINKS_TO match")
	}
	if cond.Matches(value.Link(43)) {
		t.Fatal("expected LINKS_TO miss")
	}
	if cond.Matches(value.Int64(42)) {
		t.Fatal("LINKS_TO should not match non-link values")
	}
}

func TestRegexOperators(t *testing.T) {
	cond, err := NewRegex("^ada.*", false)
	if err != nil {
		t.Fatalf("NewRegex: %v", err)
	}
	if !cond.Matches(value.String("adalovelace")) {
		t.Fatal("expected regex match")
	}
	if cond.Matches(value.String("grace")) {
		t.Fatal("expected regex miss")
	}

	neg, err := NewRegex("^ada.*", true)
	if err != nil {
		t.Fatalf("NewRegex: %v", err)
	}
	if neg.Matches(value.String("adalovelace")) {
		t.Fatal("NOT_REGEX should not match")
	}
	if !neg.Matches(value.String("grace")) {
		t.Fatal("NOT_REGEX should match")
	}
}

func TestInvalidRegexFails(t *testing.T) {
	if _, err := NewRegex("(unclosed", false); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestGetStartKeyAndShouldSeek(t *testing.T) {
	eq := NewEqual(value.Int64(5))
	if !eq.ShouldSeek() || eq.GetStartKey().Compare(value.Int64(5)) != 0 {
		t.Fatal("Equal should be seekable from its value")
	}

	ne := NewNotEqual(value.Int64(5))
	if ne.ShouldSeek() || ne.GetStartKey() != nil {
		t.Fatal("NotEqual should require a full scan")
	}
}
