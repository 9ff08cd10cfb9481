package filter

import (
	"strconv"
	"strings"

	"hwselftest/pkg/model"
)

// Kind selects how a history window is turned into a verdict.
type Kind int

const (
	KindNone Kind = iota
	KindPercentage
	KindStreak
)

// FilterType is one parsed filter_params token, e.g. P90 or S7.
type FilterType struct {
	Kind  Kind
	Limit int
}

func (t FilterType) String() string {
	switch t.Kind {
	case KindPercentage:
		return "P" + strconv.Itoa(t.Limit)
	case KindStreak:
		return "S" + strconv.Itoa(t.Limit)
	}
	return "N"
}

// ParseFilterType accepts P<1..100> and S<n> with n > 0, either case.
// Anything else means no filtering for that diagnostic.
func ParseFilterType(tok string) FilterType {
	if len(tok) < 2 {
		return FilterType{}
	}
	limit, err := strconv.Atoi(tok[1:])
	if err != nil || limit <= 0 {
		return FilterType{}
	}
	switch tok[0] {
	case 'P', 'p':
		if limit <= 100 {
			return FilterType{Kind: KindPercentage, Limit: limit}
		}
	case 'S', 's':
		return FilterType{Kind: KindStreak, Limit: limit}
	}
	return FilterType{}
}

// ParseFilterParams splits a comma separated token list positionally onto n
// diagnostics. Spaces are ignored, missing or empty tokens mean no filter.
func ParseFilterParams(params string, n int) []FilterType {
	out := make([]FilterType, n)
	params = strings.ReplaceAll(params, " ", "")
	if params == "" {
		return out
	}
	for i, tok := range strings.Split(params, ",") {
		if i >= n {
			break
		}
		out[i] = ParseFilterType(tok)
	}
	return out
}

// Classify reduces a raw result code to CodeFailure or CodeSuccess.
func Classify(code int) int {
	if model.IsFailure(code) {
		return model.CodeFailure
	}
	return model.CodeSuccess
}

// FailurePercent is 100*fails/depth over the first depth entries of history.
func FailurePercent(history string, depth int) int {
	if depth <= 0 {
		return 0
	}
	fail := 0
	for i := 0; i < len(history) && i < depth; i++ {
		if history[i] == 'F' {
			fail++
		}
	}
	return fail * 100 / depth
}

// LongestStreak returns the longest run of consecutive 'F'.
func LongestStreak(history string) int {
	longest, run := 0, 0
	for i := 0; i < len(history); i++ {
		if history[i] == 'F' {
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 0
	}
	return longest
}

// Failed applies t to history. ok is false for KindNone, in which case the
// caller keeps the unfiltered classification.
func (t FilterType) Failed(history string, depth int) (failed, ok bool) {
	switch t.Kind {
	case KindPercentage:
		return FailurePercent(history, depth) >= t.Limit, true
	case KindStreak:
		limit := t.Limit
		if limit > depth {
			limit = depth
		}
		if len(history) > depth {
			history = history[:depth]
		}
		return LongestStreak(history) >= limit, true
	}
	return false, false
}

// Push prepends the newest outcome and keeps exactly depth entries.
func Push(history string, failed bool, depth int) string {
	c := "P"
	if failed {
		c = "F"
	}
	return Resize(c+history, depth)
}

// Resize truncates history to depth or pads the oldest end with 'P'.
func Resize(history string, depth int) string {
	if depth <= 0 {
		return ""
	}
	if len(history) >= depth {
		return history[:depth]
	}
	return history + strings.Repeat("P", depth-len(history))
}
