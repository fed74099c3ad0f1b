package workload

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

// OpResult is the outcome of one replayed op.
type OpResult struct {
	Index int
	Op    Op

	// Addr is the start of the range the op produced, released or found.
	Addr vmspace.Addr
	// Size is the allocated, released or found length.
	Size vmspace.Addr
	// Want is the evaluated expectation, if any.
	Want *vmspace.Addr
	Err  error

	Passed bool
	Reason string
}

// SpaceSummary is the final state of one address space.
type SpaceSummary struct {
	Name     string
	Window   vmspace.Window
	Policy   vmspace.Policy
	InUse    vmspace.Addr
	Ranges   []vmspace.Range
	Gaps     []vmspace.Range
	Mappings int
	Valid    error
}

// Report collects the results of a replay.
type Report struct {
	Workload string
	Results  []OpResult
	Spaces   []SpaceSummary
	Duration time.Duration
}

// Failures returns the results whose expectations were not met.
func (report *Report) Failures() []OpResult {
	failed := []OpResult{}

	for _, result := range report.Results {
		if !result.Passed {
			failed = append(failed, result)
		}
	}

	return failed
}

// Invalid returns the spaces whose final state is inconsistent.
func (report *Report) Invalid() []SpaceSummary {
	invalid := []SpaceSummary{}

	for _, space := range report.Spaces {
		if space.Valid != nil {
			invalid = append(invalid, space)
		}
	}

	return invalid
}

// Passed reports whether every expectation held and every space is valid.
func (report *Report) Passed() bool {
	return len(report.Failures()) == 0 && len(report.Invalid()) == 0
}

// check sets Passed and Reason.
func (result *OpResult) check(op Op) {
	result.Passed, result.Reason = result.verdict(op)
}

func (result *OpResult) verdict(op Op) (bool, string) {
	if op.ExpectError != "" {
		want := errorKinds[op.ExpectError]

		switch {
		case result.Err == nil:
			return false, fmt.Sprintf("want %s error, got success", op.ExpectError)
		case !errors.Is(result.Err, want):
			return false, fmt.Sprintf("want %s error, got %v", op.ExpectError, result.Err)
		default:
			return true, ""
		}
	}

	if op.Op == OpLookup {
		return result.lookupVerdict(op)
	}

	exhaustionExpected := result.Want != nil && *result.Want == 0 && (op.Op == OpAlloc || op.Op == OpMap)

	if result.Err != nil && !(exhaustionExpected && errors.Is(result.Err, vmspace.ErrExhausted)) {
		return false, result.Err.Error()
	}

	if result.Want == nil {
		return true, ""
	}

	got := result.Addr
	if op.Op == OpFree || op.Op == OpUnmap {
		got = result.Size
	}

	if got != *result.Want {
		return false, fmt.Sprintf("want %#x, got %#x", uint64(*result.Want), uint64(got))
	}

	return true, ""
}

func (result *OpResult) lookupVerdict(op Op) (bool, string) {
	found := result.Size != 0

	switch {
	case op.Expect == expectNone && found:
		return false, fmt.Sprintf("want no range, found %s", vmspace.Range{Start: result.Addr, Len: result.Size})
	case op.Expect == expectNone:
		return true, ""
	case result.Want != nil && !found:
		return false, fmt.Sprintf("want range at %#x, found none", uint64(*result.Want))
	case result.Want != nil && result.Addr != *result.Want:
		return false, fmt.Sprintf("want range at %#x, found %s", uint64(*result.Want), vmspace.Range{Start: result.Addr, Len: result.Size})
	default:
		return true, ""
	}
}
