package model

import "time"

// RunType tells clients whether a run reports raw or history-filtered verdicts.
type RunType int

const (
	RunInstant RunType = iota
	RunFiltered
)

func (t RunType) String() string {
	if t == RunFiltered {
		return "filtered"
	}
	return "instant"
}

// ParseRunType maps the persisted results_type string back to a RunType.
func ParseRunType(s string) (RunType, bool) {
	switch s {
	case "instant":
		return RunInstant, true
	case "filtered":
		return RunFiltered, true
	}
	return RunInstant, false
}

// DiagnosticResult is the outcome of one diagnostic inside a run.
type DiagnosticResult struct {
	Name      string    `json:"name"`
	Code      int       `json:"code"`
	Message   string    `json:"message,omitempty"` // display only, never used for pass/fail
	Timestamp time.Time `json:"timestamp"`
}

// ResultBank is one complete snapshot of a test run.
type ResultBank struct {
	Dirty     bool               `json:"dirty"` // being written or never completed
	Client    string             `json:"client"`
	RunType   RunType            `json:"runType"`
	StartTime time.Time          `json:"startTime"`
	EndTime   time.Time          `json:"endTime"`
	Results   []DiagnosticResult `json:"results"`
}

// NewResultBank returns a dirty bank with every diagnostic set to CodeNeverRun.
func NewResultBank(names []string) *ResultBank {
	b := &ResultBank{Dirty: true, Results: make([]DiagnosticResult, 0, len(names))}
	for _, n := range names {
		b.Results = append(b.Results, DiagnosticResult{Name: n, Code: CodeNeverRun})
	}
	return b
}

// Reset puts every entry back to CodeNeverRun and clears run metadata.
func (b *ResultBank) Reset() {
	b.Client = ""
	b.RunType = RunInstant
	b.StartTime = time.Time{}
	b.EndTime = time.Time{}
	for i := range b.Results {
		b.Results[i].Code = CodeNeverRun
		b.Results[i].Message = ""
		b.Results[i].Timestamp = time.Time{}
	}
}

// Clone returns a deep copy so readers never share memory with a writer.
func (b *ResultBank) Clone() *ResultBank {
	if b == nil {
		return nil
	}
	out := *b
	out.Results = append([]DiagnosticResult(nil), b.Results...)
	return &out
}

// Find returns the index of the named entry or -1.
func (b *ResultBank) Find(name string) int {
	for i := range b.Results {
		if b.Results[i].Name == name {
			return i
		}
	}
	return -1
}

// Failed reports whether any executed entry counts as a failure.
func (b *ResultBank) Failed() bool {
	for _, r := range b.Results {
		if r.Code != CodeNeverRun && IsFailure(r.Code) {
			return true
		}
	}
	return false
}
