package agg

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hwselftest/pkg/model"
)

// LocalTimeLayout is the UTC timestamp format of the results document.
const LocalTimeLayout = "2006-01-02 15:04:05"

// FinalKey is the summary entry inside the results object.
const FinalKey = "Final"

// Entry is one diagnostic inside the results object.
type Entry struct {
	R int    `json:"r"`
	M string `json:"m,omitempty"`
}

// Document is the wire and on-disk form of a result bank.
type Document struct {
	Client       string           `json:"client"`
	ResultsType  string           `json:"results_type"`
	LocalTime    string           `json:"local_time"`
	Results      map[string]Entry `json:"results"`
	ResultsValid *int             `json:"results_valid,omitempty"`
}

// Encode builds the results document. Entries still at CodeNeverRun are
// omitted, and messages are dropped for filtered runs.
func Encode(b *model.ResultBank) Document {
	doc := Document{
		Client:      b.Client,
		ResultsType: b.RunType.String(),
		LocalTime:   bankTime(b).UTC().Format(LocalTimeLayout),
		Results:     make(map[string]Entry, len(b.Results)+1),
	}
	final := 0
	for _, r := range b.Results {
		if r.Code == model.CodeNeverRun {
			continue
		}
		e := Entry{R: r.Code}
		if b.RunType != model.RunFiltered {
			e.M = r.Message
			if e.M == "" {
				e.M = model.Message(r.Name, r.Code)
			}
		}
		doc.Results[r.Name] = e
		if model.IsFailure(r.Code) {
			final = 1
		}
	}
	doc.Results[FinalKey] = Entry{R: final}
	return doc
}

// Serialise encodes b as JSON.
func Serialise(b *model.ResultBank) ([]byte, error) {
	if b == nil {
		return nil, errors.New("nil result bank")
	}
	return json.Marshal(Encode(b))
}

// Deserialise fills into from a results document. Diagnostics missing from the
// document keep CodeNeverRun; the header fields and results.Final are required.
func Deserialise(data []byte, into *model.ResultBank) error {
	var raw struct {
		Client      *string                    `json:"client"`
		ResultsType *string                    `json:"results_type"`
		LocalTime   *string                    `json:"local_time"`
		Results     map[string]json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid results json: %w", err)
	}
	if raw.Client == nil {
		return errors.New("invalid results json: client missing")
	}
	if raw.ResultsType == nil {
		return errors.New("invalid results json: results_type missing")
	}
	rt, ok := model.ParseRunType(*raw.ResultsType)
	if !ok {
		return fmt.Errorf("invalid results json: results_type %q", *raw.ResultsType)
	}
	if raw.LocalTime == nil {
		return errors.New("invalid results json: local_time missing")
	}
	ts, err := time.ParseInLocation(LocalTimeLayout, *raw.LocalTime, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid results json: local_time: %w", err)
	}
	if raw.Results == nil {
		return errors.New("invalid results json: results missing")
	}
	finalRaw, ok := raw.Results[FinalKey]
	if !ok {
		return errors.New("invalid results json: results.Final missing")
	}
	if _, err := decodeEntry(finalRaw); err != nil {
		return fmt.Errorf("invalid results json: results.Final: %w", err)
	}

	into.Reset()
	into.Client = truncate(*raw.Client, clientWidth)
	into.RunType = rt
	into.StartTime = ts
	into.EndTime = ts
	for i := range into.Results {
		name := into.Results[i].Name
		msg, ok := raw.Results[name]
		if !ok {
			continue
		}
		e, err := decodeEntry(msg)
		if err != nil {
			return fmt.Errorf("invalid results json: results.%s: %w", name, err)
		}
		into.Results[i].Code = e.R
		into.Results[i].Timestamp = ts
		into.Results[i].Message = e.M
		if e.M == "" {
			into.Results[i].Message = model.Message(name, e.R)
		}
	}
	return nil
}

func decodeEntry(msg json.RawMessage) (Entry, error) {
	var e struct {
		R *int   `json:"r"`
		M string `json:"m"`
	}
	if err := json.Unmarshal(msg, &e); err != nil {
		return Entry{}, err
	}
	if e.R == nil {
		return Entry{}, errors.New("r missing")
	}
	return Entry{R: *e.R, M: e.M}, nil
}

func bankTime(b *model.ResultBank) time.Time {
	if !b.EndTime.IsZero() {
		return b.EndTime
	}
	return b.StartTime
}
