// Package rpc serves the JSON-RPC 2.0 surface of the agent on top of a comm
// connection.
package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const Version = "2.0"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeInternalError  = -32603
)

// Method names served besides the registered diagnostics.
const (
	MethodPreviousResults = "previous_results"
	MethodCapabilities    = "capabilities"
	MethodRunAll          = "run_all"
	MethodHistory         = "history"

	// completion notification sent by the agent
	MethodEOD = "eod"

	// notifications handled by the agent
	MethodLog     = "LOG"
	MethodDiag    = "DIAG"
	MethodTestRun = "TESTRUN"
)

// Result messages of an instance request that did not start.
const (
	MsgUnknownMethod = "Unknown method"
	MsgInProgress    = "Already in progress"
)

// TimestampLayout formats eod timestamps, always in UTC.
const TimestampLayout = "2006-01-02 15:04:05"

const (
	nullID = "null"
	// ids never collide with zero
	idPrefix          = 0x80000000
	instanceRefPrefix = "#"
)

// Request is an inbound call or notification. A missing or null ID marks a
// notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == nullID
}

// Response answers a request. ID is echoed verbatim and is null when the
// request could not be read.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Notification is an outbound message without a reply.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  any             `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// InstanceResult is the immediate result of a call that starts an instance.
// Diag is nil when no instance was created.
type InstanceResult struct {
	Diag    *string `json:"diag"`
	Message string  `json:"message,omitempty"`
}

// EOD reports the end of an instance.
type EOD struct {
	Diag      string `json:"diag"`
	Status    int    `json:"status"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// Capabilities lists the diagnostics the agent can run.
type Capabilities struct {
	Diags []string `json:"diags"`
}

type LogParams struct {
	Message    string `json:"message,omitempty"`
	RawMessage string `json:"rawmessage,omitempty"`
}

type DiagParams struct {
	Break string `json:"break"`
}

type TestRunParams struct {
	State  string `json:"state"`
	Client string `json:"client,omitempty"`
}

type RunAllParams struct {
	Client string `json:"client,omitempty"`
}

type HistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

// FormatInstanceID renders an instance id the way clients quote it back.
func FormatInstanceID(id uint32) string {
	return fmt.Sprintf("%s%08x", instanceRefPrefix, id)
}

// ParseInstanceID reverses FormatInstanceID.
func ParseInstanceID(s string) (uint32, error) {
	if !strings.HasPrefix(s, instanceRefPrefix) {
		return 0, fmt.Errorf("instance id %q: missing %q", s, instanceRefPrefix)
	}
	v, err := strconv.ParseUint(s[len(instanceRefPrefix):], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("instance id %q: %w", s, err)
	}
	return uint32(v), nil
}
