// Package stratum implements the pool side of the relay: the newline
// delimited JSON-RPC dialect spoken by CryptoNote pools, and the TCP link
// that carries it.
package stratum

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

// Pool methods
const (
	MethodLogin  = "login"
	MethodSubmit = "submit"
	MethodJob    = "job"
)

// Request is an outbound JSON-RPC request
type Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// LoginParams are the params of a login request
type LoginParams struct {
	Login string   `json:"login"`
	Pass  string   `json:"pass"`
	Agent string   `json:"agent"`
	Algo  []string `json:"algo,omitempty"`
}

// SubmitParams are the params of a submit request
type SubmitParams struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Nonce  string `json:"nonce"`
	Result string `json:"result"`
}

// Error is a pool error object
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("pool error %d: %s", e.Code, e.Message)
}

// Job is a unit of work. Only the id and target are interpreted; Raw holds
// the pool's job object untouched so it can be forwarded.
type Job struct {
	ID     string
	Target string
	Raw    json.RawMessage
}

// Kind discriminates decoded pool messages
type Kind int

const (
	// KindUnknown is anything the relay does not interpret
	KindUnknown Kind = iota
	// KindLoginResult is a response carrying a login id and the first job
	KindLoginResult
	// KindJob is a job notification
	KindJob
	// KindSubmitResult is a non-error response without a job
	KindSubmitResult
	// KindError is a response with an error object
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindLoginResult:
		return "login_result"
	case KindJob:
		return "job"
	case KindSubmitResult:
		return "submit_result"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// PoolMessage is a pool line decoded once into a closed set of kinds
type PoolMessage struct {
	Kind Kind

	// ID is the request id this message answers; HasID is false for notifications.
	ID    uint64
	HasID bool

	LoginID string
	Job     *Job
	Status  string
	Err     *Error

	// Raw is the original line without its newline
	Raw []byte
}

// Accepted reports whether a submit result indicates success
func (m *PoolMessage) Accepted() bool {
	return m.Kind == KindSubmitResult && strings.EqualFold(m.Status, "OK")
}

type wireMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

type wireResult struct {
	ID     json.RawMessage `json:"id"`
	Job    json.RawMessage `json:"job"`
	Status string          `json:"status"`
}

type wireJob struct {
	JobID  string `json:"job_id"`
	Target string `json:"target"`
}

// Decode parses one pool line. Field presence decides the kind, in order:
// result.job, method "job", error, result.
func Decode(line []byte) (*PoolMessage, error) {
	var wire wireMessage
	if err := codec.Unmarshal(line, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse pool message: %w", err)
	}

	msg := &PoolMessage{Raw: line}
	if present(wire.ID) {
		if id, err := strconv.ParseUint(rawString(wire.ID), 10, 64); err == nil {
			msg.ID = id
			msg.HasID = true
		}
	}

	var result wireResult
	resultIsObject := present(wire.Result) && wire.Result[0] == '{'
	if resultIsObject {
		if err := codec.Unmarshal(wire.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to parse pool result: %w", err)
		}
	}

	switch {
	case resultIsObject && present(result.Job):
		job, err := decodeJob(result.Job)
		if err != nil {
			return nil, err
		}
		msg.Kind = KindLoginResult
		msg.LoginID = rawString(result.ID)
		msg.Job = job

	case wire.Method == MethodJob:
		if !present(wire.Params) {
			return nil, fmt.Errorf("job notification without params")
		}
		job, err := decodeJob(wire.Params)
		if err != nil {
			return nil, err
		}
		msg.Kind = KindJob
		msg.Job = job

	case present(wire.Error):
		msg.Kind = KindError
		msg.Err = decodeError(wire.Error)

	case present(wire.Result):
		msg.Kind = KindSubmitResult
		msg.Status = result.Status

	default:
		msg.Kind = KindUnknown
	}

	return msg, nil
}

// Encode serializes a request as one newline terminated line
func Encode(req *Request) ([]byte, error) {
	data, err := codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return append(data, '\n'), nil
}

// JobNotification builds the job message pushed to a freshly attached browser.
// A nil job yields params null.
func JobNotification(job *Job) ([]byte, error) {
	params := json.RawMessage("null")
	if job != nil && len(job.Raw) > 0 {
		params = job.Raw
	}
	return codec.Marshal(struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}{MethodJob, params})
}

func decodeJob(raw json.RawMessage) (*Job, error) {
	var wj wireJob
	if err := codec.Unmarshal(raw, &wj); err != nil {
		return nil, fmt.Errorf("failed to parse job: %w", err)
	}
	return &Job{
		ID:     wj.JobID,
		Target: wj.Target,
		Raw:    append(json.RawMessage(nil), raw...),
	}, nil
}

func decodeError(raw json.RawMessage) *Error {
	var e Error
	if raw[0] == '{' && codec.Unmarshal(raw, &e) == nil {
		return &e
	}
	return &Error{Code: -1, Message: rawString(raw)}
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// rawString returns a JSON scalar as text, unquoting strings.
func rawString(raw json.RawMessage) string {
	if !present(raw) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := codec.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
