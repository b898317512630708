package stratum

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/pkg/errors"
)

// codec is the JSON implementation used for every line on the wire.
var codec = sonic.ConfigDefault

// Stratum methods
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodSetExtranonce = "mining.set_extranonce"
	MethodSetTarget     = "mining.set_target"
	MethodPing          = "mining.ping"
	MethodGetVersion    = "client.get_version"
	MethodShowMessage   = "client.show_message"
	MethodReconnect     = "client.reconnect"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts the Stratum array form [code, message, data], the
// JSON-RPC object form and a bare message string.
func (e *Error) UnmarshalJSON(data []byte) error {
	var raw any
	if err := codec.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		if len(v) > 0 {
			if code, ok := asInt(v[0]); ok {
				e.Code = code
			}
		}
		if len(v) > 1 {
			e.Message, _ = v[1].(string)
		}
		if len(v) > 2 {
			e.Data = v[2]
		}
	case map[string]any:
		if code, ok := asInt(v["code"]); ok {
			e.Code = code
		}
		e.Message, _ = v["message"].(string)
		e.Data = v["data"]
	case string:
		e.Code = ErrorOther
		e.Message = v
	default:
		return fmt.Errorf("unsupported error shape %T", raw)
	}
	return nil
}

// Notification is a parsed pool-initiated message.
type Notification interface {
	Method() string
}

// NotifyParams represents mining.notify parameters
type NotifyParams struct {
	bitcoin.RawJob
}

// SetDifficultyParams represents mining.set_difficulty parameters
type SetDifficultyParams struct {
	Difficulty float64
}

// SetExtranonceParams represents mining.set_extranonce parameters
type SetExtranonceParams struct {
	Extranonce1     string
	Extranonce2Size int
}

// SetTargetParams represents mining.set_target parameters
type SetTargetParams struct {
	Target string
}

// ReconnectParams represents client.reconnect parameters. Empty fields mean
// "same as now".
type ReconnectParams struct {
	Host string
	Port int
	Wait int
}

// ShowMessageParams represents client.show_message parameters
type ShowMessageParams struct {
	Text string
}

// Method implements Notification.
func (NotifyParams) Method() string { return MethodNotify }

// Method implements Notification.
func (SetDifficultyParams) Method() string { return MethodSetDifficulty }

// Method implements Notification.
func (SetExtranonceParams) Method() string { return MethodSetExtranonce }

// Method implements Notification.
func (SetTargetParams) Method() string { return MethodSetTarget }

// Method implements Notification.
func (ReconnectParams) Method() string { return MethodReconnect }

// Method implements Notification.
func (ShowMessageParams) Method() string { return MethodShowMessage }

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := codec.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// request and response are the two shapes a message takes on the wire.
// Requests always carry params; responses always carry result and error.
type request struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type response struct {
	ID     any    `json:"id"`
	Result any    `json:"result"`
	Error  *Error `json:"error"`
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	var wire any
	if msg.Method != "" {
		params := msg.Params
		if params == nil {
			params = []any{}
		}
		wire = request{ID: msg.ID, Method: msg.Method, Params: params}
	} else {
		wire = response{ID: msg.ID, Result: msg.Result, Error: msg.Error}
	}

	data, err := codec.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	if params == nil {
		params = []any{}
	}
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// IsRequest returns true if the message is a pool-initiated call expecting a reply
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message answers one of our requests
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ResponseID returns the numeric id of a response, if it has one.
func (m *Message) ResponseID() (uint64, bool) {
	switch v := m.ID.(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, false
		}
		return uint64(v), true
	case int64:
		return uint64(v), v >= 0
	case uint64:
		return v, true
	case int:
		return uint64(v), v >= 0
	case string:
		id, err := strconv.ParseUint(v, 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}

// ParseNotification decodes the params of a pool-initiated method with
// per-method arity and type checks.
func ParseNotification(msg *Message) (Notification, error) {
	p := msg.Params

	switch msg.Method {
	case MethodNotify:
		if len(p) != 9 {
			return nil, errors.Protocol(msg.Method, "expected 9 params, got %d", len(p))
		}
		var n NotifyParams
		var ok bool
		strs := []*string{&n.JobID, &n.PrevHash, &n.Coinb1, &n.Coinb2}
		for i, dst := range strs {
			if *dst, ok = p[i].(string); !ok {
				return nil, errors.Protocol(msg.Method, "param %d must be a string, got %T", i, p[i])
			}
		}
		branch, ok := p[4].([]any)
		if !ok {
			return nil, errors.Protocol(msg.Method, "merkle_branch must be an array, got %T", p[4])
		}
		n.MerkleBranch = make([]string, len(branch))
		for i, h := range branch {
			if n.MerkleBranch[i], ok = h.(string); !ok {
				return nil, errors.Protocol(msg.Method, "merkle_branch[%d] must be a string", i)
			}
		}
		for i, dst := range []*string{&n.Version, &n.NBits, &n.NTime} {
			if *dst, ok = p[5+i].(string); !ok {
				return nil, errors.Protocol(msg.Method, "param %d must be a string, got %T", 5+i, p[5+i])
			}
		}
		if n.CleanJobs, ok = p[8].(bool); !ok {
			return nil, errors.Protocol(msg.Method, "clean_jobs must be a bool, got %T", p[8])
		}
		return n, nil

	case MethodSetDifficulty:
		if len(p) != 1 {
			return nil, errors.Protocol(msg.Method, "expected 1 param, got %d", len(p))
		}
		d, ok := p[0].(float64)
		if !ok {
			return nil, errors.Protocol(msg.Method, "difficulty must be a number, got %T", p[0])
		}
		if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, errors.Protocol(msg.Method, "difficulty must be positive, got %v", d)
		}
		return SetDifficultyParams{Difficulty: d}, nil

	case MethodSetExtranonce:
		if len(p) != 2 {
			return nil, errors.Protocol(msg.Method, "expected 2 params, got %d", len(p))
		}
		en1, ok := p[0].(string)
		if !ok {
			return nil, errors.Protocol(msg.Method, "extranonce1 must be a string, got %T", p[0])
		}
		size, ok := asInt(p[1])
		if !ok {
			return nil, errors.Protocol(msg.Method, "extranonce2_size must be an integer, got %v", p[1])
		}
		if err := validateExtranonce(en1, size); err != nil {
			return nil, errors.Protocol(msg.Method, "%v", err)
		}
		return SetExtranonceParams{Extranonce1: en1, Extranonce2Size: size}, nil

	case MethodSetTarget:
		if len(p) != 1 {
			return nil, errors.Protocol(msg.Method, "expected 1 param, got %d", len(p))
		}
		target, ok := p[0].(string)
		if !ok {
			return nil, errors.Protocol(msg.Method, "target must be a hex string, got %T", p[0])
		}
		return SetTargetParams{Target: target}, nil

	case MethodReconnect:
		var r ReconnectParams
		if len(p) > 0 {
			r.Host, _ = p[0].(string)
		}
		if len(p) > 1 {
			r.Port, _ = asInt(p[1])
		}
		if len(p) > 2 {
			r.Wait, _ = asInt(p[2])
		}
		return r, nil

	case MethodShowMessage:
		if len(p) < 1 {
			return nil, errors.Protocol(msg.Method, "expected 1 param, got 0")
		}
		text, _ := p[0].(string)
		return ShowMessageParams{Text: text}, nil

	default:
		return nil, errors.Protocol(msg.Method, "unsupported method")
	}
}

// isPoolMethod reports whether method is one the client handles when the
// pool sends it.
func isPoolMethod(method string) bool {
	switch method {
	case MethodNotify, MethodSetDifficulty, MethodSetExtranonce, MethodSetTarget,
		MethodReconnect, MethodShowMessage, MethodPing, MethodGetVersion:
		return true
	}
	return false
}

// ParseSubscribeResult extracts extranonce1 and extranonce2_size from a
// mining.subscribe result. Both the conventional
// [[subscriptions...], extranonce1, extranonce2_size] array and an object
// with extranonce1/extranonce2_size keys are accepted.
func ParseSubscribeResult(result any) (string, int, error) {
	var (
		en1  string
		size int
		ok   bool
	)

	switch v := result.(type) {
	case []any:
		if len(v) < 3 {
			return "", 0, errors.Protocol(MethodSubscribe, "expected 3 result elements, got %d", len(v))
		}
		if en1, ok = v[1].(string); !ok {
			return "", 0, errors.Protocol(MethodSubscribe, "extranonce1 must be a string, got %T", v[1])
		}
		if size, ok = asInt(v[2]); !ok {
			return "", 0, errors.Protocol(MethodSubscribe, "extranonce2_size must be an integer, got %v", v[2])
		}
	case map[string]any:
		if en1, ok = v["extranonce1"].(string); !ok {
			return "", 0, errors.Protocol(MethodSubscribe, "missing extranonce1")
		}
		if size, ok = asInt(v["extranonce2_size"]); !ok {
			return "", 0, errors.Protocol(MethodSubscribe, "missing extranonce2_size")
		}
	default:
		return "", 0, errors.Protocol(MethodSubscribe, "unexpected result type %T", result)
	}

	if err := validateExtranonce(en1, size); err != nil {
		return "", 0, errors.Protocol(MethodSubscribe, "%v", err)
	}
	return en1, size, nil
}

// ParseBoolResult interprets the response to mining.authorize or
// mining.submit. On failure it returns a normalized reason.
func ParseBoolResult(msg *Message) (bool, string) {
	if msg.Error != nil {
		return false, NormalizeReason(msg.Error)
	}
	if accepted, ok := msg.Result.(bool); ok {
		if accepted {
			return true, ""
		}
		return false, "rejected"
	}
	if msg.Result == nil {
		return false, "no-result"
	}
	return false, "unexpected-result"
}

// NormalizeReason maps a pool error to a short reason string. Codes 21-23
// map to unknown-work, duplicate and low-difficulty-share; otherwise the
// message text is matched against common wordings.
func NormalizeReason(e *Error) string {
	switch e.Code {
	case ErrorJobNotFound:
		return "unknown-work"
	case ErrorDuplicateShare:
		return "duplicate"
	case ErrorLowDifficulty:
		return "low-difficulty-share"
	}

	msg := strings.ToLower(strings.TrimSpace(e.Message))
	switch {
	case msg == "":
		return "unknown"
	case strings.Contains(msg, "duplicate"):
		return "duplicate"
	case strings.Contains(msg, "stale") && strings.Contains(msg, "prev"):
		return "stale-prevblk"
	case strings.Contains(msg, "stale"):
		return "stale-work"
	case strings.Contains(msg, "job not found"), strings.Contains(msg, "unknown work"), strings.Contains(msg, "unknown-work"):
		return "unknown-work"
	case strings.Contains(msg, "low difficulty"), strings.Contains(msg, "low-difficulty"), strings.Contains(msg, "above target"):
		return "low-difficulty-share"
	}
	return strings.Join(strings.Fields(msg), "-")
}

// maxExtranonce2Size bounds extranonce2 so the counter fits a uint64.
const maxExtranonce2Size = 8

func validateExtranonce(en1 string, size int) error {
	if _, err := hex.DecodeString(en1); err != nil {
		return fmt.Errorf("extranonce1 is not hex: %w", err)
	}
	if size < 1 || size > maxExtranonce2Size {
		return fmt.Errorf("extranonce2_size must be 1..%d, got %d", maxExtranonce2Size, size)
	}
	return nil
}

// asInt accepts JSON numbers with an integral value and numeric strings.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
