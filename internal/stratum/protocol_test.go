package stratum

import (
	"reflect"
	"testing"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/pkg/errors"
)

const fixturePrevHash = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func notifyParams(jobID string, clean bool) []any {
	return []any{jobID, fixturePrevHash, "01000000", "ffffffff", []any{}, "20000000", "1e0ffff0", "5f5e1000", clean}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *Message
		wantErr bool
	}{
		{
			name: "valid request",
			data: []byte(`{"id":1,"method":"mining.subscribe","params":["miner/1.0",null]}`),
			want: &Message{
				ID:     float64(1), // JSON numbers are parsed as float64
				Method: "mining.subscribe",
				Params: []any{"miner/1.0", nil},
			},
		},
		{
			name: "valid response",
			data: []byte(`{"id":1,"result":true,"error":null}`),
			want: &Message{
				ID:     float64(1),
				Result: true,
			},
		},
		{
			name: "array error",
			data: []byte(`{"id":2,"result":null,"error":[21,"Job not found",null]}`),
			want: &Message{
				ID:    float64(2),
				Error: &Error{Code: 21, Message: "Job not found"},
			},
		},
		{
			name: "object error",
			data: []byte(`{"id":3,"result":false,"error":{"code":23,"message":"Low difficulty share"}}`),
			want: &Message{
				ID:     float64(3),
				Result: false,
				Error:  &Error{Code: 23, Message: "Low difficulty share"},
			},
		},
		{
			name: "string error",
			data: []byte(`{"id":4,"result":null,"error":"Stale work"}`),
			want: &Message{
				ID:    float64(4),
				Error: &Error{Code: ErrorOther, Message: "Stale work"},
			},
		},
		{
			name: "valid notification",
			data: []byte(`{"id":null,"method":"mining.notify","params":["job1","prev","cb1","cb2",[],"20000000","1800c29f","5a54a978",true]}`),
			want: &Message{
				ID:     nil,
				Method: "mining.notify",
				Params: []any{"job1", "prev", "cb1", "cb2", []any{}, "20000000", "1800c29f", "5a54a978", true},
			},
		},
		{
			name:    "invalid json",
			data:    []byte(`{invalid json}`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMessage() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMarshalMessage(t *testing.T) {
	msg := NewRequest(uint64(7), MethodSubmit, []any{"w", "job1", "0000", "5f5e1000", "0e000000"})

	data, err := MarshalMessage(msg)
	if err != nil {
		t.Fatalf("MarshalMessage() error = %v", err)
	}

	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("Failed to parse marshaled message: %v", err)
	}
	if parsed.Method != msg.Method {
		t.Errorf("Method = %v, want %v", parsed.Method, msg.Method)
	}
	if id, ok := parsed.ResponseID(); !ok || id != 7 {
		t.Errorf("ResponseID() = %d, %v, want 7", id, ok)
	}
	if len(parsed.Params) != 5 {
		t.Errorf("len(Params) = %d, want 5", len(parsed.Params))
	}
}

func TestMarshalMessage_WireShape(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want string
	}{
		{"request without params", NewRequest(uint64(7), MethodPing, []any{}), `{"id":7,"method":"mining.ping","params":[]}`},
		{"request with nil params", &Message{ID: uint64(8), Method: MethodPing}, `{"id":8,"method":"mining.ping","params":[]}`},
		{"response", NewResponse(float64(3), "pong"), `{"id":3,"result":"pong","error":null}`},
		{"false result", NewResponse(float64(4), false), `{"id":4,"result":false,"error":null}`},
		{"error response", NewErrorResponse(float64(5), ErrorMethodNotFound, "method not found"), `{"id":5,"result":null,"error":{"code":-32601,"message":"method not found"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalMessage(tt.msg)
			if err != nil {
				t.Fatalf("MarshalMessage() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("MarshalMessage() = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestMessageTypes(t *testing.T) {
	tests := []struct {
		name           string
		msg            *Message
		isRequest      bool
		isResponse     bool
		isNotification bool
	}{
		{"request", &Message{ID: 1, Method: MethodPing, Params: []any{}}, true, false, false},
		{"response", &Message{ID: 1, Result: true}, false, true, false},
		{"notification", &Message{Method: MethodNotify, Params: []any{}}, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.IsRequest(); got != tt.isRequest {
				t.Errorf("IsRequest() = %v, want %v", got, tt.isRequest)
			}
			if got := tt.msg.IsResponse(); got != tt.isResponse {
				t.Errorf("IsResponse() = %v, want %v", got, tt.isResponse)
			}
			if got := tt.msg.IsNotification(); got != tt.isNotification {
				t.Errorf("IsNotification() = %v, want %v", got, tt.isNotification)
			}
		})
	}
}

func TestMessage_ResponseID(t *testing.T) {
	tests := []struct {
		name   string
		id     any
		want   uint64
		wantOK bool
	}{
		{"float", float64(7), 7, true},
		{"uint64", uint64(9), 9, true},
		{"numeric string", "12", 12, true},
		{"fractional", 1.5, 0, false},
		{"negative", float64(-1), 0, false},
		{"word", "abc", 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := (&Message{ID: tt.id}).ResponseID()
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ResponseID() = %d, %v, want %d, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestParseNotification(t *testing.T) {
	badClean := notifyParams("job1", true)
	badClean[8] = "true"
	badBranch := notifyParams("job1", true)
	badBranch[4] = "deadbeef"
	badBranchElem := notifyParams("job1", true)
	badBranchElem[4] = []any{float64(1)}

	tests := []struct {
		name    string
		method  string
		params  []any
		want    Notification
		wantErr bool
	}{
		{
			name:   "notify",
			method: MethodNotify,
			params: notifyParams("job1", true),
			want: NotifyParams{bitcoin.RawJob{
				JobID: "job1", PrevHash: fixturePrevHash, Coinb1: "01000000", Coinb2: "ffffffff",
				MerkleBranch: []string{}, Version: "20000000", NBits: "1e0ffff0", NTime: "5f5e1000", CleanJobs: true,
			}},
		},
		{name: "notify short", method: MethodNotify, params: notifyParams("job1", true)[:8], wantErr: true},
		{name: "notify long", method: MethodNotify, params: append(notifyParams("job1", true), "x"), wantErr: true},
		{name: "notify clean as string", method: MethodNotify, params: badClean, wantErr: true},
		{name: "notify branch not array", method: MethodNotify, params: badBranch, wantErr: true},
		{name: "notify branch element", method: MethodNotify, params: badBranchElem, wantErr: true},
		{name: "difficulty", method: MethodSetDifficulty, params: []any{float64(4)}, want: SetDifficultyParams{Difficulty: 4}},
		{name: "fractional difficulty", method: MethodSetDifficulty, params: []any{0.5}, want: SetDifficultyParams{Difficulty: 0.5}},
		{name: "difficulty as string", method: MethodSetDifficulty, params: []any{"4"}, wantErr: true},
		{name: "zero difficulty", method: MethodSetDifficulty, params: []any{float64(0)}, wantErr: true},
		{name: "difficulty missing", method: MethodSetDifficulty, params: []any{}, wantErr: true},
		{name: "extranonce", method: MethodSetExtranonce, params: []any{"abcd", float64(2)}, want: SetExtranonceParams{Extranonce1: "abcd", Extranonce2Size: 2}},
		{name: "extranonce not hex", method: MethodSetExtranonce, params: []any{"zz", float64(2)}, wantErr: true},
		{name: "extranonce zero size", method: MethodSetExtranonce, params: []any{"abcd", float64(0)}, wantErr: true},
		{name: "extranonce fractional size", method: MethodSetExtranonce, params: []any{"abcd", 1.5}, wantErr: true},
		{name: "target", method: MethodSetTarget, params: []any{"00ff"}, want: SetTargetParams{Target: "00ff"}},
		{name: "target not string", method: MethodSetTarget, params: []any{float64(5)}, wantErr: true},
		{name: "reconnect", method: MethodReconnect, params: []any{"pool.example", float64(3334), float64(5)}, want: ReconnectParams{Host: "pool.example", Port: 3334, Wait: 5}},
		{name: "reconnect bare", method: MethodReconnect, params: []any{}, want: ReconnectParams{}},
		{name: "show message", method: MethodShowMessage, params: []any{"hello"}, want: ShowMessageParams{Text: "hello"}},
		{name: "unknown", method: "mining.foo", params: []any{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNotification(NewNotification(tt.method, tt.params))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNotification() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.IsType(err, errors.ErrorTypeProtocol) {
					t.Errorf("ParseNotification() error type = %v, want protocol", err)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseNotification() = %+v, want %+v", got, tt.want)
			}
			if got.Method() != tt.method {
				t.Errorf("Method() = %q, want %q", got.Method(), tt.method)
			}
		})
	}
}

func TestParseSubscribeResult(t *testing.T) {
	tests := []struct {
		name     string
		result   any
		wantEN1  string
		wantSize int
		wantErr  bool
	}{
		{"array", []any{[]any{[]any{"mining.notify", "s1"}}, "abcd", float64(2)}, "abcd", 2, false},
		{"object", map[string]any{"extranonce1": "08000002", "extranonce2_size": float64(4)}, "08000002", 4, false},
		{"short array", []any{nil, "abcd"}, "", 0, true},
		{"size too large", []any{nil, "abcd", float64(9)}, "", 0, true},
		{"extranonce1 not hex", []any{nil, "xyz", float64(2)}, "", 0, true},
		{"object missing size", map[string]any{"extranonce1": "abcd"}, "", 0, true},
		{"scalar", "ok", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			en1, size, err := ParseSubscribeResult(tt.result)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSubscribeResult() error = %v, wantErr %v", err, tt.wantErr)
			}
			if en1 != tt.wantEN1 || size != tt.wantSize {
				t.Errorf("ParseSubscribeResult() = %q, %d, want %q, %d", en1, size, tt.wantEN1, tt.wantSize)
			}
		})
	}
}

func TestParseBoolResult(t *testing.T) {
	tests := []struct {
		name       string
		msg        *Message
		wantOK     bool
		wantReason string
	}{
		{"accepted", NewResponse(1, true), true, ""},
		{"false", NewResponse(1, false), false, "rejected"},
		{"null", NewResponse(1, nil), false, "no-result"},
		{"odd result", NewResponse(1, "yes"), false, "unexpected-result"},
		{"error wins", &Message{ID: 1, Result: true, Error: &Error{Code: 22}}, false, "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := ParseBoolResult(tt.msg)
			if ok != tt.wantOK || reason != tt.wantReason {
				t.Errorf("ParseBoolResult() = %v, %q, want %v, %q", ok, reason, tt.wantOK, tt.wantReason)
			}
		})
	}
}

func TestNormalizeReason(t *testing.T) {
	tests := []struct {
		err  Error
		want string
	}{
		{Error{Code: 21, Message: "Job not found"}, "unknown-work"},
		{Error{Code: 22, Message: "whatever"}, "duplicate"},
		{Error{Code: 23}, "low-difficulty-share"},
		{Error{Code: 20, Message: "Stale share (prevhash)"}, "stale-prevblk"},
		{Error{Code: 20, Message: "Stale work"}, "stale-work"},
		{Error{Code: 20, Message: "Duplicate share"}, "duplicate"},
		{Error{Code: 20, Message: "job not found"}, "unknown-work"},
		{Error{Code: 20, Message: "Share above target"}, "low-difficulty-share"},
		{Error{Code: 20, Message: "  Invalid   ntime "}, "invalid-ntime"},
		{Error{Code: 20}, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want+"/"+tt.err.Message, func(t *testing.T) {
			if got := NormalizeReason(&tt.err); got != tt.want {
				t.Errorf("NormalizeReason(%+v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
