package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONRPCVersion is written on every outbound frame.
const JSONRPCVersion = "2.0"

// RequestID is the canonical JSON text of a request id: `7` or `"a1b2"`.
// It is also the correlation key. The zero value means "no id".
type RequestID string

// NumericID returns the id for an integer counter value.
func NumericID(n uint64) RequestID {
	return RequestID(strconv.FormatUint(n, 10))
}

// StringID returns the id for a string value.
func StringID(s string) RequestID {
	b, _ := json.Marshal(s)
	return RequestID(b)
}

// IsZero reports whether the id is absent.
func (id RequestID) IsZero() bool { return id == "" }

// String returns the id without JSON quoting, for logs.
func (id RequestID) String() string {
	if len(id) > 0 && id[0] == '"' {
		var s string
		if err := json.Unmarshal([]byte(id), &s); err == nil {
			return s
		}
	}
	return string(id)
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

func (id *RequestID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*id = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("request id: %w", err)
		}
		*id = StringID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("request id: %w", err)
		}
		*id = RequestID(n.String())
	}
	return nil
}

// RPCError is the error member of a reply frame.
type RPCError struct {
	Code    int
	Symbol  string // set instead of Code when the server sends a non-numeric code
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("rpc error %s: %s", e.Symbol, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcErrorWire struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e RPCError) MarshalJSON() ([]byte, error) {
	code := []byte(strconv.Itoa(e.Code))
	if e.Symbol != "" {
		code, _ = json.Marshal(e.Symbol)
	}
	return json.Marshal(rpcErrorWire{Code: code, Message: e.Message, Data: e.Data})
}

func (e *RPCError) UnmarshalJSON(b []byte) error {
	var w rpcErrorWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.Message, e.Data = w.Message, w.Data

	code := bytes.TrimSpace(w.Code)
	if len(code) == 0 || string(code) == "null" {
		return nil
	}
	if code[0] == '"' {
		var s string
		if err := json.Unmarshal(code, &s); err != nil {
			return fmt.Errorf("error code: %w", err)
		}
		if n, err := strconv.Atoi(s); err == nil {
			e.Code = n
		} else {
			e.Symbol = s
		}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(code, &n); err != nil {
		return fmt.Errorf("error code: %w", err)
	}
	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("error code: %w", err)
	}
	e.Code = int(v)
	return nil
}

// Frame is the envelope exchanged over the persistent stream.
//
// Outbound calls carry ID, Method and Params; notifications omit ID.
// Inbound replies carry ID and exactly one of Result or Error.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewRequest builds an outbound frame. An empty id produces a notification.
func NewRequest(id RequestID, method string, params any) (Frame, error) {
	f := Frame{JSONRPC: JSONRPCVersion, ID: id, Method: method}
	if params == nil {
		return f, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		f.Params = raw
		return f, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, fmt.Errorf("encode params for %s: %w", method, err)
	}
	f.Params = raw
	return f, nil
}

// HasResult reports whether the frame carries a result member (including null).
func (f *Frame) HasResult() bool { return f.Result != nil }

// HasError reports whether the frame carries an error member.
func (f *Frame) HasError() bool { return f.Error != nil }
