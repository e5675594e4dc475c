package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// RPCError is a JSON-RPC error object
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RPCHandler answers one JSON-RPC method. Returning a non-nil RPCError sends
// an error response.
type RPCHandler func(params json.RawMessage) (interface{}, *RPCError)

// RPCCall is one call seen by FakeRPC
type RPCCall struct {
	Path   string
	Method string
	Params json.RawMessage
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// FakeRPC is an httptest JSON-RPC 2.0 server with per-method handlers
type FakeRPC struct {
	Server *httptest.Server

	mu       sync.Mutex
	handlers map[string]RPCHandler
	statuses []int
	calls    []RPCCall
}

// NewFakeRPC starts an empty fake JSON-RPC server
func NewFakeRPC(t testing.TB) *FakeRPC {
	f := &FakeRPC{handlers: make(map[string]RPCHandler)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base URL of the server
func (f *FakeRPC) URL() string {
	return f.Server.URL
}

// Handle registers a handler for method
func (f *FakeRPC) Handle(method string, h RPCHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

// HandleResult registers a handler that always returns result
func (f *FakeRPC) HandleResult(method string, result interface{}) {
	f.Handle(method, func(json.RawMessage) (interface{}, *RPCError) { return result, nil })
}

// HandleError registers a handler that always returns a JSON-RPC error
func (f *FakeRPC) HandleError(method string, code int, message string) {
	f.Handle(method, func(json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: code, Message: message}
	})
}

// FailNext makes the next requests answer with bare HTTP statuses
func (f *FakeRPC) FailNext(statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statuses...)
}

// Calls returns a copy of every call seen so far
func (f *FakeRPC) Calls() []RPCCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RPCCall(nil), f.calls...)
}

// CallsTo returns the calls made to method
func (f *FakeRPC) CallsTo(method string) []RPCCall {
	var out []RPCCall
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeRPC) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, RPCCall{Path: r.URL.Path, Method: req.Method, Params: req.Params})
	if len(f.statuses) > 0 {
		status := f.statuses[0]
		f.statuses = f.statuses[1:]
		f.mu.Unlock()
		http.Error(w, http.StatusText(status), status)
		return
	}
	h, ok := f.handlers[req.Method]
	f.mu.Unlock()

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if !ok {
		resp.Error = &RPCError{Code: -32601, Message: "Method not found"}
	} else {
		resp.Result, resp.Error = h(req.Params)
	}
	if resp.Error == nil && resp.Result == nil {
		resp.Result = json.RawMessage("null")
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
