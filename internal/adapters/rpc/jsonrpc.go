package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"panthalassa/go-core/internal/apperr"
	"panthalassa/go-core/internal/runtime"
)

const (
	methodStart = "runtime.start"
	methodStop  = "runtime.stop"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcErrorData struct {
	Kind string `json:"kind"`
	Code string `json:"code"`
}

type rpcError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *rpcErrorData `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type startParams struct {
	Config   string `json:"config"`
	Password string `json:"password"`
	Mnemonic string `json:"mnemonic"`
}

const maxRPCBodyBytes int64 = 8 << 20 // bundles carry DApp code

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorize(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow(rateLimitKey(r, extractToken(r)), s.now()) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	cacheKey := idempotencyKey(r.Header.Get(idempotencyHeader), extractToken(r))
	hash := requestHash(req)
	if cacheKey != "" {
		if cached, ok, conflict := s.idem.get(cacheKey, hash, s.now()); conflict {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32602, Message: "idempotency key reused with different request"}})
			return
		} else if ok {
			cached.ID = req.ID
			writeRPC(w, cached)
			return
		}
	}

	started := time.Now()
	result, rpcErr := s.dispatch(r, req)
	if rpcErr != nil {
		s.logger.Debug("rpc failed", "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.logger.Debug("rpc response", "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
	if cacheKey != "" && rpcErr == nil {
		s.idem.set(cacheKey, hash, resp, s.now())
	}
	writeRPC(w, resp)
}

func (s *Server) dispatch(r *http.Request, req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case methodStart:
		var p startParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, toRPCError(err)
		}
		err := s.rt.Start(r.Context(), runtime.Options{
			StorageDir: s.cfg.StorageDir,
			Config:     p.Config,
			Password:   p.Password,
			Mnemonic:   p.Mnemonic,
			Client:     s.client,
			UI:         s.ui,
			Engine:     s.engine,
		})
		if err != nil {
			return nil, toRPCError(err)
		}
		return map[string]bool{"started": true}, nil
	case methodStop:
		if err := s.rt.Stop(r.Context()); err != nil {
			return nil, toRPCError(err)
		}
		return map[string]bool{"started": false}, nil
	}

	params := strings.TrimSpace(string(req.Params))
	if params == "null" {
		params = ""
	}
	out, err := s.rt.Call(r.Context(), req.Method, params)
	if err != nil {
		return nil, toRPCError(err)
	}
	return commandResult(out), nil
}

// commandResult embeds JSON results as-is; anything else becomes a JSON
// string.
func commandResult(out string) any {
	if json.Valid([]byte(out)) {
		return json.RawMessage(out)
	}
	return out
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid params: %v", err)
	}
	return nil
}

func toRPCError(err error) *rpcError {
	kind := apperr.KindOf(err)
	code := apperr.CodeOf(err)
	out := &rpcError{Message: err.Error(), Data: &rpcErrorData{Kind: string(kind), Code: code}}
	switch {
	case code == apperr.ErrUnknownCommand.Code:
		out.Code = -32601
	case kind == apperr.KindValidation:
		out.Code = -32602
	case kind == apperr.KindState:
		out.Code = -32010
	case kind == apperr.KindCorrelation:
		out.Code = -32020
	case kind == apperr.KindTimeout:
		out.Code = -32030
	case kind == apperr.KindDelegate:
		out.Code = -32040
	default:
		out.Code = -32603
	}
	return out
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: -32600, Message: "invalid request"},
	})
}
