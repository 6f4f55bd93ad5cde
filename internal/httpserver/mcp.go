package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/onlyfeng/engram-sub002/internal/reliability"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

// rpcRequest mirrors the teacher's MCP JSON-RPC 2.0 request shape
// (internal/protocol/mcp_parser.go) rather than reinventing the
// envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

const (
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

var mcpTools = []map[string]interface{}{
	{"name": "memory_store", "description": "Render and write a memory card through the gateway write path"},
	{"name": "memory_query", "description": "Query memory, falling back to the local knowledge log on failure"},
	{"name": "reliability_report", "description": "Aggregate outbox and audit counters"},
	{"name": "governance_update", "description": "Update per-project policy settings"},
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcInvalidParams, Message: err.Error()}})
		return
	}

	switch req.Method {
	case "tools/list":
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{"tools": mcpTools}})
	case "tools/call":
		s.handleToolCall(w, r, req)
	default:
		writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: rpcMethodNotFound, Message: "method not found: " + req.Method},
		})
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidParams, Message: err.Error()}})
		return
	}

	var result interface{}
	var callErr error

	switch params.Name {
	case "memory_store":
		var args memoryStoreRequest
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidParams, Message: err.Error()}})
			return
		}
		storeResult, _ := s.storeCard(r.Context(), args)
		result = storeResponse(storeResult)

	case "memory_query":
		var args memoryQueryRequest
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidParams, Message: err.Error()}})
			return
		}
		qr, err := s.gateway.QueryCard(r.Context(), args.Space, args.Query)
		callErr = err
		result = map[string]interface{}{
			"ok":             err == nil,
			"results":        qr.Results,
			"degraded":       qr.Degraded,
			"correlation_id": qr.CorrelationID,
		}

	case "reliability_report":
		report, err := reliability.Build(r.Context(), s.reliability)
		callErr = err
		result = report

	case "governance_update":
		var ps store.PolicySettings
		if err := json.Unmarshal(params.Arguments, &ps); err != nil {
			writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidParams, Message: err.Error()}})
			return
		}
		callErr = s.governance.UpsertPolicySettings(r.Context(), ps)
		result = map[string]interface{}{"ok": callErr == nil}

	default:
		writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: rpcMethodNotFound, Message: "unknown tool: " + params.Name},
		})
		return
	}

	if callErr != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInternalError, Message: callErr.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}
