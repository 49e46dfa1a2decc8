package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"invoicechain/core"
	"invoicechain/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// Server exposes the node's operations over JSON-RPC 2.0 on a single
// endpoint. Mutating methods require the configured bearer token.
type Server struct {
	node      *core.Node
	authToken string
}

// NewServer wires an RPC server over a node. An empty token disables auth;
// intended for local development only.
func NewServer(node *core.Node, authToken string) *Server {
	return &Server{node: node, authToken: strings.TrimSpace(authToken)}
}

// Handler returns the HTTP handler serving the RPC endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

// Start serves the RPC endpoint on addr, blocking until the listener fails.
func (s *Server) Start(addr string) error {
	fmt.Printf("Starting JSON-RPC server on %s\n", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// statusWriter captures the status ultimately written so the module metrics
// see the same code the client does.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(rw http.ResponseWriter, r *http.Request) {
	started := time.Now()
	w := &statusWriter{ResponseWriter: rw, status: http.StatusOK}

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	s.dispatch(w, r, req)
	observability.ModuleMetrics().Observe("escrow", req.Method, w.status, time.Since(started))
}

// mutatingMethods require bearer-token auth; everything else is read-only.
var mutatingMethods = map[string]bool{
	"escrow_addImplementation":      true,
	"escrow_create":                 true,
	"escrow_createDeterministic":    true,
	"escrow_createAndDeposit":       true,
	"escrow_createAndFund":          true,
	"escrow_updateResolutionRate":   true,
	"escrow_mint":                   true,
	"escrow_approve":                true,
	"escrow_deposit":                true,
	"escrow_fund":                   true,
	"escrow_release":                true,
	"escrow_releaseUpTo":            true,
	"escrow_releaseTokens":          true,
	"escrow_withdraw":               true,
	"escrow_withdrawTokens":         true,
	"escrow_wrapNative":             true,
	"escrow_lock":                   true,
	"escrow_resolve":                true,
	"escrow_rule":                   true,
	"escrow_evidence":               true,
	"escrow_appeal":                 true,
	"escrow_addMilestones":          true,
	"escrow_verify":                 true,
	"escrow_updateClient":           true,
	"escrow_updateProvider":         true,
	"escrow_updateClientReceiver":   true,
	"escrow_updateProviderReceiver": true,
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if mutatingMethods[req.Method] {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
	}

	switch req.Method {
	case "escrow_addImplementation":
		s.handleAddImplementation(w, req)
	case "escrow_create":
		s.handleCreate(w, req)
	case "escrow_createDeterministic":
		s.handleCreateDeterministic(w, req)
	case "escrow_predictAddress":
		s.handlePredictAddress(w, req)
	case "escrow_createAndDeposit":
		s.handleCreateAndDeposit(w, req)
	case "escrow_createAndFund":
		s.handleCreateAndFund(w, req)
	case "escrow_updateResolutionRate":
		s.handleUpdateResolutionRate(w, req)
	case "escrow_mint":
		s.handleMint(w, req)
	case "escrow_approve":
		s.handleApprove(w, req)
	case "escrow_deposit":
		s.handleDeposit(w, req)
	case "escrow_fund":
		s.handleFund(w, req)
	case "escrow_release":
		s.handleRelease(w, req)
	case "escrow_releaseUpTo":
		s.handleReleaseUpTo(w, req)
	case "escrow_releaseTokens":
		s.handleReleaseTokens(w, req)
	case "escrow_withdraw":
		s.handleWithdraw(w, req)
	case "escrow_withdrawTokens":
		s.handleWithdrawTokens(w, req)
	case "escrow_wrapNative":
		s.handleWrapNative(w, req)
	case "escrow_lock":
		s.handleLock(w, req)
	case "escrow_resolve":
		s.handleResolve(w, req)
	case "escrow_rule":
		s.handleRule(w, req)
	case "escrow_evidence":
		s.handleEvidence(w, req)
	case "escrow_appeal":
		s.handleAppeal(w, req)
	case "escrow_addMilestones":
		s.handleAddMilestones(w, req)
	case "escrow_verify":
		s.handleVerify(w, req)
	case "escrow_updateClient":
		s.handleUpdateParty(w, req, partyClient)
	case "escrow_updateProvider":
		s.handleUpdateParty(w, req, partyProvider)
	case "escrow_updateClientReceiver":
		s.handleUpdateParty(w, req, partyClientReceiver)
	case "escrow_updateProviderReceiver":
		s.handleUpdateParty(w, req, partyProviderReceiver)
	case "escrow_get":
		s.handleGet(w, req)
	case "escrow_balance":
		s.handleBalance(w, req)
	case "escrow_isFunded":
		s.handleIsFunded(w, req)
	case "escrow_account":
		s.handleAccount(w, req)
	case "escrow_listEvents":
		s.handleListEvents(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}
