package gateway

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"invoicechain/core"
	"invoicechain/core/events"
	"invoicechain/gateway/middleware"
	"invoicechain/native/escrow"
	"invoicechain/observability"
)

const (
	// ScopeWrite authorises mutating merchant calls.
	ScopeWrite = "escrow:write"
	// ScopeResolve authorises dispute settlement calls.
	ScopeResolve = "escrow:resolve"

	idempotencyHeader = "Idempotency-Key"
)

// Gateway is the REST facade merchants integrate against. It fronts the node
// with JWT auth, idempotent mutations and request metrics.
type Gateway struct {
	node   *core.Node
	auth   *middleware.Authenticator
	store  *IdempotencyStore
	logger *slog.Logger
}

// Config wires the gateway's collaborators.
type Config struct {
	Node   *core.Node
	Auth   middleware.AuthConfig
	Store  *IdempotencyStore
	Logger *slog.Logger
}

// New builds a gateway from its configuration.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		node:   cfg.Node,
		auth:   middleware.NewAuthenticator(cfg.Auth, logger),
		store:  cfg.Store,
		logger: logger,
	}
}

// Serve runs the gateway on addr, blocking until the listener fails.
func (g *Gateway) Serve(addr string) error {
	return http.ListenAndServe(addr, g.Router())
}

// Router assembles the chi route tree.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(g.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(g.auth.Middleware()).Get("/invoices/{id}", g.handleGetInvoice)
		r.With(g.auth.Middleware()).Get("/events", g.handleListEvents)

		write := g.auth.Middleware(ScopeWrite)
		r.With(write).Post("/invoices", g.idempotent(g.handleCreateInvoice))
		r.With(write).Post("/invoices/{id}/deposit", g.idempotent(g.handleDeposit))
		r.With(write).Post("/invoices/{id}/release", g.idempotent(g.handleRelease))
		r.With(write).Post("/invoices/{id}/withdraw", g.idempotent(g.handleWithdraw))
		r.With(write).Post("/invoices/{id}/lock", g.idempotent(g.handleLock))
		r.With(write).Post("/invoices/{id}/milestones", g.idempotent(g.handleAddMilestones))
		r.With(write).Post("/invoices/{id}/verify", g.idempotent(g.handleVerify))

		resolve := g.auth.Middleware(ScopeResolve)
		r.With(resolve).Post("/invoices/{id}/resolve", g.idempotent(g.handleResolve))
	})
	return r
}

// observe records per-route request metrics.
func (g *Gateway) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		observability.Gateway().Observe(route, rec.status, time.Since(started))
	})
}

type recordingWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
	record bool
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.record {
		w.buf.Write(p)
	}
	return w.ResponseWriter.Write(p)
}

// idempotent replays a stored response when the client retries with the same
// Idempotency-Key; the first execution's outcome is persisted.
func (g *Gateway) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(idempotencyHeader)
		if header == "" || g.store == nil {
			next(w, r)
			return
		}
		key, err := ValidateKey(header)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if stored, ok, err := g.store.Get(key); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "idempotency lookup failed")
			return
		} else if ok {
			observability.Gateway().RecordReplay()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		}
		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK, record: true}
		next(rec, r)
		if err := g.store.Put(key, &StoredResponse{Status: rec.status, Body: rec.buf.Bytes()}); err != nil {
			g.logger.Error("idempotency store write failed", "error", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEscrowError maps engine failure categories to HTTP statuses.
func writeEscrowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrUnauthorized):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrState), errors.Is(err, escrow.ErrEconomic):
		writeJSONError(w, http.StatusConflict, err.Error())
	case strings.Contains(err.Error(), "not found"):
		writeJSONError(w, http.StatusNotFound, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseAddress(s string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(raw) != 20 {
		return addr, fmt.Errorf("invalid address %q", s)
	}
	copy(addr[:], raw)
	return addr, nil
}

func parseID(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("invalid id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}

func (g *Gateway) pathID(w http.ResponseWriter, r *http.Request) ([32]byte, bool) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return [32]byte{}, false
	}
	return id, true
}

type createRequest struct {
	Kind             string   `json:"kind"`
	Version          *uint64  `json:"version,omitempty"`
	Client           string   `json:"client"`
	Provider         string   `json:"provider"`
	ResolverType     string   `json:"resolverType"`
	Resolver         string   `json:"resolver"`
	Token            string   `json:"token"`
	Milestones       []string `json:"milestones"`
	Termination      int64    `json:"termination"`
	Details          string   `json:"details,omitempty"`
	Funder           string   `json:"funder,omitempty"`
	FundToken        string   `json:"fundToken,omitempty"`
	FundAmount       string   `json:"fundAmount,omitempty"`
	RequireSignoff   bool     `json:"requireVerification,omitempty"`
	ClientReceiver   string   `json:"clientReceiver,omitempty"`
	ProviderReceiver string   `json:"providerReceiver,omitempty"`
}

func (g *Gateway) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	params := escrow.CreateParams{
		Kind:                req.Kind,
		Version:             req.Version,
		Token:               req.Token,
		Termination:         req.Termination,
		DetailsURI:          req.Details,
		RequireVerification: req.RequireSignoff,
	}
	var err error
	if params.Client, err = parseAddress(req.Client); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if params.Provider, err = parseAddress(req.Provider); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if params.Resolver, err = parseAddress(req.Resolver); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClientReceiver != "" {
		if params.ClientReceiver, err = parseAddress(req.ClientReceiver); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.ProviderReceiver != "" {
		if params.ProviderReceiver, err = parseAddress(req.ProviderReceiver); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if params.ResolverType, err = escrow.ParseResolverType(req.ResolverType); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	params.Milestones = make([]*big.Int, 0, len(req.Milestones))
	for i, raw := range req.Milestones {
		amount, err := parseAmount(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("milestone %d: %v", i, err))
			return
		}
		params.Milestones = append(params.Milestones, amount)
	}

	var inv *escrow.Invoice
	if req.Funder != "" {
		funder, err := parseAddress(req.Funder)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		amount, err := parseAmount(req.FundAmount)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		inv, err = g.node.CreateAndDeposit(params, funder, req.FundToken, amount)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
	} else {
		inv, err = g.node.Create(params)
		if err != nil {
			writeEscrowError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, invoicePayload(inv, nil))
}

func invoicePayload(inv *escrow.Invoice, balance *big.Int) map[string]interface{} {
	milestones := make([]string, len(inv.Milestones))
	for i, amount := range inv.Milestones {
		milestones[i] = amount.String()
	}
	payload := map[string]interface{}{
		"id":             "0x" + hex.EncodeToString(inv.ID[:]),
		"address":        "0x" + hex.EncodeToString(inv.Address[:]),
		"kind":           inv.Kind,
		"version":        inv.Version,
		"client":         "0x" + hex.EncodeToString(inv.Client[:]),
		"provider":       "0x" + hex.EncodeToString(inv.Provider[:]),
		"resolverType":   inv.ResolverType.String(),
		"resolver":       "0x" + hex.EncodeToString(inv.Resolver[:]),
		"token":          inv.Token,
		"milestones":     milestones,
		"released":       inv.Released.String(),
		"milestoneIndex": inv.MilestoneIndex,
		"termination":    inv.Termination,
		"locked":         inv.Locked,
		"verified":       inv.Verified,
		"createdAt":      inv.CreatedAt,
	}
	if balance != nil {
		payload["balance"] = balance.String()
	}
	return payload
}

func (g *Gateway) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	inv, err := g.node.Invoice(id)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	balance, err := g.node.Balance(id)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoicePayload(inv, balance))
}

type depositRequest struct {
	From   string `json:"from"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

func (g *Gateway) handleDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	from, err := parseAddress(req.From)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.node.Deposit(id, from, req.Token, amount); err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type releaseRequest struct {
	Caller string  `json:"caller"`
	UpTo   *uint32 `json:"upTo,omitempty"`
	Token  string  `json:"token,omitempty"`
}

func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch {
	case req.Token != "":
		err = g.node.ReleaseTokens(id, caller, req.Token)
	case req.UpTo != nil:
		err = g.node.ReleaseUpTo(id, caller, *req.UpTo)
	default:
		err = g.node.Release(id, caller)
	}
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type withdrawRequest struct {
	Token string `json:"token,omitempty"`
}

func (g *Gateway) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	req := withdrawRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	var err error
	if req.Token != "" {
		err = g.node.WithdrawTokens(id, req.Token)
	} else {
		err = g.node.Withdraw(id)
	}
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type lockRequest struct {
	Caller  string `json:"caller"`
	Details string `json:"details,omitempty"`
}

func (g *Gateway) handleLock(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.node.Lock(id, caller, req.Details); err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type resolveRequest struct {
	Caller        string `json:"caller"`
	ClientAward   string `json:"clientAward"`
	ProviderAward string `json:"providerAward"`
	Details       string `json:"details,omitempty"`
}

func (g *Gateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	clientAward, ok2 := new(big.Int).SetString(strings.TrimSpace(req.ClientAward), 10)
	providerAward, ok3 := new(big.Int).SetString(strings.TrimSpace(req.ProviderAward), 10)
	if !ok2 || !ok3 || clientAward.Sign() < 0 || providerAward.Sign() < 0 {
		writeJSONError(w, http.StatusBadRequest, "awards must be non-negative integers")
		return
	}
	if err := g.node.Resolve(id, caller, clientAward, providerAward, req.Details); err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type milestonesRequest struct {
	Caller  string   `json:"caller"`
	Amounts []string `json:"amounts"`
	Details string   `json:"details,omitempty"`
}

func (g *Gateway) handleAddMilestones(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	var req milestonesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	amounts := make([]*big.Int, 0, len(req.Amounts))
	for i, raw := range req.Amounts {
		amount, err := parseAmount(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("milestone %d: %v", i, err))
			return
		}
		amounts = append(amounts, amount)
	}
	if err := g.node.AddMilestones(id, caller, amounts, req.Details); err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type verifyRequest struct {
	Caller string `json:"caller"`
}

func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathID(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.node.Verify(id, caller); err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (g *Gateway) handleListEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	var limit int
	if raw := r.URL.Query().Get("after"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &after); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid after parameter")
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
	}
	entries := g.node.Events(after, limit)
	if entries == nil {
		entries = []events.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
