package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"invoicechain/core/events"
	"invoicechain/native/escrow"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

type partyField int

const (
	partyClient partyField = iota
	partyProvider
	partyClientReceiver
	partyProviderReceiver
)

func parseHexAddress(s string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q", s)
	}
	if len(raw) != 20 {
		return addr, fmt.Errorf("address must be 20 bytes, got %d", len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

func parseHexID(s string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid id %q", s)
	}
	if len(raw) != 32 {
		return id, fmt.Errorf("id must be 32 bytes, got %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func parsePositiveBigInt(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseNonNegativeBigInt(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return amount, nil
}

func parseAmounts(raw []string) ([]*big.Int, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("milestone amounts required")
	}
	amounts := make([]*big.Int, 0, len(raw))
	for i, s := range raw {
		amount, err := parsePositiveBigInt(s)
		if err != nil {
			return nil, fmt.Errorf("milestone %d: %v", i, err)
		}
		amounts = append(amounts, amount)
	}
	return amounts, nil
}

// writeEscrowError maps engine failure categories onto module status codes.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, escrow.ErrValidation):
		writeError(w, http.StatusBadRequest, id, codeEscrowInvalidParams, "invalid_params", err.Error())
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeEscrowForbidden, "forbidden", err.Error())
	case errors.Is(err, escrow.ErrState), errors.Is(err, escrow.ErrEconomic):
		writeError(w, http.StatusConflict, id, codeEscrowConflict, "conflict", err.Error())
	case strings.Contains(err.Error(), "not found"):
		writeError(w, http.StatusNotFound, id, codeEscrowNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeEscrowInternal, "internal", err.Error())
	}
}

func decodeParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

type createParams struct {
	Kind    string  `json:"kind"`
	Version *uint64 `json:"version,omitempty"`

	Client           string `json:"client"`
	Provider         string `json:"provider"`
	ClientReceiver   string `json:"clientReceiver,omitempty"`
	ProviderReceiver string `json:"providerReceiver,omitempty"`

	ResolverType string `json:"resolverType"`
	Resolver     string `json:"resolver"`

	Token       string   `json:"token"`
	Milestones  []string `json:"milestones"`
	Termination int64    `json:"termination"`
	DetailsURI  string   `json:"details,omitempty"`

	RequireVerification bool `json:"requireVerification,omitempty"`

	Salt string `json:"salt,omitempty"`

	Funder     string `json:"funder,omitempty"`
	FundToken  string `json:"fundToken,omitempty"`
	FundAmount string `json:"fundAmount,omitempty"`
}

func (p *createParams) toCreateParams() (escrow.CreateParams, error) {
	var out escrow.CreateParams
	client, err := parseHexAddress(p.Client)
	if err != nil {
		return out, err
	}
	provider, err := parseHexAddress(p.Provider)
	if err != nil {
		return out, err
	}
	resolver, err := parseHexAddress(p.Resolver)
	if err != nil {
		return out, err
	}
	resolverType, err := escrow.ParseResolverType(p.ResolverType)
	if err != nil {
		return out, err
	}
	amounts, err := parseAmounts(p.Milestones)
	if err != nil {
		return out, err
	}
	out = escrow.CreateParams{
		Kind:                p.Kind,
		Version:             p.Version,
		Client:              client,
		Provider:            provider,
		ResolverType:        resolverType,
		Resolver:            resolver,
		Token:               p.Token,
		Milestones:          amounts,
		Termination:         p.Termination,
		DetailsURI:          p.DetailsURI,
		RequireVerification: p.RequireVerification,
	}
	if strings.TrimSpace(p.ClientReceiver) != "" {
		if out.ClientReceiver, err = parseHexAddress(p.ClientReceiver); err != nil {
			return out, err
		}
	}
	if strings.TrimSpace(p.ProviderReceiver) != "" {
		if out.ProviderReceiver, err = parseHexAddress(p.ProviderReceiver); err != nil {
			return out, err
		}
	}
	return out, nil
}

type invoiceJSON struct {
	ID                string   `json:"id"`
	Address           string   `json:"address"`
	Factory           string   `json:"factory"`
	Template          string   `json:"template"`
	Version           uint64   `json:"version"`
	Kind              string   `json:"kind"`
	Client            string   `json:"client"`
	Provider          string   `json:"provider"`
	ClientReceiver    string   `json:"clientReceiver,omitempty"`
	ProviderReceiver  string   `json:"providerReceiver,omitempty"`
	ResolverType      string   `json:"resolverType"`
	Resolver          string   `json:"resolver"`
	ResolutionRateBps uint32   `json:"resolutionRateBps"`
	Token             string   `json:"token"`
	Milestones        []string `json:"milestones"`
	Released          string   `json:"released"`
	MilestoneIndex    uint32   `json:"milestoneIndex"`
	Termination       int64    `json:"termination"`
	Locked            bool     `json:"locked"`
	DisputeID         uint64   `json:"disputeId,omitempty"`
	Verified          bool     `json:"verified"`
	FeeBps            uint32   `json:"feeBps"`
	Treasury          string   `json:"treasury,omitempty"`
	DetailsURI        string   `json:"details,omitempty"`
	MetaVersion       uint32   `json:"metaVersion"`
	CreatedAt         int64    `json:"createdAt"`
	Balance           string   `json:"balance,omitempty"`
}

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func optionalHexAddr(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return hexAddr(addr)
}

func invoiceToJSON(inv *escrow.Invoice, balance *big.Int) *invoiceJSON {
	milestones := make([]string, len(inv.Milestones))
	for i, amount := range inv.Milestones {
		if amount != nil {
			milestones[i] = amount.String()
		} else {
			milestones[i] = "0"
		}
	}
	released := "0"
	if inv.Released != nil {
		released = inv.Released.String()
	}
	out := &invoiceJSON{
		ID:                "0x" + hex.EncodeToString(inv.ID[:]),
		Address:           hexAddr(inv.Address),
		Factory:           hexAddr(inv.Factory),
		Template:          hexAddr(inv.Template),
		Version:           inv.Version,
		Kind:              inv.Kind,
		Client:            hexAddr(inv.Client),
		Provider:          hexAddr(inv.Provider),
		ClientReceiver:    optionalHexAddr(inv.ClientReceiver),
		ProviderReceiver:  optionalHexAddr(inv.ProviderReceiver),
		ResolverType:      inv.ResolverType.String(),
		Resolver:          hexAddr(inv.Resolver),
		ResolutionRateBps: inv.ResolutionRateBps,
		Token:             inv.Token,
		Milestones:        milestones,
		Released:          released,
		MilestoneIndex:    inv.MilestoneIndex,
		Termination:       inv.Termination,
		Locked:            inv.Locked,
		DisputeID:         inv.DisputeID,
		Verified:          inv.Verified,
		FeeBps:            inv.FeeBps,
		Treasury:          optionalHexAddr(inv.Treasury),
		DetailsURI:        inv.DetailsURI,
		MetaVersion:       inv.MetaVersion,
		CreatedAt:         inv.CreatedAt,
	}
	if balance != nil {
		out.Balance = balance.String()
	}
	return out
}

type addImplementationParams struct {
	Caller   string `json:"caller"`
	Kind     string `json:"kind"`
	Template string `json:"template"`
}

func (s *Server) handleAddImplementation(w http.ResponseWriter, req *RPCRequest) {
	var params addImplementationParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	template, err := parseHexAddress(params.Template)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	version, err := s.node.AddImplementation(caller, params.Kind, template)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"kind": params.Kind, "version": version})
}

func (s *Server) handleCreate(w http.ResponseWriter, req *RPCRequest) {
	var params createParams
	if !decodeParams(w, req, &params) {
		return
	}
	createParams, err := params.toCreateParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	inv, err := s.node.Create(createParams)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, invoiceToJSON(inv, nil))
}

func (s *Server) handleCreateDeterministic(w http.ResponseWriter, req *RPCRequest) {
	var params createParams
	if !decodeParams(w, req, &params) {
		return
	}
	createParams, err := params.toCreateParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	salt, err := parseHexID(params.Salt)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	inv, err := s.node.CreateDeterministic(createParams, salt)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, invoiceToJSON(inv, nil))
}

type predictAddressParams struct {
	Kind    string  `json:"kind"`
	Version *uint64 `json:"version,omitempty"`
	Salt    string  `json:"salt"`
}

func (s *Server) handlePredictAddress(w http.ResponseWriter, req *RPCRequest) {
	var params predictAddressParams
	if !decodeParams(w, req, &params) {
		return
	}
	salt, err := parseHexID(params.Salt)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := s.node.PredictDeterministicAddress(params.Kind, params.Version, salt)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"address": hexAddr(addr)})
}

func (s *Server) handleCreateAndDeposit(w http.ResponseWriter, req *RPCRequest) {
	var params createParams
	if !decodeParams(w, req, &params) {
		return
	}
	createParams, err := params.toCreateParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	funder, err := parseHexAddress(params.Funder)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.FundAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	inv, err := s.node.CreateAndDeposit(createParams, funder, params.FundToken, amount)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, invoiceToJSON(inv, nil))
}

func (s *Server) handleCreateAndFund(w http.ResponseWriter, req *RPCRequest) {
	var params createParams
	if !decodeParams(w, req, &params) {
		return
	}
	createParams, err := params.toCreateParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseHexAddress(params.Funder)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.FundAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	inv, err := s.node.CreateAndFund(createParams, owner, params.FundToken, amount)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, invoiceToJSON(inv, nil))
}

type resolutionRateParams struct {
	Caller  string `json:"caller"`
	RateBps uint32 `json:"rateBps"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleUpdateResolutionRate(w http.ResponseWriter, req *RPCRequest) {
	var params resolutionRateParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.UpdateResolutionRate(caller, params.RateBps, params.Details); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type transferParams struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

func (s *Server) handleMint(w http.ResponseWriter, req *RPCRequest) {
	var params transferParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	to, err := parseHexAddress(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Mint(caller, to, params.Token, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type approveParams struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

func (s *Server) handleApprove(w http.ResponseWriter, req *RPCRequest) {
	var params approveParams
	if !decodeParams(w, req, &params) {
		return
	}
	owner, err := parseHexAddress(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	spender, err := parseHexAddress(params.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseNonNegativeBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Approve(owner, spender, params.Token, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type depositParams struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, req *RPCRequest) {
	var params depositParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	from, err := parseHexAddress(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Deposit(id, from, params.Token, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleFund(w http.ResponseWriter, req *RPCRequest) {
	var params depositParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseHexAddress(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Fund(id, owner, params.Token, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type actorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

func (s *Server) actor(w http.ResponseWriter, req *RPCRequest) ([32]byte, [20]byte, bool) {
	var params actorParams
	if !decodeParams(w, req, &params) {
		return [32]byte{}, [20]byte{}, false
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return [32]byte{}, [20]byte{}, false
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return [32]byte{}, [20]byte{}, false
	}
	return id, caller, true
}

func (s *Server) handleRelease(w http.ResponseWriter, req *RPCRequest) {
	id, caller, ok := s.actor(w, req)
	if !ok {
		return
	}
	if err := s.node.Release(id, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type releaseUpToParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	UpTo   uint32 `json:"upTo"`
}

func (s *Server) handleReleaseUpTo(w http.ResponseWriter, req *RPCRequest) {
	var params releaseUpToParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.ReleaseUpTo(id, caller, params.UpTo); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type tokenActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller,omitempty"`
	Token  string `json:"token"`
}

func (s *Server) handleReleaseTokens(w http.ResponseWriter, req *RPCRequest) {
	var params tokenActorParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.ReleaseTokens(id, caller, params.Token); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type idParams struct {
	ID string `json:"id"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, req *RPCRequest) {
	var params idParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Withdraw(id); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleWithdrawTokens(w http.ResponseWriter, req *RPCRequest) {
	var params tokenActorParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.WithdrawTokens(id, params.Token); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleWrapNative(w http.ResponseWriter, req *RPCRequest) {
	var params idParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.WrapNative(id); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type lockParams struct {
	ID      string `json:"id"`
	Caller  string `json:"caller"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleLock(w http.ResponseWriter, req *RPCRequest) {
	var params lockParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Lock(id, caller, params.Details); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type resolveParams struct {
	ID            string `json:"id"`
	Caller        string `json:"caller"`
	ClientAward   string `json:"clientAward"`
	ProviderAward string `json:"providerAward"`
	Details       string `json:"details,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, req *RPCRequest) {
	var params resolveParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	clientAward, err := parseNonNegativeBigInt(params.ClientAward)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	providerAward, err := parseNonNegativeBigInt(params.ProviderAward)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Resolve(id, caller, clientAward, providerAward, params.Details); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type ruleParams struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	DisputeID uint64 `json:"disputeId"`
	Ruling    uint64 `json:"ruling"`
}

func (s *Server) handleRule(w http.ResponseWriter, req *RPCRequest) {
	var params ruleParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Rule(id, caller, params.DisputeID, params.Ruling); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type evidenceParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	URI    string `json:"uri"`
}

func (s *Server) handleEvidence(w http.ResponseWriter, req *RPCRequest) {
	var params evidenceParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SubmitEvidence(id, caller, params.URI); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleAppeal(w http.ResponseWriter, req *RPCRequest) {
	var params evidenceParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Appeal(id, caller, params.URI); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type addMilestonesParams struct {
	ID      string   `json:"id"`
	Caller  string   `json:"caller"`
	Amounts []string `json:"amounts"`
	Details string   `json:"details,omitempty"`
}

func (s *Server) handleAddMilestones(w http.ResponseWriter, req *RPCRequest) {
	var params addMilestonesParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amounts, err := parseAmounts(params.Amounts)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.AddMilestones(id, caller, amounts, params.Details); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleVerify(w http.ResponseWriter, req *RPCRequest) {
	id, caller, ok := s.actor(w, req)
	if !ok {
		return
	}
	if err := s.node.Verify(id, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type updatePartyParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	To     string `json:"to"`
}

func (s *Server) handleUpdateParty(w http.ResponseWriter, req *RPCRequest, field partyField) {
	var params updatePartyParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	next, err := parseHexAddress(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	switch field {
	case partyClient:
		err = s.node.UpdateClient(id, caller, next)
	case partyProvider:
		err = s.node.UpdateProvider(id, caller, next)
	case partyClientReceiver:
		err = s.node.UpdateClientReceiver(id, caller, next)
	case partyProviderReceiver:
		err = s.node.UpdateProviderReceiver(id, caller, next)
	}
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleGet(w http.ResponseWriter, req *RPCRequest) {
	var params idParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	inv, err := s.node.Invoice(id)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	balance, err := s.node.Balance(id)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, invoiceToJSON(inv, balance))
}

func (s *Server) handleBalance(w http.ResponseWriter, req *RPCRequest) {
	var params idParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.Balance(id)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"balance": balance.String()})
}

type isFundedParams struct {
	ID        string  `json:"id"`
	Milestone *uint32 `json:"milestone,omitempty"`
}

func (s *Server) handleIsFunded(w http.ResponseWriter, req *RPCRequest) {
	var params isFundedParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseHexID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	var funded bool
	if params.Milestone != nil {
		funded, err = s.node.IsFunded(id, *params.Milestone)
	} else {
		funded, err = s.node.IsFullyFunded(id)
	}
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"funded": funded})
}

type accountParams struct {
	Address string `json:"address"`
}

func (s *Server) handleAccount(w http.ResponseWriter, req *RPCRequest) {
	var params accountParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseHexAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	balances, err := s.node.Account(addr)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	out := make(map[string]string, len(balances))
	for symbol, amount := range balances {
		out[symbol] = amount.String()
	}
	writeResult(w, req.ID, out)
}

type listEventsParams struct {
	After int64 `json:"after,omitempty"`
	Limit int   `json:"limit,omitempty"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, req *RPCRequest) {
	params := listEventsParams{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	entries := s.node.Events(params.After, params.Limit)
	if entries == nil {
		entries = []events.Entry{}
	}
	writeResult(w, req.ID, entries)
}
