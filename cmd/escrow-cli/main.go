package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func main() {
	defaultRPC := strings.TrimSpace(os.Getenv("ESCROW_RPC_URL"))
	if defaultRPC == "" {
		defaultRPC = "http://127.0.0.1:8645"
	}
	defaultAuth := strings.TrimSpace(os.Getenv("ESCROW_RPC_TOKEN"))

	root := flag.NewFlagSet("escrow-cli", flag.ExitOnError)
	rpcURL := root.String("rpc", defaultRPC, "JSON-RPC endpoint")
	authToken := root.String("auth", defaultAuth, "Bearer token for authenticated RPC calls")
	root.Parse(os.Args[1:])

	args := root.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}

	code := 0
	switch args[0] {
	case "add-implementation":
		code = runAddImplementation(*rpcURL, *authToken, args[1:])
	case "create":
		code = runCreate(*rpcURL, *authToken, args[1:])
	case "predict":
		code = runPredict(*rpcURL, *authToken, args[1:])
	case "update-rate":
		code = runUpdateRate(*rpcURL, *authToken, args[1:])
	case "mint":
		code = runMint(*rpcURL, *authToken, args[1:])
	case "approve":
		code = runApprove(*rpcURL, *authToken, args[1:])
	case "deposit":
		code = runDeposit(*rpcURL, *authToken, args[1:])
	case "release":
		code = runRelease(*rpcURL, *authToken, args[1:])
	case "withdraw":
		code = runWithdraw(*rpcURL, *authToken, args[1:])
	case "lock":
		code = runLock(*rpcURL, *authToken, args[1:])
	case "resolve":
		code = runResolve(*rpcURL, *authToken, args[1:])
	case "rule":
		code = runRule(*rpcURL, *authToken, args[1:])
	case "evidence":
		code = runEvidence(*rpcURL, *authToken, args[1:])
	case "appeal":
		code = runAppeal(*rpcURL, *authToken, args[1:])
	case "add-milestones":
		code = runAddMilestones(*rpcURL, *authToken, args[1:])
	case "verify":
		code = runVerify(*rpcURL, *authToken, args[1:])
	case "get":
		code = runGet(*rpcURL, *authToken, args[1:])
	case "events":
		code = runEvents(*rpcURL, *authToken, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		fmt.Fprintln(os.Stderr, usage())
		code = 1
	}
	if code != 0 {
		os.Exit(code)
	}
}

func usage() string {
	return strings.TrimSpace(`
usage: escrow-cli [--rpc URL] [--auth TOKEN] <command> [flags]

commands:
  add-implementation  register a template version (admin)
  create              mint a new escrow instance
  predict             predict a salted creation address
  update-rate         register a resolver rate in basis points
  mint                credit a ledger balance (minter)
  approve             set a spender allowance
  deposit             fund an instance
  release             release the milestone due (or up to an index, or sweep a token)
  withdraw            withdraw after termination
  lock                open a dispute
  resolve             settle an individual-resolver dispute
  rule                apply an arbitrator ruling
  evidence            submit evidence on a locked dispute
  appeal              appeal the current ruling
  add-milestones      append milestone amounts
  verify              mark the instance verified
  get                 show an instance record
  events              list recorded events`)
}

func call(rpcURL, auth, method string, payload interface{}) int {
	var params []interface{}
	if payload != nil {
		params = []interface{}{payload}
	}
	result, rpcErr, err := callRPC(rpcURL, auth, method, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		printRPCError(rpcErr)
		return 1
	}
	var decoded interface{}
	if err := json.Unmarshal(result, &decoded); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}
	if err := printJSON(decoded); err != nil {
		fmt.Fprintf(os.Stderr, "print response: %v\n", err)
		return 1
	}
	return 0
}

func requireFlag(value, name string) bool {
	if strings.TrimSpace(value) == "" {
		fmt.Fprintf(os.Stderr, "--%s is required\n", name)
		return false
	}
	return true
}

func runAddImplementation(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("add-implementation", flag.ExitOnError)
	caller := fs.String("caller", "", "admin address")
	kind := fs.String("kind", "", "implementation kind")
	template := fs.String("template", "", "template address")
	fs.Parse(args)
	if !requireFlag(*caller, "caller") || !requireFlag(*kind, "kind") || !requireFlag(*template, "template") {
		return 1
	}
	return call(rpcURL, auth, "escrow_addImplementation", map[string]string{
		"caller": *caller, "kind": *kind, "template": *template,
	})
}

func runCreate(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	kind := fs.String("kind", "", "implementation kind")
	version := fs.Uint64("version", 0, "template version (0 = latest)")
	client := fs.String("client", "", "client address")
	provider := fs.String("provider", "", "provider address")
	resolverType := fs.String("resolver-type", "individual", "resolver type (individual|arbitrator)")
	resolver := fs.String("resolver", "", "resolver address")
	token := fs.String("token", "", "main token symbol")
	milestones := fs.String("milestones", "", "comma-separated milestone amounts")
	termination := fs.Int64("termination", 0, "termination unix timestamp")
	details := fs.String("details", "", "optional details URI")
	salt := fs.String("salt", "", "optional 32-byte salt for deterministic creation")
	funder := fs.String("funder", "", "optional funder address (create-and-deposit)")
	fundToken := fs.String("fund-token", "", "token to fund with")
	fundAmount := fs.String("fund-amount", "", "amount to fund")
	requireVerification := fs.Bool("require-verification", false, "require client verification before release")
	fs.Parse(args)
	if !requireFlag(*kind, "kind") || !requireFlag(*client, "client") ||
		!requireFlag(*provider, "provider") || !requireFlag(*resolver, "resolver") ||
		!requireFlag(*token, "token") || !requireFlag(*milestones, "milestones") {
		return 1
	}
	payload := map[string]interface{}{
		"kind":                *kind,
		"version":             *version,
		"client":              *client,
		"provider":            *provider,
		"resolverType":        *resolverType,
		"resolver":            *resolver,
		"token":               *token,
		"milestones":          splitList(*milestones),
		"termination":         *termination,
		"requireVerification": *requireVerification,
	}
	if strings.TrimSpace(*details) != "" {
		payload["details"] = *details
	}
	method := "escrow_create"
	if strings.TrimSpace(*salt) != "" {
		payload["salt"] = *salt
		method = "escrow_createDeterministic"
	}
	if strings.TrimSpace(*funder) != "" {
		payload["funder"] = *funder
		payload["fundToken"] = *fundToken
		payload["fundAmount"] = *fundAmount
		method = "escrow_createAndDeposit"
	}
	return call(rpcURL, auth, method, payload)
}

func runPredict(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	kind := fs.String("kind", "", "implementation kind")
	version := fs.Uint64("version", 0, "template version (0 = latest)")
	salt := fs.String("salt", "", "32-byte salt")
	fs.Parse(args)
	if !requireFlag(*kind, "kind") || !requireFlag(*salt, "salt") {
		return 1
	}
	return call(rpcURL, auth, "escrow_predictAddress", map[string]interface{}{
		"kind": *kind, "version": *version, "salt": *salt,
	})
}

func runUpdateRate(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("update-rate", flag.ExitOnError)
	caller := fs.String("caller", "", "resolver address")
	rate := fs.Uint("rate-bps", 0, "resolution rate in basis points")
	details := fs.String("details", "", "optional details URI")
	fs.Parse(args)
	if !requireFlag(*caller, "caller") {
		return 1
	}
	return call(rpcURL, auth, "escrow_updateResolutionRate", map[string]interface{}{
		"caller": *caller, "rateBps": *rate, "details": *details,
	})
}

func runMint(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("mint", flag.ExitOnError)
	caller := fs.String("caller", "", "minter address")
	to := fs.String("to", "", "recipient address")
	token := fs.String("token", "", "token symbol")
	amount := fs.String("amount", "", "amount to mint")
	fs.Parse(args)
	if !requireFlag(*caller, "caller") || !requireFlag(*to, "to") ||
		!requireFlag(*token, "token") || !requireFlag(*amount, "amount") {
		return 1
	}
	return call(rpcURL, auth, "escrow_mint", map[string]string{
		"caller": *caller, "to": *to, "token": *token, "amount": *amount,
	})
}

func runApprove(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	owner := fs.String("owner", "", "owner address")
	spender := fs.String("spender", "", "spender address")
	token := fs.String("token", "", "token symbol")
	amount := fs.String("amount", "", "allowance amount")
	fs.Parse(args)
	if !requireFlag(*owner, "owner") || !requireFlag(*spender, "spender") ||
		!requireFlag(*token, "token") || !requireFlag(*amount, "amount") {
		return 1
	}
	return call(rpcURL, auth, "escrow_approve", map[string]string{
		"owner": *owner, "spender": *spender, "token": *token, "amount": *amount,
	})
}

func runDeposit(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("deposit", flag.ExitOnError)
	id := fs.String("id", "", "instance id")
	from := fs.String("from", "", "funder address")
	token := fs.String("token", "", "token symbol")
	amount := fs.String("amount", "", "deposit amount")
	viaBundler := fs.Bool("bundler", false, "pull via the funding bundler allowance")
	fs.Parse(args)
	if !requireFlag(*id, "id") || !requireFlag(*from, "from") ||
		!requireFlag(*token, "token") || !requireFlag(*amount, "amount") {
		return 1
	}
	method := "escrow_deposit"
	if *viaBundler {
		method = "escrow_fund"
	}
	return call(rpcURL, auth, method, map[string]string{
		"id": *id, "from": *from, "token": *token, "amount": *amount,
	})
}

func runRelease(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	id := fs.String("id", "", "instance id")
	caller := fs.String("caller", "", "client address")
	upTo := fs.Int("up-to", -1, "release through this milestone index")
	token := fs.String("token", "", "release a specific token (foreign tokens sweep)")
	fs.Parse(args)
	if !requireFlag(*id, "id") || !requireFlag(*caller, "caller") {
		return 1
	}
	if strings.TrimSpace(*token) != "" {
		return call(rpcURL, auth, "escrow_releaseTokens", map[string]string{
			"id": *id, "caller": *caller, "token": *token,
		})
	}
	if *upTo >= 0 {
		return call(rpcURL, auth, "escrow_releaseUpTo", map[string]interface{}{
			"id": *id, "caller": *caller, "upTo": *upTo,
		})
	}
	return call(rpcURL, auth, "escrow_release", map[string]string{
		"id": *id, "caller": *caller,
	})
}

func runWithdraw(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("withdraw", flag.ExitOnError)
	id := fs.String("id", "", "instance id")
	token := fs.String("token", "", "withdraw a specific token")
	fs.Parse(args)
	if !requireFlag(*id, "id") {
		return 1
	}
	if strings.TrimSpace(*token) != "" {
		return call(rpcURL, auth, "escrow_withdrawTokens", map[string]string{
			"id": *id, "token": *token,
		})
	}
	return call(rpcURL, auth, "escrow_withdraw", map[string]string{"id": *id})
}

func runLock(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	id := fs.String("id", "", "instance id")
	caller := fs.String("caller", "", "client or provider address")
	details := fs.String("details", "", "optional details URI")
	fs.Parse(args)
	if !requireFlag(*id, "id") || !requireFlag(*caller, "caller") {
		return 1
	}
	return call(rpcURL, auth, "escrow_lock", map[string]string{
		"id": *id, "caller": *caller, "details": *details,
	})
}

func runResolve(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	id := fs.String("id", "", "instance id")
	caller := fs.String("caller", "", "resolver address")
	clientAward := fs.String("client-award", "", "amount awarded to the client")
	providerAward := fs.String("provider-award", "", "amount awarded to the provider")
	details := fs.String("details", "", "optional details URI")
	fs.Parse(args)
	if !requireFlag(*id, "id") || !requireFlag(*caller, "caller") ||
		!requireFlag(*clientAward, "client-award") || !requireFlag(*providerAward, "provider-award") {
		return 1
	}
	return call(rpcURL, auth, "escrow_resolve", map[string]string{
		"id": *id, "caller": *caller,
		"clientAward": *clientAward, "providerAward": *providerAward,
		"details": *details,
	})
}

func runRule(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("rule", flag.ExitOnError)
	id := fs.String("id", "", "instance id")
	caller := fs.String("caller", "", "arbitrator address")
	disputeID := fs.Uint64("dispute-id", 0, "dispute identifier")
	ruling := fs.Uint64("ruling", 0, "ruling (0-5)")
	fs.Parse(args)
	if !requireFlag(*id, "id") || !requireFlag(*caller, "caller") {
		return 1
	}
	return call(rpcURL, auth, "escrow_rule", map[string]interface{}{
		"id": *id, "caller": *caller, "disputeId": *disputeID, "ruling": *ruling,
	})
}

func runEvidence(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("evidence", flag.ExitOnError)
	id := fs.String("id", "", "instance id")
	caller := fs.String("caller", "", "client or provider address")
	uri := fs.String("uri", "", "evidence URI")
	fs.Parse(args)
	if !requireFlag(*id, "id") || !requireFlag(*caller, "caller") || !requireFlag(*uri, "uri") {
		return 1
	}
	return call(rpcURL, auth, "escrow_evidence", map[string]string{
		"id": *id, "caller": *caller, "uri": *uri,
	})
}

func runAppeal(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("appeal", flag.ExitOnError)
	id := fs.String("id", "", "instance id")
	caller := fs.String("caller", "", "client or provider address")
	uri := fs.String("uri", "", "optional appeal URI")
	fs.Parse(args)
	if !requireFlag(*id, "id") || !requireFlag(*caller, "caller") {
		return 1
	}
	return call(rpcURL, auth, "escrow_appeal", map[string]string{
		"id": *id, "caller": *caller, "uri": *uri,
	})
}

func runAddMilestones(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("add-milestones", flag.ExitOnError)
	id := fs.String("id", "", "instance id")
	caller := fs.String("caller", "", "client or provider address")
	amounts := fs.String("amounts", "", "comma-separated milestone amounts")
	details := fs.String("details", "", "optional details URI")
	fs.Parse(args)
	if !requireFlag(*id, "id") || !requireFlag(*caller, "caller") || !requireFlag(*amounts, "amounts") {
		return 1
	}
	return call(rpcURL, auth, "escrow_addMilestones", map[string]interface{}{
		"id": *id, "caller": *caller, "amounts": splitList(*amounts), "details": *details,
	})
}

func runVerify(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	id := fs.String("id", "", "instance id")
	caller := fs.String("caller", "", "client address")
	fs.Parse(args)
	if !requireFlag(*id, "id") || !requireFlag(*caller, "caller") {
		return 1
	}
	return call(rpcURL, auth, "escrow_verify", map[string]string{
		"id": *id, "caller": *caller,
	})
}

func runGet(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	id := fs.String("id", "", "instance id")
	fs.Parse(args)
	if !requireFlag(*id, "id") {
		return 1
	}
	return call(rpcURL, auth, "escrow_get", map[string]string{"id": *id})
}

func runEvents(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	after := fs.Int64("after", 0, "return events after this sequence")
	limit := fs.Int("limit", 0, "maximum number of events to return")
	fs.Parse(args)
	payload := map[string]interface{}{}
	if *after > 0 {
		payload["after"] = *after
	}
	if *limit > 0 {
		payload["limit"] = *limit
	}
	if len(payload) == 0 {
		return call(rpcURL, auth, "escrow_listEvents", nil)
	}
	return call(rpcURL, auth, "escrow_listEvents", payload)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func callRPC(rpcURL, auth, method string, params []interface{}) (json.RawMessage, *rpcError, error) {
	payload := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, rpcURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(auth) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(auth))
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	decoded := rpcResponse{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, nil, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}
	if decoded.Error != nil {
		return nil, decoded.Error, nil
	}
	return decoded.Result, nil, nil
}

func printRPCError(rpcErr *rpcError) {
	fmt.Fprintf(os.Stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
	if len(rpcErr.Data) > 0 {
		fmt.Fprintf(os.Stderr, "  %s\n", string(rpcErr.Data))
	}
}

func printJSON(value interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
