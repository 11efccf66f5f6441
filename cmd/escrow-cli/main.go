package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"escrowd/crypto"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("ESCROWD_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "generate-key":
		generateKey()
	case "register":
		if len(args) < 7 {
			fmt.Println("Error: register needs buyer, seller, arbitrator, amount, commission, and deposit.")
			printUsage()
			return
		}
		termsHash := ""
		ref := ""
		if len(args) > 7 {
			termsHash = args[7]
		}
		if len(args) > 8 {
			ref = strings.Join(args[8:], " ")
		}
		registerDeal(args[1], args[2], args[3], args[4], args[5], args[6], termsHash, ref)
	case "appeal":
		if len(args) < 3 {
			fmt.Println("Error: appeal needs a deal id and the buyer.")
			printUsage()
			return
		}
		transition("escrow_appeal", args[1], args[2])
	case "refund":
		if len(args) < 3 {
			fmt.Println("Error: refund needs a deal id and the seller.")
			printUsage()
			return
		}
		transition("escrow_refund", args[1], args[2])
	case "close":
		if len(args) < 3 {
			fmt.Println("Error: close needs a deal id and the buyer.")
			printUsage()
			return
		}
		transition("escrow_closeWithoutIssue", args[1], args[2])
	case "rule":
		if len(args) < 4 {
			fmt.Println("Error: rule needs a deal id, the arbitrator, and an award.")
			printUsage()
			return
		}
		commentsHash := ""
		if len(args) > 4 {
			commentsHash = args[4]
		}
		rule(args[1], args[2], args[3], commentsHash)
	case "deal":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a deal id.")
			printUsage()
			return
		}
		showDeal(args[1])
	case "is-open":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a deal id.")
			printUsage()
			return
		}
		showOpen(args[1])
	case "required-deposit":
		if len(args) < 3 {
			fmt.Println("Error: required-deposit needs an amount and a commission.")
			printUsage()
			return
		}
		requiredDeposit(args[1], args[2])
	case "operator":
		showOperator()
	case "transfer-ownership":
		if len(args) < 3 {
			fmt.Println("Error: transfer-ownership needs the current operator and the new operator.")
			printUsage()
			return
		}
		transferOwnership(args[1], args[2])
	case "balance":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an account.")
			printUsage()
			return
		}
		showBalance(args[1])
	case "withdraw":
		if len(args) < 2 {
			fmt.Println("Error: Please provide the withdrawing account.")
			printUsage()
			return
		}
		withdraw(args[1])
	case "history":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a seller.")
			printUsage()
			return
		}
		offset := "0"
		limit := "50"
		if len(args) > 2 {
			offset = args[2]
		}
		if len(args) > 3 {
			limit = args[3]
		}
		showHistory(args[1], offset, limit)
	case "events":
		after := "0"
		limit := "50"
		if len(args) > 1 {
			after = args[1]
		}
		if len(args) > 2 {
			limit = args[2]
		}
		showEvents(after, limit)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func generateKey() {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}

	fileName := "wallet.key"
	if err := os.WriteFile(fileName, key.Bytes(), 0600); err != nil {
		panic(fmt.Sprintf("Failed to save key to %s: %v", fileName, err))
	}

	fmt.Printf("Generated new key and saved to %s\n", fileName)
	fmt.Printf("Your address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Store this file securely; party arguments accept either an address or a key file path.")
}

// resolveParty accepts a bech32 address or a path to a raw key file and
// returns the address string either way.
func resolveParty(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("address required")
	}
	if _, err := crypto.ParseAddress(trimmed); err == nil {
		return trimmed, nil
	}
	keyBytes, err := os.ReadFile(trimmed)
	if err != nil {
		return "", fmt.Errorf("%q is neither a valid address nor a readable key file", trimmed)
	}
	if len(keyBytes) == 0 {
		return "", fmt.Errorf("key file %s is empty. run ./escrow-cli generate-key first", trimmed)
	}
	key, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse private key in %s: %w", trimmed, err)
	}
	return key.PubKey().Address().String(), nil
}

func registerDeal(buyer, seller, arbitrator, amount, commission, deposit, termsHash, ref string) {
	buyerAddr, err := resolveParty(buyer)
	if err != nil {
		fmt.Printf("Error resolving buyer: %v\n", err)
		return
	}
	sellerAddr, err := resolveParty(seller)
	if err != nil {
		fmt.Printf("Error resolving seller: %v\n", err)
		return
	}
	arbitratorAddr, err := resolveParty(arbitrator)
	if err != nil {
		fmt.Printf("Error resolving arbitrator: %v\n", err)
		return
	}
	params := map[string]interface{}{
		"buyer":                buyerAddr,
		"seller":               sellerAddr,
		"arbitrator":           arbitratorAddr,
		"amount":               amount,
		"arbitratorCommission": commission,
		"deposit":              deposit,
	}
	if strings.TrimSpace(termsHash) != "" {
		params["termsHash"] = termsHash
	}
	if strings.TrimSpace(ref) != "" {
		params["communicationRef"] = ref
	}
	result, err := callRPC("escrow_register", params, true)
	if err != nil {
		fmt.Printf("Error registering deal: %v\n", err)
		return
	}
	var res struct {
		DealID          uint64 `json:"dealId"`
		SellerSequence  uint64 `json:"sellerSequence"`
		RequiredDeposit string `json:"requiredDeposit"`
		Excess          string `json:"excess"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	fmt.Printf("Registered deal %d (seller deal #%d).\n", res.DealID, res.SellerSequence)
	fmt.Printf("  Required deposit: %s\n", res.RequiredDeposit)
	if res.Excess != "0" {
		fmt.Printf("  Returned excess:  %s\n", res.Excess)
	}
}

func transition(method, dealID, caller string) {
	id, err := parseDealID(dealID)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	callerAddr, err := resolveParty(caller)
	if err != nil {
		fmt.Printf("Error resolving caller: %v\n", err)
		return
	}
	result, err := callRPC(method, map[string]interface{}{"dealId": id, "caller": callerAddr}, true)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	printDealResult(result)
}

func rule(dealID, caller, award, commentsHash string) {
	id, err := parseDealID(dealID)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	callerAddr, err := resolveParty(caller)
	if err != nil {
		fmt.Printf("Error resolving arbitrator: %v\n", err)
		return
	}
	params := map[string]interface{}{"dealId": id, "caller": callerAddr, "award": award}
	if strings.TrimSpace(commentsHash) != "" {
		params["commentsHash"] = commentsHash
	}
	result, err := callRPC("escrow_closeWithArbitrator", params, true)
	if err != nil {
		fmt.Printf("Error submitting ruling: %v\n", err)
		return
	}
	printDealResult(result)
}

func showDeal(dealID string) {
	id, err := parseDealID(dealID)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	result, err := callRPC("escrow_get", map[string]interface{}{"dealId": id}, false)
	if err != nil {
		fmt.Printf("Error fetching deal: %v\n", err)
		return
	}
	printDealResult(result)
}

func showOpen(dealID string) {
	id, err := parseDealID(dealID)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	result, err := callRPC("escrow_isOpen", map[string]interface{}{"dealId": id}, false)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	var res struct {
		Open bool `json:"open"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	if res.Open {
		fmt.Printf("Deal %s is still open.\n", dealID)
	} else {
		fmt.Printf("Deal %s is closed.\n", dealID)
	}
}

func requiredDeposit(amount, commission string) {
	result, err := callRPC("escrow_requiredDeposit", map[string]interface{}{
		"amount":               amount,
		"arbitratorCommission": commission,
	}, false)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	var res struct {
		RequiredDeposit string `json:"requiredDeposit"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	fmt.Printf("Required deposit: %s\n", res.RequiredDeposit)
}

func showOperator() {
	result, err := callRPC("escrow_operator", nil, false)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	var res struct {
		Operator string `json:"operator"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	fmt.Printf("Registry operator: %s\n", res.Operator)
}

func transferOwnership(caller, newOperator string) {
	callerAddr, err := resolveParty(caller)
	if err != nil {
		fmt.Printf("Error resolving caller: %v\n", err)
		return
	}
	newAddr, err := resolveParty(newOperator)
	if err != nil {
		fmt.Printf("Error resolving new operator: %v\n", err)
		return
	}
	if _, err := callRPC("escrow_transferOwnership", map[string]interface{}{
		"caller":      callerAddr,
		"newOperator": newAddr,
	}, true); err != nil {
		fmt.Printf("Error transferring ownership: %v\n", err)
		return
	}
	fmt.Printf("Registry ownership transferred to %s.\n", newAddr)
}

func showBalance(account string) {
	accountAddr, err := resolveParty(account)
	if err != nil {
		fmt.Printf("Error resolving account: %v\n", err)
		return
	}
	result, err := callRPC("custody_balance", map[string]interface{}{"account": accountAddr}, false)
	if err != nil {
		fmt.Printf("Error fetching balance: %v\n", err)
		return
	}
	var res struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	fmt.Printf("Claimable balance for %s: %s\n", accountAddr, res.Balance)
}

func withdraw(caller string) {
	callerAddr, err := resolveParty(caller)
	if err != nil {
		fmt.Printf("Error resolving caller: %v\n", err)
		return
	}
	result, err := callRPC("custody_withdraw", map[string]interface{}{"caller": callerAddr}, true)
	if err != nil {
		fmt.Printf("Error withdrawing: %v\n", err)
		return
	}
	var res struct {
		Paid string `json:"paid"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	fmt.Printf("Paid out %s to %s.\n", res.Paid, callerAddr)
}

func showHistory(seller, offset, limit string) {
	sellerAddr, err := resolveParty(seller)
	if err != nil {
		fmt.Printf("Error resolving seller: %v\n", err)
		return
	}
	offsetVal, err := strconv.ParseUint(offset, 10, 64)
	if err != nil {
		fmt.Println("Error: Invalid offset.")
		return
	}
	limitVal, err := strconv.Atoi(limit)
	if err != nil {
		fmt.Println("Error: Invalid limit.")
		return
	}
	countResult, err := callRPC("history_count", map[string]interface{}{"seller": sellerAddr}, false)
	if err != nil {
		fmt.Printf("Error fetching history: %v\n", err)
		return
	}
	var count struct {
		Count uint64 `json:"count"`
	}
	if err := json.Unmarshal(countResult, &count); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	listResult, err := callRPC("history_list", map[string]interface{}{
		"seller": sellerAddr,
		"offset": offsetVal,
		"limit":  limitVal,
	}, false)
	if err != nil {
		fmt.Printf("Error fetching history: %v\n", err)
		return
	}
	var list struct {
		DealIDs []uint64 `json:"dealIds"`
	}
	if err := json.Unmarshal(listResult, &list); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	fmt.Printf("Seller %s has %d deal(s).\n", sellerAddr, count.Count)
	for i, id := range list.DealIDs {
		fmt.Printf("  #%d: deal %d\n", offsetVal+uint64(i)+1, id)
	}
}

func showEvents(after, limit string) {
	afterVal, err := strconv.ParseUint(after, 10, 64)
	if err != nil {
		fmt.Println("Error: Invalid cursor.")
		return
	}
	limitVal, err := strconv.Atoi(limit)
	if err != nil {
		fmt.Println("Error: Invalid limit.")
		return
	}
	result, err := callRPC("events_list", map[string]interface{}{"after": afterVal, "limit": limitVal}, false)
	if err != nil {
		fmt.Printf("Error fetching events: %v\n", err)
		return
	}
	var res struct {
		Entries []struct {
			Sequence   uint64            `json:"sequence"`
			Type       string            `json:"type"`
			Attributes map[string]string `json:"attributes"`
			Timestamp  int64             `json:"timestamp"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	for _, entry := range res.Entries {
		fmt.Printf("%6d  %-28s", entry.Sequence, entry.Type)
		if dealID, ok := entry.Attributes["dealId"]; ok {
			fmt.Printf("  deal %s", dealID)
		}
		if status, ok := entry.Attributes["status"]; ok {
			fmt.Printf("  -> %s", status)
		}
		fmt.Println()
	}
}

func printDealResult(result json.RawMessage) {
	var deal struct {
		DealID               uint64  `json:"dealId"`
		Buyer                string  `json:"buyer"`
		Seller               string  `json:"seller"`
		Arbitrator           string  `json:"arbitrator"`
		Amount               string  `json:"amount"`
		ArbitratorCommission string  `json:"arbitratorCommission"`
		AddedProtocolFee     string  `json:"addedProtocolFee"`
		CommunicationRef     string  `json:"communicationRef"`
		SellerSequence       uint64  `json:"sellerSequence"`
		Status               string  `json:"status"`
		Award                *string `json:"award"`
	}
	if err := json.Unmarshal(result, &deal); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	fmt.Printf("Deal %d [%s]\n", deal.DealID, deal.Status)
	fmt.Printf("  Buyer:      %s\n", deal.Buyer)
	fmt.Printf("  Seller:     %s (deal #%d)\n", deal.Seller, deal.SellerSequence)
	fmt.Printf("  Arbitrator: %s\n", deal.Arbitrator)
	fmt.Printf("  Amount:     %s (+%s commission, +%s protocol fee)\n", deal.Amount, deal.ArbitratorCommission, deal.AddedProtocolFee)
	if deal.CommunicationRef != "" {
		fmt.Printf("  Reference:  %s\n", deal.CommunicationRef)
	}
	if deal.Award != nil {
		fmt.Printf("  Award:      %s to the seller\n", *deal.Award)
	}
}

func parseDealID(value string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid deal id %q", value)
	}
	return id, nil
}

func callRPC(method string, param interface{}, requireAuth bool) (json.RawMessage, error) {
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if param != nil {
		payload["params"] = []interface{}{param}
	} else {
		payload["params"] = []interface{}{}
	}
	body, _ := json.Marshal(payload)
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int         `json:"code"`
			Message string      `json:"message"`
			Data    interface{} `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from node")
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Data != nil {
			return nil, fmt.Errorf("error from node: %s (%v)", rpcResp.Error.Message, rpcResp.Error.Data)
		}
		return nil, fmt.Errorf("error from node: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires ESCROWD_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	client := &http.Client{}
	return client.Do(req)
}

func printUsage() {
	fmt.Println("Usage: escrow-cli [--rpc <url>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Party arguments accept a bech32 address or a path to a key file written by generate-key.")
	fmt.Println("Mutating commands require ESCROWD_RPC_TOKEN to match the node's RPC token.")
	fmt.Println("Commands:")
	fmt.Println("  generate-key                                             - Generates a new key and saves to wallet.key")
	fmt.Println("  register <buyer> <seller> <arbitrator> <amount> <commission> <deposit> [termsHash] [ref...]")
	fmt.Println("                                                           - Registers a deal; excess deposit is returned")
	fmt.Println("  appeal <dealId> <buyer>                                  - Escalates a deal to its arbitrator")
	fmt.Println("  refund <dealId> <seller>                                 - Returns the deal amount to the buyer")
	fmt.Println("  close <dealId> <buyer>                                   - Settles the deal in the seller's favour")
	fmt.Println("  rule <dealId> <arbitrator> <award> [commentsHash]        - Splits the amount after an appeal")
	fmt.Println("  deal <dealId>                                            - Shows a deal")
	fmt.Println("  is-open <dealId>                                         - Reports whether a deal accepts transitions")
	fmt.Println("  required-deposit <amount> <commission>                   - Quotes the total deposit for a deal")
	fmt.Println("  operator                                                 - Shows the registry operator")
	fmt.Println("  transfer-ownership <operator> <newOperator>              - Hands the registry to a new operator")
	fmt.Println("  balance <account>                                        - Shows an account's claimable balance")
	fmt.Println("  withdraw <account>                                       - Pays out an account's claimable balance")
	fmt.Println("  history <seller> [offset] [limit]                        - Lists a seller's deals")
	fmt.Println("  events [after] [limit]                                   - Lists journal events after a cursor")
}
