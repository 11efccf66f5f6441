package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"golang.org/x/text/unicode/norm"

	"escrowd/crypto"
	"escrowd/native/custody"
	"escrowd/native/escrow"
)

const (
	codeDealInvalidParams = -32021
	codeDealNotFound      = -32022
	codeDealForbidden     = -32023
	codeDealConflict      = -32024
	codeDealInternal      = -32025
)

const maxCommunicationRefBytes = 256

type dealRegisterParams struct {
	Buyer                string `json:"buyer"`
	Seller               string `json:"seller"`
	Arbitrator           string `json:"arbitrator"`
	Amount               string `json:"amount"`
	ArbitratorCommission string `json:"arbitratorCommission"`
	TermsHash            string `json:"termsHash"`
	CommunicationRef     string `json:"communicationRef,omitempty"`
	Deposit              string `json:"deposit"`
}

type dealIDParams struct {
	DealID uint64 `json:"dealId"`
}

type dealActorParams struct {
	DealID uint64 `json:"dealId"`
	Caller string `json:"caller"`
}

type dealRulingParams struct {
	DealID       uint64 `json:"dealId"`
	Caller       string `json:"caller"`
	Award        string `json:"award"`
	CommentsHash string `json:"commentsHash,omitempty"`
}

type transferOwnershipParams struct {
	Caller      string `json:"caller"`
	NewOperator string `json:"newOperator"`
}

type requiredDepositParams struct {
	Amount               string `json:"amount"`
	ArbitratorCommission string `json:"arbitratorCommission"`
}

type dealRegisterResult struct {
	DealID          uint64 `json:"dealId"`
	SellerSequence  uint64 `json:"sellerSequence"`
	RequiredDeposit string `json:"requiredDeposit"`
	Excess          string `json:"excess"`
}

type dealJSON struct {
	DealID               uint64  `json:"dealId"`
	Buyer                string  `json:"buyer"`
	Seller               string  `json:"seller"`
	Arbitrator           string  `json:"arbitrator"`
	Amount               string  `json:"amount"`
	ArbitratorCommission string  `json:"arbitratorCommission"`
	AddedProtocolFee     string  `json:"addedProtocolFee"`
	TermsHash            string  `json:"termsHash"`
	CommunicationRef     string  `json:"communicationRef,omitempty"`
	SellerSequence       uint64  `json:"sellerSequence"`
	CreatedAt            int64   `json:"createdAt"`
	Status               string  `json:"status"`
	Award                *string `json:"award,omitempty"`
	CommentsHash         *string `json:"commentsHash,omitempty"`
}

type registryParamsJSON struct {
	Operator      string `json:"operator"`
	BaseFee       string `json:"baseFee"`
	CommissionBps uint32 `json:"commissionBps"`
}

func (s *Server) handleDealRegister(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params dealRegisterParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	buyer, err := parseDealAddress(params.Buyer)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("buyer: %v", err))
		return
	}
	seller, err := parseDealAddress(params.Seller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("seller: %v", err))
		return
	}
	arbitrator, err := parseDealAddress(params.Arbitrator)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("arbitrator: %v", err))
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("amount: %v", err))
		return
	}
	commission, err := parseNonNegativeBigInt(params.ArbitratorCommission)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("arbitratorCommission: %v", err))
		return
	}
	deposit, err := parseNonNegativeBigInt(params.Deposit)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("deposit: %v", err))
		return
	}
	termsHash, err := parseHash32(params.TermsHash)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("termsHash: %v", err))
		return
	}
	communicationRef, err := normalizeCommunicationRef(params.CommunicationRef)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("communicationRef: %v", err))
		return
	}
	res, err := s.node.DealRegister(buyer, seller, arbitrator, amount, termsHash, communicationRef, commission, deposit)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, dealRegisterResult{
		DealID:          res.Deal.ID,
		SellerSequence:  res.Deal.SellerSequence,
		RequiredDeposit: res.Required.String(),
		Excess:          res.Excess.String(),
	})
}

func (s *Server) handleDealAppeal(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleDealTransition(w, r, req, s.node.DealAppeal)
}

func (s *Server) handleDealRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleDealTransition(w, r, req, s.node.DealRefund)
}

func (s *Server) handleDealCloseWithoutIssue(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleDealTransition(w, r, req, s.node.DealCloseWithoutIssue)
}

func (s *Server) handleDealTransition(w http.ResponseWriter, r *http.Request, req *RPCRequest, apply func(uint64, [20]byte) (*escrow.Deal, error)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params dealActorParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	if params.DealID == 0 {
		writeInvalidParams(w, req.ID, "dealId must be > 0")
		return
	}
	caller, err := parseDealAddress(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("caller: %v", err))
		return
	}
	deal, err := apply(params.DealID, caller)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDealJSON(deal))
}

func (s *Server) handleDealCloseWithArbitrator(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params dealRulingParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	if params.DealID == 0 {
		writeInvalidParams(w, req.ID, "dealId must be > 0")
		return
	}
	caller, err := parseDealAddress(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("caller: %v", err))
		return
	}
	award, err := parseNonNegativeBigInt(params.Award)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("award: %v", err))
		return
	}
	commentsHash, err := parseHash32(params.CommentsHash)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("commentsHash: %v", err))
		return
	}
	deal, err := s.node.DealCloseWithArbitrator(params.DealID, award, commentsHash, caller)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDealJSON(deal))
}

func (s *Server) handleDealGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	deal, err := s.node.DealGet(params.DealID)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDealJSON(deal))
}

func (s *Server) handleDealIsOpen(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params dealIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	open, err := s.node.DealIsOpen(params.DealID)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"open": open})
}

func (s *Server) handleRequiredDeposit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params requiredDepositParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("amount: %v", err))
		return
	}
	commission, err := parseNonNegativeBigInt(params.ArbitratorCommission)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("arbitratorCommission: %v", err))
		return
	}
	required, err := s.node.DealRequiredDeposit(amount, commission)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"requiredDeposit": required.String()})
}

func (s *Server) handleRegistryOperator(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	operator, err := s.node.RegistryOperator()
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"operator": crypto.EncodeAddress(operator)})
}

func (s *Server) handleRegistryParams(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	params, err := s.node.RegistryParams()
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, registryParamsJSON{
		Operator:      crypto.EncodeAddress(params.Operator),
		BaseFee:       params.BaseFee.String(),
		CommissionBps: params.CommissionBps,
	})
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params transferOwnershipParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseDealAddress(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("caller: %v", err))
		return
	}
	newOperator, err := parseDealAddress(params.NewOperator)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("newOperator: %v", err))
		return
	}
	if err := s.node.RegistryTransferOwnership(newOperator, caller); err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeInvalidParams(w, req.ID, "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeInvalidParams(w, req.ID, err.Error())
		return false
	}
	return true
}

func writeInvalidParams(w http.ResponseWriter, id interface{}, detail string) {
	writeError(w, http.StatusBadRequest, id, codeDealInvalidParams, "invalid_params", detail)
}

func parseDealAddress(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	return crypto.ParseAddress(trimmed)
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	amount, err := parseNonNegativeBigInt(value)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseNonNegativeBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseHash32(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, nil
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("hash must be 32 bytes")
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded)
	return out, nil
}

func normalizeCommunicationRef(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", nil
	}
	normalized := norm.NFC.String(trimmed)
	if len(normalized) > maxCommunicationRefBytes {
		return "", fmt.Errorf("communication reference must be <= %d bytes", maxCommunicationRefBytes)
	}
	return normalized, nil
}

func formatHash32(hash [32]byte) string {
	return "0x" + hex.EncodeToString(hash[:])
}

func formatDealJSON(deal *escrow.Deal) dealJSON {
	amount := "0"
	if deal.Amount != nil {
		amount = deal.Amount.String()
	}
	commission := "0"
	if deal.ArbitratorCommission != nil {
		commission = deal.ArbitratorCommission.String()
	}
	addedFee := "0"
	if deal.AddedProtocolFee != nil {
		addedFee = deal.AddedProtocolFee.String()
	}
	out := dealJSON{
		DealID:               deal.ID,
		Buyer:                crypto.EncodeAddress(deal.Buyer),
		Seller:               crypto.EncodeAddress(deal.Seller),
		Arbitrator:           crypto.EncodeAddress(deal.Arbitrator),
		Amount:               amount,
		ArbitratorCommission: commission,
		AddedProtocolFee:     addedFee,
		TermsHash:            formatHash32(deal.TermsHash),
		CommunicationRef:     deal.CommunicationRef,
		SellerSequence:       deal.SellerSequence,
		CreatedAt:            deal.CreatedAt,
		Status:               deal.Decision.Status.String(),
	}
	if deal.Decision.Status == escrow.DealClosedWithArbitrator {
		award := "0"
		if deal.Decision.Award != nil {
			award = deal.Decision.Award.String()
		}
		comments := formatHash32(deal.Decision.CommentsHash)
		out.Award = &award
		out.CommentsHash = &comments
	}
	return out
}

func writeDealError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeDealInternal
	message := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrDealNotFound):
		status = http.StatusNotFound
		code = codeDealNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeDealForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, escrow.ErrIdentityConflict),
		errors.Is(err, custody.ErrNothingToWithdraw):
		status = http.StatusConflict
		code = codeDealConflict
		message = "conflict"
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrZeroIdentity):
		status = http.StatusBadRequest
		code = codeDealInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
