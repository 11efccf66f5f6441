package rpc

import (
	"fmt"
	"net/http"
)

type custodyAccountParams struct {
	Account string `json:"account"`
}

type custodyWithdrawParams struct {
	Caller string `json:"caller"`
}

type custodyBalanceResult struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

type custodyWithdrawResult struct {
	Account string `json:"account"`
	Paid    string `json:"paid"`
}

func (s *Server) handleCustodyBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params custodyAccountParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	account, err := parseDealAddress(params.Account)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("account: %v", err))
		return
	}
	balance, err := s.node.CustodyBalance(account)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, custodyBalanceResult{Account: params.Account, Balance: balance.String()})
}

func (s *Server) handleCustodyWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params custodyWithdrawParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseDealAddress(params.Caller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("caller: %v", err))
		return
	}
	paid, err := s.node.CustodyWithdraw(r.Context(), caller)
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, custodyWithdrawResult{Account: params.Caller, Paid: paid.String()})
}
