package rpc

import (
	"errors"
	"fmt"
	"net/http"

	"escrowd/native/history"
)

type historySellerParams struct {
	Seller string `json:"seller"`
}

type historySequenceParams struct {
	Seller   string `json:"seller"`
	Sequence uint64 `json:"sequence"`
}

type historyListParams struct {
	Seller string `json:"seller"`
	Offset uint64 `json:"offset"`
	Limit  int    `json:"limit"`
}

type historyCountResult struct {
	Seller string `json:"seller"`
	Count  uint64 `json:"count"`
}

type historyDealResult struct {
	Seller   string `json:"seller"`
	Sequence uint64 `json:"sequence"`
	DealID   uint64 `json:"dealId"`
}

type historyListResult struct {
	Seller  string   `json:"seller"`
	Offset  uint64   `json:"offset"`
	DealIDs []uint64 `json:"dealIds"`
}

func (s *Server) handleHistoryCount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params historySellerParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	seller, err := parseDealAddress(params.Seller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("seller: %v", err))
		return
	}
	count, err := s.node.HistoryCount(seller)
	if err != nil {
		writeHistoryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, historyCountResult{Seller: params.Seller, Count: count})
}

func (s *Server) handleHistoryDealAt(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params historySequenceParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	seller, err := parseDealAddress(params.Seller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("seller: %v", err))
		return
	}
	dealID, err := s.node.HistoryDealAt(seller, params.Sequence)
	if err != nil {
		writeHistoryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, historyDealResult{Seller: params.Seller, Sequence: params.Sequence, DealID: dealID})
}

func (s *Server) handleHistoryList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params historyListParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	seller, err := parseDealAddress(params.Seller)
	if err != nil {
		writeInvalidParams(w, req.ID, fmt.Sprintf("seller: %v", err))
		return
	}
	dealIDs, err := s.node.HistoryList(seller, params.Offset, params.Limit)
	if err != nil {
		writeHistoryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, historyListResult{Seller: params.Seller, Offset: params.Offset, DealIDs: dealIDs})
}

func writeHistoryError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, history.ErrEntryNotFound), errors.Is(err, history.ErrInvalidSequence):
		writeError(w, http.StatusNotFound, id, codeDealNotFound, "not_found", err.Error())
	default:
		writeDealError(w, id, err)
	}
}
