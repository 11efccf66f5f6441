package rpc

import (
	"errors"
	"net/http"

	"escrowd/core"
	"escrowd/core/journal"
)

type eventsListParams struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit"`
}

type eventsListResult struct {
	Entries []*journal.Entry `json:"entries"`
}

type eventsLatestResult struct {
	Sequence uint64 `json:"sequence"`
}

func (s *Server) handleEventsList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params eventsListParams
	if len(req.Params) > 0 {
		if !decodeSingleParam(w, req, &params) {
			return
		}
	}
	entries, err := s.node.EventsAfter(params.After, params.Limit)
	if err != nil {
		writeEventsError(w, req.ID, err)
		return
	}
	if entries == nil {
		entries = []*journal.Entry{}
	}
	writeResult(w, req.ID, eventsListResult{Entries: entries})
}

func (s *Server) handleEventsLatest(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	sequence, err := s.node.LastEventSequence()
	if err != nil {
		writeEventsError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, eventsLatestResult{Sequence: sequence})
}

func writeEventsError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, core.ErrNoJournal) {
		writeError(w, http.StatusServiceUnavailable, id, codeServerError, "event journal disabled", err.Error())
		return
	}
	writeDealError(w, id, err)
}
