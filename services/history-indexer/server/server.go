package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"escrowd/crypto"
	"escrowd/services/history-indexer/models"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 100
	defaultDealsLimit  = 50
	maxDealsLimit      = 200
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB *gorm.DB
}

// Server exposes the read-only query API over the relational mirror.
type Server struct {
	DB  *gorm.DB
	Now func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	srv := &Server{DB: cfg.DB}
	if srv.Now == nil {
		srv.Now = func() time.Time { return time.Now().UTC() }
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/deals/recent", s.handleRecentDeals)
		v1.Get("/deals/{dealID}", s.handleDealGet)
		v1.Get("/deals/{dealID}/timeline", s.handleDealTimeline)
		v1.Get("/sellers/{address}/stats", s.handleSellerStats)
		v1.Get("/sellers/{address}/deals", s.handleSellerDeals)
	})

	return r
}

func (s *Server) handleRecentDeals(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), defaultRecentLimit, maxRecentLimit)
	var rows []models.DealRow
	if err := s.DB.Order("registered_seq DESC").Limit(limit).Find(&rows).Error; err != nil {
		http.Error(w, "failed to load deals", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []models.DealRow{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deals": rows})
}

func (s *Server) handleDealGet(w http.ResponseWriter, r *http.Request) {
	dealID, ok := parseDealID(w, r)
	if !ok {
		return
	}
	var row models.DealRow
	if err := s.DB.First(&row, "deal_id = ?", dealID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "deal not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load deal", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleDealTimeline(w http.ResponseWriter, r *http.Request) {
	dealID, ok := parseDealID(w, r)
	if !ok {
		return
	}
	var row models.DealRow
	if err := s.DB.First(&row, "deal_id = ?", dealID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "deal not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load deal", http.StatusInternalServerError)
		return
	}
	var transitions []models.TransitionRow
	if err := s.DB.Where("deal_id = ?", dealID).Order("sequence ASC").Find(&transitions).Error; err != nil {
		http.Error(w, "failed to load transitions", http.StatusInternalServerError)
		return
	}
	var payouts []models.PayoutRow
	if err := s.DB.Where("deal_id = ?", dealID).Order("sequence ASC").Find(&payouts).Error; err != nil {
		http.Error(w, "failed to load payouts", http.StatusInternalServerError)
		return
	}
	if transitions == nil {
		transitions = []models.TransitionRow{}
	}
	if payouts == nil {
		payouts = []models.PayoutRow{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deal":        row,
		"transitions": transitions,
		"payouts":     payouts,
	})
}

func (s *Server) handleSellerStats(w http.ResponseWriter, r *http.Request) {
	seller, ok := parseAccount(w, r)
	if !ok {
		return
	}
	var stats models.SellerStatsRow
	err := s.DB.First(&stats, "seller = ?", seller).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		stats = models.SellerStatsRow{Seller: seller, VolumeWei: "0", ProceedsWei: "0"}
	} else if err != nil {
		http.Error(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSellerDeals(w http.ResponseWriter, r *http.Request) {
	seller, ok := parseAccount(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	limit := parseLimit(query.Get("limit"), defaultDealsLimit, maxDealsLimit)
	offset := 0
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		offset = parsed
	}
	var rows []models.DealRow
	err := s.DB.Where("seller = ?", seller).
		Order("seller_sequence DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		http.Error(w, "failed to load deals", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []models.DealRow{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deals": rows})
}

func parseDealID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "dealID")
	dealID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || dealID == 0 {
		http.Error(w, "invalid deal id", http.StatusBadRequest)
		return 0, false
	}
	return dealID, true
}

func parseAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "address")
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return "", false
	}
	return crypto.EncodeAddress(addr), true
}

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
