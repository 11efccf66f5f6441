package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowd/crypto"
	"escrowd/gateway/middleware"
	"escrowd/integrations/exports"
	"escrowd/native/escrow"
	"escrowd/observability/metrics"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
	nodeCallTimeout      = 15 * time.Second
)

// Scopes the gateway enforces on its route groups.
const (
	scopeDealsRead      = "deals:read"
	scopeDealsWrite     = "deals:write"
	scopeCustodyWrite   = "custody:write"
	scopeWebhooksManage = "webhooks:manage"
)

// Server is the REST facade in front of the escrowd node. Webhook
// notifications are sourced from the journal by the event watcher, not
// from the handlers, so the server itself never touches the queue.
type Server struct {
	node    NodeClient
	store   *SQLiteStore
	intents *PayIntentBuilder
	auth    *middleware.Authenticator
	limits  *middleware.RateLimiter
	obs     *middleware.Observability
	cors    middleware.CORSConfig
	logger  *log.Logger
	nowFn   func() time.Time
}

// ServerOptions bundles the collaborators a Server needs.
type ServerOptions struct {
	Node          NodeClient
	Store         *SQLiteStore
	Intents       *PayIntentBuilder
	Auth          *middleware.Authenticator
	RateLimits    *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *log.Logger
}

func NewServer(opts ServerOptions) *Server {
	if opts.Node == nil {
		panic("node client required")
	}
	if opts.Store == nil {
		panic("sqlite store required")
	}
	if opts.Intents == nil {
		opts.Intents = NewPayIntentBuilder()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Auth == nil {
		opts.Auth = middleware.NewAuthenticator(middleware.AuthConfig{}, opts.Logger)
	}
	if opts.RateLimits == nil {
		opts.RateLimits = middleware.NewRateLimiter(nil, opts.Logger)
	}
	if opts.Observability == nil {
		opts.Observability = middleware.NewObservability(middleware.ObservabilityConfig{}, opts.Logger)
	}
	return &Server{
		node:    opts.Node,
		store:   opts.Store,
		intents: opts.Intents,
		auth:    opts.Auth,
		limits:  opts.RateLimits,
		obs:     opts.Observability,
		cors:    opts.CORS,
		logger:  opts.Logger,
		nowFn:   time.Now,
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.cors))
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.With(s.auth.Middleware(scopeDealsWrite), s.limits.Middleware("deals"), s.obs.Middleware("deals_create")).
			Post("/deals", s.handleDealCreate)
		v1.With(s.auth.Middleware(scopeDealsRead), s.limits.Middleware("queries"), s.obs.Middleware("deals_export")).
			Get("/deals/export", s.handleDealExport)
		v1.With(s.auth.Middleware(scopeDealsRead), s.limits.Middleware("queries"), s.obs.Middleware("deals_get")).
			Get("/deals/{dealID}", s.handleDealGet)
		v1.With(s.auth.Middleware(scopeDealsWrite), s.limits.Middleware("deals"), s.obs.Middleware("deals_appeal")).
			Post("/deals/{dealID}/appeal", s.handleDealAppeal)
		v1.With(s.auth.Middleware(scopeDealsWrite), s.limits.Middleware("deals"), s.obs.Middleware("deals_refund")).
			Post("/deals/{dealID}/refund", s.handleDealRefund)
		v1.With(s.auth.Middleware(scopeDealsWrite), s.limits.Middleware("deals"), s.obs.Middleware("deals_close")).
			Post("/deals/{dealID}/close", s.handleDealClose)
		v1.With(s.auth.Middleware(scopeDealsWrite), s.limits.Middleware("deals"), s.obs.Middleware("deals_rule")).
			Post("/deals/{dealID}/rule", s.handleDealRule)
		v1.With(s.auth.Middleware(scopeCustodyWrite), s.limits.Middleware("withdrawals"), s.obs.Middleware("withdrawals")).
			Post("/withdrawals", s.handleWithdraw)
		v1.With(s.auth.Middleware(scopeDealsRead), s.limits.Middleware("queries"), s.obs.Middleware("balances")).
			Get("/balances/{account}", s.handleBalance)
		v1.With(s.auth.Middleware(scopeDealsRead), s.limits.Middleware("queries"), s.obs.Middleware("seller_history")).
			Get("/sellers/{account}/history", s.handleSellerHistory)
		v1.Route("/webhooks", func(wh chi.Router) {
			wh.Use(s.auth.Middleware(scopeWebhooksManage), s.limits.Middleware("webhooks"), s.obs.Middleware("webhooks"))
			wh.Post("/", s.handleWebhookCreate)
			wh.Get("/", s.handleWebhookList)
			wh.Delete("/{webhookID}", s.handleWebhookDelete)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type dealCreateResponse struct {
	DealID          uint64    `json:"dealId"`
	SellerSequence  uint64    `json:"sellerSequence"`
	RequiredDeposit string    `json:"requiredDeposit"`
	Excess          string    `json:"excess"`
	PayIntent       PayIntent `json:"payIntent"`
}

func (s *Server) handleDealCreate(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, func(ctx context.Context, body []byte) (int, []byte) {
		var req RegisterDealRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return errorPayload(http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		}
		if err := validateDealCreate(req); err != nil {
			return errorPayload(http.StatusBadRequest, err)
		}
		created, err := s.node.RegisterDeal(ctx, req)
		if err != nil {
			return nodeErrorPayload(err)
		}
		resp := dealCreateResponse{
			DealID:          created.DealID,
			SellerSequence:  created.SellerSequence,
			RequiredDeposit: created.RequiredDeposit,
			Excess:          created.Excess,
			PayIntent:       s.intents.Build(created.DealID, created.RequiredDeposit),
		}
		payload, err := json.Marshal(resp)
		if err != nil {
			return errorPayload(http.StatusInternalServerError, err)
		}
		return http.StatusCreated, payload
	})
}

func (s *Server) handleDealGet(w http.ResponseWriter, r *http.Request) {
	dealID, err := parseDealID(chi.URLParam(r, "dealID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	deal, err := s.node.GetDeal(ctx, dealID)
	if err != nil {
		status, payload := nodeErrorPayload(err)
		s.writeRaw(w, status, payload)
		return
	}
	if deal == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("deal %d not found", dealID))
		return
	}
	s.writeJSON(w, http.StatusOK, deal)
}

func (s *Server) handleDealAppeal(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.node.AppealDeal)
}

func (s *Server) handleDealRefund(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.node.RefundDeal)
}

func (s *Server) handleDealClose(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.node.CloseDeal)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, apply func(context.Context, uint64, string) (*NodeDeal, error)) {
	dealID, err := parseDealID(chi.URLParam(r, "dealID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.idempotent(w, r, func(ctx context.Context, body []byte) (int, []byte) {
		var req struct {
			Caller string `json:"caller"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return errorPayload(http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		}
		if _, err := crypto.ParseAddress(strings.TrimSpace(req.Caller)); err != nil {
			return errorPayload(http.StatusBadRequest, fmt.Errorf("caller: %w", err))
		}
		deal, err := apply(ctx, dealID, strings.TrimSpace(req.Caller))
		if err != nil {
			return nodeErrorPayload(err)
		}
		payload, err := json.Marshal(deal)
		if err != nil {
			return errorPayload(http.StatusInternalServerError, err)
		}
		return http.StatusOK, payload
	})
}

func (s *Server) handleDealRule(w http.ResponseWriter, r *http.Request) {
	dealID, err := parseDealID(chi.URLParam(r, "dealID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.idempotent(w, r, func(ctx context.Context, body []byte) (int, []byte) {
		var req struct {
			Caller       string `json:"caller"`
			Award        string `json:"award"`
			CommentsHash string `json:"commentsHash"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return errorPayload(http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		}
		if _, err := crypto.ParseAddress(strings.TrimSpace(req.Caller)); err != nil {
			return errorPayload(http.StatusBadRequest, fmt.Errorf("caller: %w", err))
		}
		if strings.TrimSpace(req.Award) == "" {
			return errorPayload(http.StatusBadRequest, errors.New("award is required"))
		}
		deal, err := s.node.RuleDeal(ctx, RulingRequest{
			DealID:       dealID,
			Caller:       strings.TrimSpace(req.Caller),
			Award:        strings.TrimSpace(req.Award),
			CommentsHash: strings.TrimSpace(req.CommentsHash),
		})
		if err != nil {
			return nodeErrorPayload(err)
		}
		payload, err := json.Marshal(deal)
		if err != nil {
			return errorPayload(http.StatusInternalServerError, err)
		}
		return http.StatusOK, payload
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, func(ctx context.Context, body []byte) (int, []byte) {
		var req struct {
			Account string `json:"account"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return errorPayload(http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		}
		if _, err := crypto.ParseAddress(strings.TrimSpace(req.Account)); err != nil {
			return errorPayload(http.StatusBadRequest, fmt.Errorf("account: %w", err))
		}
		paid, err := s.node.Withdraw(ctx, strings.TrimSpace(req.Account))
		if err != nil {
			return nodeErrorPayload(err)
		}
		payload, err := json.Marshal(paid)
		if err != nil {
			return errorPayload(http.StatusInternalServerError, err)
		}
		return http.StatusOK, payload
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(chi.URLParam(r, "account"))
	if _, err := crypto.ParseAddress(account); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("account: %w", err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	balance, err := s.node.Balance(ctx, account)
	if err != nil {
		status, payload := nodeErrorPayload(err)
		s.writeRaw(w, status, payload)
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleSellerHistory(w http.ResponseWriter, r *http.Request) {
	seller := strings.TrimSpace(chi.URLParam(r, "account"))
	if _, err := crypto.ParseAddress(seller); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("seller: %w", err))
		return
	}
	offset := uint64(0)
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("offset: %w", err))
			return
		}
		offset = parsed
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	history, err := s.node.SellerHistory(ctx, seller, offset, limit)
	if err != nil {
		status, payload := nodeErrorPayload(err)
		s.writeRaw(w, status, payload)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleDealExport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "jsonl" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported export format %q", format))
		return
	}
	ids, err := s.store.ListDealIDs(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*nodeCallTimeout)
	defer cancel()
	deals := make([]*escrow.Deal, 0, len(ids))
	for _, id := range ids {
		node, err := s.node.GetDeal(ctx, id)
		if err != nil {
			status, payload := nodeErrorPayload(err)
			s.writeRaw(w, status, payload)
			return
		}
		if node == nil {
			continue
		}
		deal, err := convertNodeDeal(node)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Errorf("deal %d: %w", id, err))
			return
		}
		deals = append(deals, deal)
	}

	var (
		data     []byte
		checksum string
		content  string
		name     string
	)
	switch format {
	case "jsonl":
		data, checksum, err = exports.DealsJSONL(deals)
		content, name = "application/x-ndjson", "deals.jsonl"
	default:
		data, checksum, err = exports.DealsCSV(deals)
		content, name = "text/csv", "deals.csv"
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", content)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("X-Export-Checksum", checksum)
	_, _ = w.Write(data)
}

// Event types subscribers can register for.
var subscribableEvents = map[string]struct{}{
	escrow.EventTypeDealRegistered:       {},
	escrow.EventTypeDealAppealed:         {},
	escrow.EventTypeDealStatusChanged:    {},
	escrow.EventTypeOwnershipTransferred: {},
	"custody.withdrawn":                  {},
}

type webhookCreateRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit"`
}

type webhookResponse struct {
	ID        string    `json:"id"`
	EventType string    `json:"eventType"`
	URL       string    `json:"url"`
	RateLimit int       `json:"rateLimit"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	body, err := readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req webhookCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if _, ok := subscribableEvents[strings.TrimSpace(req.EventType)]; !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown event type %q", req.EventType))
		return
	}
	target := strings.TrimSpace(req.URL)
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		s.writeError(w, http.StatusBadRequest, errors.New("url must be an http(s) endpoint"))
		return
	}
	if strings.TrimSpace(req.Secret) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("secret is required"))
		return
	}
	subject := middleware.SubjectFromContext(r.Context())
	id, err := s.store.InsertWebhook(r.Context(), WebhookSubscription{
		Owner:     subject,
		EventType: strings.TrimSpace(req.EventType),
		URL:       target,
		Secret:    strings.TrimSpace(req.Secret),
		RateLimit: req.RateLimit,
		Active:    true,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.audit(r, subject, http.StatusCreated, "webhook "+id)
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	subject := middleware.SubjectFromContext(r.Context())
	subs, err := s.store.ListWebhooks(r.Context(), subject)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]webhookResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, webhookResponse{
			ID:        sub.ID,
			EventType: sub.EventType,
			URL:       sub.URL,
			RateLimit: sub.RateLimit,
			Active:    sub.Active,
			CreatedAt: sub.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": out})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	subject := middleware.SubjectFromContext(r.Context())
	id := strings.TrimSpace(chi.URLParam(r, "webhookID"))
	found, err := s.store.DeactivateWebhook(r.Context(), subject, id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("webhook %s not found", id))
		return
	}
	s.audit(r, subject, http.StatusNoContent, "webhook "+id+" disabled")
	w.WriteHeader(http.StatusNoContent)
}

// idempotent wraps a mutation handler with Idempotency-Key replay, audit
// logging, and the node call timeout. Successful responses are cached per
// subject and key; a replay with a different payload is rejected.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, fn func(context.Context, []byte) (int, []byte)) {
	body, err := readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	subject := middleware.SubjectFromContext(r.Context())
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
		return
	}
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	cached, err := s.store.LookupIdempotency(r.Context(), subject, key)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if cached != nil {
		if cached.RequestHash != requestHash {
			s.writeError(w, http.StatusConflict, ErrIdempotencyMismatch)
			s.audit(r, subject, http.StatusConflict, ErrIdempotencyMismatch.Error())
			return
		}
		s.writeRaw(w, cached.ResponseStatus, cached.ResponseBody)
		s.audit(r, subject, cached.ResponseStatus, "idempotent replay")
		metrics.Gateway().RecordIdempotentReplay()
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	status, payload := fn(ctx, body)
	if status >= 200 && status < 300 {
		if err := s.store.SaveIdempotency(r.Context(), subject, key, requestHash, status, payload); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.writeRaw(w, status, payload)
	detail := ""
	if status >= 400 {
		detail = string(payload)
	}
	s.audit(r, subject, status, detail)
}

func (s *Server) audit(r *http.Request, actor string, status int, detail string) {
	if len(detail) > 1024 {
		detail = detail[:1024]
	}
	err := s.store.AppendAudit(r.Context(), AuditEntry{
		Actor:     actor,
		Method:    r.Method,
		Path:      r.URL.Path,
		Status:    status,
		Detail:    detail,
		CreatedAt: s.nowFn().UTC(),
	})
	if err != nil {
		s.logger.Printf("gateway: audit append: %v", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeRaw(w, status, payload)
}

func (s *Server) writeRaw(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	statusCode, payload := errorPayload(status, err)
	s.writeRaw(w, statusCode, payload)
}

func errorPayload(status int, err error) (int, []byte) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		payload = []byte(`{"error":"internal error"}`)
	}
	return status, payload
}

// nodeErrorPayload translates a node client failure into the HTTP status
// the REST surface reports.
func nodeErrorPayload(err error) (int, []byte) {
	status := http.StatusBadGateway
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		switch nodeErr.Code {
		case nodeCodeInvalidParams:
			status = http.StatusBadRequest
		case nodeCodeNotFound:
			status = http.StatusNotFound
		case nodeCodeForbidden:
			status = http.StatusForbidden
		case nodeCodeConflict:
			status = http.StatusConflict
		case nodeCodeInternal:
			status = http.StatusBadGateway
		}
		return errorPayload(status, errors.New(nodeErr.Message))
	}
	return errorPayload(status, err)
}

func validateDealCreate(req RegisterDealRequest) error {
	for _, field := range []struct {
		name  string
		value string
	}{
		{"buyer", req.Buyer},
		{"seller", req.Seller},
		{"arbitrator", req.Arbitrator},
	} {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s is required", field.name)
		}
		if _, err := crypto.ParseAddress(strings.TrimSpace(field.value)); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	if strings.TrimSpace(req.Amount) == "" {
		return errors.New("amount is required")
	}
	if strings.TrimSpace(req.ArbitratorCommission) == "" {
		return errors.New("arbitratorCommission is required")
	}
	if strings.TrimSpace(req.Deposit) == "" {
		return errors.New("deposit is required")
	}
	if strings.TrimSpace(req.TermsHash) == "" {
		return errors.New("termsHash is required")
	}
	return nil
}

func parseDealID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid deal id %q", raw)
	}
	return id, nil
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return hex.EncodeToString(sum[:])
}

// convertNodeDeal rebuilds the ledger representation from the node's wire
// shape so the export writers can reuse it.
func convertNodeDeal(nd *NodeDeal) (*escrow.Deal, error) {
	buyer, err := crypto.ParseAddress(nd.Buyer)
	if err != nil {
		return nil, fmt.Errorf("buyer: %w", err)
	}
	seller, err := crypto.ParseAddress(nd.Seller)
	if err != nil {
		return nil, fmt.Errorf("seller: %w", err)
	}
	arbitrator, err := crypto.ParseAddress(nd.Arbitrator)
	if err != nil {
		return nil, fmt.Errorf("arbitrator: %w", err)
	}
	amount, ok := new(big.Int).SetString(nd.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", nd.Amount)
	}
	commission, ok := new(big.Int).SetString(nd.ArbitratorCommission, 10)
	if !ok {
		return nil, fmt.Errorf("invalid arbitratorCommission %q", nd.ArbitratorCommission)
	}
	addedFee, ok := new(big.Int).SetString(nd.AddedProtocolFee, 10)
	if !ok {
		return nil, fmt.Errorf("invalid addedProtocolFee %q", nd.AddedProtocolFee)
	}
	status, ok := escrow.StatusFromString(nd.Status)
	if !ok {
		return nil, fmt.Errorf("unknown status %q", nd.Status)
	}
	termsHash, err := parseHash32(nd.TermsHash)
	if err != nil {
		return nil, fmt.Errorf("termsHash: %w", err)
	}
	deal := &escrow.Deal{
		ID:                   nd.DealID,
		Buyer:                buyer,
		Seller:               seller,
		Arbitrator:           arbitrator,
		Amount:               amount,
		ArbitratorCommission: commission,
		AddedProtocolFee:     addedFee,
		TermsHash:            termsHash,
		CommunicationRef:     nd.CommunicationRef,
		SellerSequence:       nd.SellerSequence,
		CreatedAt:            nd.CreatedAt,
		Decision:             escrow.Decision{Status: status},
	}
	if nd.Award != nil {
		award, ok := new(big.Int).SetString(*nd.Award, 10)
		if !ok {
			return nil, fmt.Errorf("invalid award %q", *nd.Award)
		}
		deal.Decision.Award = award
	}
	if nd.CommentsHash != nil {
		commentsHash, err := parseHash32(*nd.CommentsHash)
		if err != nil {
			return nil, fmt.Errorf("commentsHash: %w", err)
		}
		deal.Decision.CommentsHash = commentsHash
	}
	return deal, nil
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
