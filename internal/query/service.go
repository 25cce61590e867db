package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpvault/internal/custody"
	"perpvault/internal/fixed"
	"perpvault/internal/observability"
	"perpvault/internal/oracle"
	"perpvault/internal/persistence"
	"perpvault/internal/product"
	"perpvault/internal/trading"
	"perpvault/internal/vault"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// EventReader is the slice of the event log the API serves.
type EventReader interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
	LoadEventsByKey(ctx context.Context, key string, limit int) ([]persistence.EventRow, error)
}

// Service is the HTTP/JSON surface over the trading engine and the
// durable event log. Commands go straight to the engine; history reads
// come from Postgres.
type Service struct {
	engine  *trading.Engine
	events  EventReader
	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewService wires the API. events may be nil when no event store is
// attached; history endpoints then answer 503.
func NewService(engine *trading.Engine, events EventReader, log zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{engine: engine, events: events, log: log, metrics: metrics}
}

// Router builds the route table.
func (s *Service) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/orders", s.handleSubmitOrder)

		r.Route("/positions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetPosition)
			r.Post("/close", s.handleClosePosition)
			r.Post("/margin", s.handleAddMargin)
			r.Post("/liquidate", s.handleLiquidate)
			r.Post("/cancel", s.handleCancelOrder)
			r.Post("/release", s.handleReleaseMargin)
		})

		r.Get("/settlements", s.handleGetSettlements)
		r.Post("/settlements", s.handleSettle)

		r.Get("/users/{owner}/positions", s.handleUserPositions)
		r.Get("/users/{owner}/balance", s.handleBalance)
		r.Post("/deposits", s.handleDeposit)
		r.Post("/withdrawals", s.handleWithdraw)

		r.Route("/vaults", func(r chi.Router) {
			r.Post("/", s.handleAddVault)
			r.Get("/{id}", s.handleGetVault)
			r.Put("/{id}", s.handleUpdateVault)
			r.Post("/{id}/stake", s.handleStake)
			r.Post("/{id}/unstake", s.handleUnstake)
		})

		r.Route("/products", func(r chi.Router) {
			r.Post("/", s.handleAddProduct)
			r.Get("/{id}", s.handleGetProduct)
			r.Put("/{id}", s.handleUpdateProduct)
		})

		r.Get("/events", s.handleEvents)
	})
	return r
}

// --- Trading ---

func (s *Service) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	defer s.observe("submit_order", time.Now())
	var req OrderRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "submit_order", http.StatusBadRequest, err)
		return
	}
	order, err := req.toOrder()
	if err != nil {
		s.writeError(w, "submit_order", http.StatusBadRequest, err)
		return
	}
	id, err := s.engine.SubmitOrder(order)
	if err != nil {
		s.writeEngineError(w, "submit_order", err)
		return
	}
	s.writeJSON(w, "submit_order", http.StatusCreated, OrderResponse{PositionID: id})
}

func (s *Service) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	defer s.observe("get_position", time.Now())
	id, err := positionID(r)
	if err != nil {
		s.writeError(w, "get_position", http.StatusBadRequest, err)
		return
	}
	pos, err := s.engine.GetPosition(id)
	if err != nil {
		s.writeEngineError(w, "get_position", err)
		return
	}
	s.writeJSON(w, "get_position", http.StatusOK, positionResponse(pos))
}

func (s *Service) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	defer s.observe("close_position", time.Now())
	id, err := positionID(r)
	if err != nil {
		s.writeError(w, "close_position", http.StatusBadRequest, err)
		return
	}
	var req CloseRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "close_position", http.StatusBadRequest, err)
		return
	}
	var margin int64
	if req.Margin != "" {
		if margin, err = fixed.ParseUnits(req.Margin); err != nil {
			s.writeError(w, "close_position", http.StatusBadRequest, err)
			return
		}
	}
	payout, err := s.engine.ClosePosition(req.Owner, id, margin, req.FullClose || req.Margin == "")
	if err != nil {
		s.writeEngineError(w, "close_position", err)
		return
	}
	s.writeJSON(w, "close_position", http.StatusOK, PayoutResponse{
		PositionID: id,
		Payout:     fixed.FormatUnits(payout),
	})
}

func (s *Service) handleAddMargin(w http.ResponseWriter, r *http.Request) {
	defer s.observe("add_margin", time.Now())
	id, err := positionID(r)
	if err != nil {
		s.writeError(w, "add_margin", http.StatusBadRequest, err)
		return
	}
	var req MarginRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "add_margin", http.StatusBadRequest, err)
		return
	}
	amount, err := fixed.ParseUnits(req.Amount)
	if err != nil {
		s.writeError(w, "add_margin", http.StatusBadRequest, err)
		return
	}
	if err := s.engine.AddMargin(req.Owner, id, amount); err != nil {
		s.writeEngineError(w, "add_margin", err)
		return
	}
	pos, err := s.engine.GetPosition(id)
	if err != nil {
		s.writeEngineError(w, "add_margin", err)
		return
	}
	s.writeJSON(w, "add_margin", http.StatusOK, positionResponse(pos))
}

func (s *Service) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	defer s.observe("liquidate", time.Now())
	id, err := positionID(r)
	if err != nil {
		s.writeError(w, "liquidate", http.StatusBadRequest, err)
		return
	}
	var req OwnerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "liquidate", http.StatusBadRequest, err)
		return
	}
	bounty, err := s.engine.LiquidatePosition(req.Owner, id)
	if err != nil {
		s.writeEngineError(w, "liquidate", err)
		return
	}
	s.writeJSON(w, "liquidate", http.StatusOK, PayoutResponse{
		PositionID: id,
		Payout:     fixed.FormatUnits(bounty),
	})
}

func (s *Service) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	defer s.observe("cancel_order", time.Now())
	id, err := positionID(r)
	if err != nil {
		s.writeError(w, "cancel_order", http.StatusBadRequest, err)
		return
	}
	var req OwnerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "cancel_order", http.StatusBadRequest, err)
		return
	}
	if err := s.engine.CancelOrder(req.Owner, id); err != nil {
		s.writeEngineError(w, "cancel_order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	s.count("cancel_order", http.StatusNoContent)
}

func (s *Service) handleReleaseMargin(w http.ResponseWriter, r *http.Request) {
	defer s.observe("release_margin", time.Now())
	id, err := positionID(r)
	if err != nil {
		s.writeError(w, "release_margin", http.StatusBadRequest, err)
		return
	}
	var req OwnerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "release_margin", http.StatusBadRequest, err)
		return
	}
	if err := s.engine.ReleaseMargin(req.Owner, id); err != nil {
		s.writeEngineError(w, "release_margin", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	s.count("release_margin", http.StatusNoContent)
}

// --- Settlement ---

func (s *Service) handleGetSettlements(w http.ResponseWriter, r *http.Request) {
	defer s.observe("get_settlements", time.Now())
	pending := s.engine.PendingOrders()
	s.writeJSON(w, "get_settlements", http.StatusOK, SettlementsResponse{
		Pending: pending,
		Due:     s.engine.CanSettlePositions(pending),
	})
}

func (s *Service) handleSettle(w http.ResponseWriter, r *http.Request) {
	defer s.observe("settle", time.Now())
	var req SettleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "settle", http.StatusBadRequest, err)
		return
	}
	ids := req.PositionIDs
	if len(ids) == 0 {
		ids = s.engine.PendingOrders()
	}
	due := s.engine.CanSettlePositions(ids)
	s.engine.SettlePositions(due)
	s.writeJSON(w, "settle", http.StatusOK, SettleResponse{Settled: due})
}

// --- Accounts ---

func (s *Service) handleUserPositions(w http.ResponseWriter, r *http.Request) {
	defer s.observe("user_positions", time.Now())
	owner, err := ownerID(r)
	if err != nil {
		s.writeError(w, "user_positions", http.StatusBadRequest, err)
		return
	}
	vaultFilter := -1
	if raw := r.URL.Query().Get("vault"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			s.writeError(w, "user_positions", http.StatusBadRequest, fmt.Errorf("invalid vault id %q", raw))
			return
		}
		vaultFilter = int(id)
	}
	positions := s.engine.GetUserPositions(owner, vaultFilter)
	out := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionResponse(p))
	}
	s.writeJSON(w, "user_positions", http.StatusOK, out)
}

func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	defer s.observe("balance", time.Now())
	owner, err := ownerID(r)
	if err != nil {
		s.writeError(w, "balance", http.StatusBadRequest, err)
		return
	}
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		s.writeError(w, "balance", http.StatusBadRequest, errors.New("asset query parameter is required"))
		return
	}
	s.writeJSON(w, "balance", http.StatusOK, BalanceResponse{
		Owner:   owner,
		Asset:   asset,
		Balance: fixed.FormatUnits(s.engine.Balance(owner, asset)),
	})
}

func (s *Service) handleDeposit(w http.ResponseWriter, r *http.Request) {
	defer s.observe("deposit", time.Now())
	s.handleTransfer(w, r, "deposit", s.engine.Deposit)
}

func (s *Service) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	defer s.observe("withdraw", time.Now())
	s.handleTransfer(w, r, "withdraw", s.engine.Withdraw)
}

func (s *Service) handleTransfer(w http.ResponseWriter, r *http.Request, endpoint string, apply func(uuid.UUID, string, int64) error) {
	var req TransferRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err)
		return
	}
	amount, err := fixed.ParseUnits(req.Amount)
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err)
		return
	}
	if err := apply(req.Owner, req.Asset, amount); err != nil {
		s.writeEngineError(w, endpoint, err)
		return
	}
	s.writeJSON(w, endpoint, http.StatusOK, BalanceResponse{
		Owner:   req.Owner,
		Asset:   req.Asset,
		Balance: fixed.FormatUnits(s.engine.Balance(req.Owner, req.Asset)),
	})
}

// --- Vaults ---

func (s *Service) handleAddVault(w http.ResponseWriter, r *http.Request) {
	defer s.observe("add_vault", time.Now())
	s.handleVaultWrite(w, r, "add_vault", s.engine.AddVault)
}

func (s *Service) handleUpdateVault(w http.ResponseWriter, r *http.Request) {
	defer s.observe("update_vault", time.Now())
	s.handleVaultWrite(w, r, "update_vault", s.engine.UpdateVault)
}

func (s *Service) handleVaultWrite(w http.ResponseWriter, r *http.Request, endpoint string, apply func(uuid.UUID, vault.Vault) error) {
	var req VaultRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err)
		return
	}
	v, err := req.toVault()
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err)
		return
	}
	if err := apply(req.Caller, v); err != nil {
		s.writeEngineError(w, endpoint, err)
		return
	}
	stored, err := s.engine.GetVault(v.ID)
	if err != nil {
		s.writeEngineError(w, endpoint, err)
		return
	}
	s.writeJSON(w, endpoint, http.StatusOK, vaultResponse(stored))
}

func (s *Service) handleGetVault(w http.ResponseWriter, r *http.Request) {
	defer s.observe("get_vault", time.Now())
	id, err := vaultID(r)
	if err != nil {
		s.writeError(w, "get_vault", http.StatusBadRequest, err)
		return
	}
	v, err := s.engine.GetVault(id)
	if err != nil {
		s.writeEngineError(w, "get_vault", err)
		return
	}
	s.writeJSON(w, "get_vault", http.StatusOK, vaultResponse(v))
}

func (s *Service) handleStake(w http.ResponseWriter, r *http.Request) {
	defer s.observe("stake", time.Now())
	id, err := vaultID(r)
	if err != nil {
		s.writeError(w, "stake", http.StatusBadRequest, err)
		return
	}
	var req StakeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "stake", http.StatusBadRequest, err)
		return
	}
	amount, err := fixed.ParseUnits(req.Amount)
	if err != nil {
		s.writeError(w, "stake", http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Stake(req.Owner, id, amount); err != nil {
		s.writeEngineError(w, "stake", err)
		return
	}
	v, err := s.engine.GetVault(id)
	if err != nil {
		s.writeEngineError(w, "stake", err)
		return
	}
	s.writeJSON(w, "stake", http.StatusOK, vaultResponse(v))
}

func (s *Service) handleUnstake(w http.ResponseWriter, r *http.Request) {
	defer s.observe("unstake", time.Now())
	id, err := vaultID(r)
	if err != nil {
		s.writeError(w, "unstake", http.StatusBadRequest, err)
		return
	}
	var req StakeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "unstake", http.StatusBadRequest, err)
		return
	}
	amount, err := fixed.ParseUnits(req.Amount)
	if err != nil {
		s.writeError(w, "unstake", http.StatusBadRequest, err)
		return
	}
	payout, err := s.engine.Unstake(req.Owner, id, amount)
	if err != nil {
		s.writeEngineError(w, "unstake", err)
		return
	}
	s.writeJSON(w, "unstake", http.StatusOK, PayoutResponse{Payout: fixed.FormatUnits(payout)})
}

// --- Products ---

func (s *Service) handleAddProduct(w http.ResponseWriter, r *http.Request) {
	defer s.observe("add_product", time.Now())
	s.handleProductWrite(w, r, "add_product", s.engine.AddProduct)
}

func (s *Service) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	defer s.observe("update_product", time.Now())
	s.handleProductWrite(w, r, "update_product", s.engine.UpdateProduct)
}

func (s *Service) handleProductWrite(w http.ResponseWriter, r *http.Request, endpoint string, apply func(uuid.UUID, product.Product) error) {
	var req ProductRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err)
		return
	}
	p, err := req.toProduct()
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, err)
		return
	}
	if err := apply(req.Caller, p); err != nil {
		s.writeEngineError(w, endpoint, err)
		return
	}
	stored, err := s.engine.GetProduct(p.ID)
	if err != nil {
		s.writeEngineError(w, endpoint, err)
		return
	}
	s.writeJSON(w, endpoint, http.StatusOK, productResponse(stored))
}

func (s *Service) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	defer s.observe("get_product", time.Now())
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		s.writeError(w, "get_product", http.StatusBadRequest, errors.New("invalid product id"))
		return
	}
	p, err := s.engine.GetProduct(uint16(id))
	if err != nil {
		s.writeEngineError(w, "get_product", err)
		return
	}
	s.writeJSON(w, "get_product", http.StatusOK, productResponse(p))
}

// --- Event history ---

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	defer s.observe("events", time.Now())
	if s.events == nil {
		s.writeError(w, "events", http.StatusServiceUnavailable, errors.New("event store not attached"))
		return
	}
	q := r.URL.Query()

	limit := defaultEventLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, "events", http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		if n > maxEventLimit {
			n = maxEventLimit
		}
		limit = n
	}

	var rows []persistence.EventRow
	var err error
	if key := q.Get("key"); key != "" {
		rows, err = s.events.LoadEventsByKey(r.Context(), key, limit)
	} else {
		var from int64
		if raw := q.Get("from"); raw != "" {
			if from, err = strconv.ParseInt(raw, 10, 64); err != nil || from < 0 {
				s.writeError(w, "events", http.StatusBadRequest, errors.New("invalid from sequence"))
				return
			}
		}
		rows, err = s.events.LoadEventsFrom(r.Context(), from, limit)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("event history read failed")
		s.writeError(w, "events", http.StatusInternalServerError, errors.New("event history unavailable"))
		return
	}

	out := make([]EventResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, EventResponse{
			Sequence:  row.Sequence,
			EventType: row.EventType,
			Key:       row.Key,
			Payload:   json.RawMessage(row.Payload),
			Timestamp: row.Timestamp,
		})
	}
	s.writeJSON(w, "events", http.StatusOK, out)
}

// --- Plumbing ---

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func positionID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid position id")
	}
	return id, nil
}

func vaultID(r *http.Request) (uint8, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 8)
	if err != nil {
		return 0, errors.New("invalid vault id")
	}
	return uint8(id), nil
}

func ownerID(r *http.Request) (uuid.UUID, error) {
	owner, err := uuid.Parse(chi.URLParam(r, "owner"))
	if err != nil {
		return uuid.Nil, errors.New("invalid owner id")
	}
	return owner, nil
}

func (s *Service) writeJSON(w http.ResponseWriter, endpoint string, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Str("endpoint", endpoint).Msg("response encode failed")
	}
	s.count(endpoint, status)
}

func (s *Service) writeError(w http.ResponseWriter, endpoint string, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
	s.count(endpoint, status)
}

func (s *Service) writeEngineError(w http.ResponseWriter, endpoint string, err error) {
	s.writeError(w, endpoint, statusFor(err), err)
}

// statusFor maps engine errors onto HTTP statuses. Risk-limit refusals
// are conflicts, collateral shortfalls are unprocessable, oracle
// outages are service failures.
func statusFor(err error) int {
	switch {
	case errors.Is(err, trading.ErrPositionNotFound),
		errors.Is(err, product.ErrNotFound),
		errors.Is(err, vault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, trading.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, vault.ErrOpenInterestCap),
		errors.Is(err, vault.ErrCapExceeded),
		errors.Is(err, vault.ErrDrawdownBreached),
		errors.Is(err, vault.ErrEarlyRedemption),
		errors.Is(err, vault.ErrRedemptionClosed),
		errors.Is(err, vault.ErrDuplicate),
		errors.Is(err, product.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, custody.ErrInsufficientFunds),
		errors.Is(err, vault.ErrInsufficientStake),
		errors.Is(err, vault.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, oracle.ErrNoPrice),
		errors.Is(err, oracle.ErrStalePrice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (s *Service) observe(endpoint string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (s *Service) count(endpoint string, status int) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}
