package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"

	"SimpleBet/internal/core"
	"SimpleBet/internal/event"
	"SimpleBet/internal/host"
	fpmath "SimpleBet/internal/math"
	"SimpleBet/internal/observability"
)

// CallerHeader carries the calling account. Verifying it is the host's job.
const CallerHeader = "X-Caller-Account"

const maxBodyBytes = 1 << 16

var errBadRequest = errors.New("bad request")

// Contract is the engine surface exposed over HTTP.
type Contract interface {
	Initialize(ctx context.Context, caller host.AccountID, cfg core.Config) error
	SetMaxBetRatio(ctx context.Context, caller host.AccountID, f fpmath.Fraction) error
	SetWinningProba(ctx context.Context, caller host.AccountID, f fpmath.Fraction) error
	Migrate(ctx context.Context, caller host.AccountID) error
	TopUp(ctx context.Context, depositor host.AccountID, amount fpmath.Amount) (fpmath.Amount, error)
	PlaceBet(ctx context.Context, bettor host.AccountID, deposit fpmath.Amount) (*core.BetReceipt, error)
	Pool(ctx context.Context) (fpmath.Amount, error)
	Config(ctx context.Context) (core.Config, error)
	RecentEvents(ctx context.Context) ([]event.BetEvent, error)
	Pending(ctx context.Context) ([]core.PendingBet, error)
}

type amountRequest struct {
	Amount fpmath.Amount `json:"amount"`
}

type betRequest struct {
	Deposit fpmath.Amount `json:"deposit"`
}

type poolResponse struct {
	Pool fpmath.Amount `json:"pool"`
}

type eventsResponse struct {
	Events []event.BetEvent `json:"events"`
}

type pendingResponse struct {
	Pending []core.PendingBet `json:"pending"`
}

type betResponse struct {
	Phase    core.Phase      `json:"phase"`
	Ticket   uint64          `json:"ticket,omitempty"`
	Deposit  fpmath.Amount   `json:"deposit"`
	Accepted fpmath.Amount   `json:"accepted"`
	Refund   fpmath.Amount   `json:"refund"`
	Payout   *fpmath.Amount  `json:"payout,omitempty"`
	Event    *event.BetEvent `json:"event,omitempty"`
}

type okResponse struct {
	Status string `json:"status"`
}

// API serves contract calls as HTTP/JSON on a grpc-gateway ServeMux.
type API struct {
	contract Contract
	metrics  *observability.Metrics
	logger   zerolog.Logger
	mux      *runtime.ServeMux
}

func NewAPI(contract Contract, metrics *observability.Metrics, logger zerolog.Logger) (*API, error) {
	a := &API{
		contract: contract,
		metrics:  metrics,
		logger:   logger.With().Str("component", "api").Logger(),
		mux:      runtime.NewServeMux(),
	}

	routes := []struct {
		method, pattern, endpoint string
		handler                   func(r *http.Request) (interface{}, error)
	}{
		{http.MethodGet, "/v1/pool", "pool", a.getPool},
		{http.MethodGet, "/v1/config", "config", a.getConfig},
		{http.MethodGet, "/v1/events", "events", a.getEvents},
		{http.MethodGet, "/v1/pending", "pending", a.getPending},
		{http.MethodPost, "/v1/init", "init", a.initialize},
		{http.MethodPost, "/v1/top_up", "top_up", a.topUp},
		{http.MethodPost, "/v1/bet", "bet", a.placeBet},
		{http.MethodPost, "/v1/migrate", "migrate", a.migrate},
		{http.MethodPut, "/v1/config/max_bet_ratio", "set_max_bet_ratio", a.setMaxBetRatio},
		{http.MethodPut, "/v1/config/winning_proba", "set_winning_proba", a.setWinningProba},
	}
	for _, rt := range routes {
		if err := a.mux.HandlePath(rt.method, rt.pattern, a.wrap(rt.endpoint, rt.handler)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return a, nil
}

// Handler returns the gateway mux.
func (a *API) Handler() http.Handler {
	return a.mux
}

func (a *API) wrap(endpoint string, h func(r *http.Request) (interface{}, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		start := time.Now()
		code := codes.OK

		resp, err := h(r)
		if err != nil {
			var writeErr error
			code, writeErr = writeError(w, err)
			if code == codes.Internal || code == codes.DataLoss {
				a.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
			}
			if writeErr != nil {
				a.logger.Warn().Err(writeErr).Str("endpoint", endpoint).Msg("write error response")
			}
		} else {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			if err := json.NewEncoder(w).Encode(resp); err != nil {
				a.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("write response")
			}
		}

		if a.metrics != nil {
			a.metrics.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
			a.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func caller(r *http.Request) (host.AccountID, error) {
	id := r.Header.Get(CallerHeader)
	if id == "" {
		return "", errMissingCaller
	}
	return host.AccountID(id), nil
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// --- Views ---

func (a *API) getPool(r *http.Request) (interface{}, error) {
	pool, err := a.contract.Pool(r.Context())
	if err != nil {
		return nil, err
	}
	return poolResponse{Pool: pool}, nil
}

func (a *API) getConfig(r *http.Request) (interface{}, error) {
	return a.contract.Config(r.Context())
}

func (a *API) getEvents(r *http.Request) (interface{}, error) {
	events, err := a.contract.RecentEvents(r.Context())
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []event.BetEvent{}
	}
	return eventsResponse{Events: events}, nil
}

func (a *API) getPending(r *http.Request) (interface{}, error) {
	pending, err := a.contract.Pending(r.Context())
	if err != nil {
		return nil, err
	}
	if pending == nil {
		pending = []core.PendingBet{}
	}
	return pendingResponse{Pending: pending}, nil
}

// --- Calls ---

func (a *API) initialize(r *http.Request) (interface{}, error) {
	who, err := caller(r)
	if err != nil {
		return nil, err
	}
	var cfg core.Config
	if err := decode(r, &cfg); err != nil {
		return nil, err
	}
	if err := a.contract.Initialize(r.Context(), who, cfg); err != nil {
		return nil, err
	}
	return okResponse{Status: "initialized"}, nil
}

func (a *API) setMaxBetRatio(r *http.Request) (interface{}, error) {
	who, err := caller(r)
	if err != nil {
		return nil, err
	}
	var f fpmath.Fraction
	if err := decode(r, &f); err != nil {
		return nil, err
	}
	if err := a.contract.SetMaxBetRatio(r.Context(), who, f); err != nil {
		return nil, err
	}
	return a.contract.Config(r.Context())
}

func (a *API) setWinningProba(r *http.Request) (interface{}, error) {
	who, err := caller(r)
	if err != nil {
		return nil, err
	}
	var f fpmath.Fraction
	if err := decode(r, &f); err != nil {
		return nil, err
	}
	if err := a.contract.SetWinningProba(r.Context(), who, f); err != nil {
		return nil, err
	}
	return a.contract.Config(r.Context())
}

func (a *API) migrate(r *http.Request) (interface{}, error) {
	who, err := caller(r)
	if err != nil {
		return nil, err
	}
	if err := a.contract.Migrate(r.Context(), who); err != nil {
		return nil, err
	}
	return okResponse{Status: "migrated"}, nil
}

func (a *API) topUp(r *http.Request) (interface{}, error) {
	who, err := caller(r)
	if err != nil {
		return nil, err
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	pool, err := a.contract.TopUp(r.Context(), who, req.Amount)
	if err != nil {
		return nil, err
	}
	return poolResponse{Pool: pool}, nil
}

func (a *API) placeBet(r *http.Request) (interface{}, error) {
	who, err := caller(r)
	if err != nil {
		return nil, err
	}
	var req betRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	receipt, err := a.contract.PlaceBet(r.Context(), who, req.Deposit)
	if err != nil {
		return nil, err
	}
	return newBetResponse(receipt), nil
}

func newBetResponse(receipt *core.BetReceipt) betResponse {
	acc := receipt.Acceptance
	resp := betResponse{
		Phase:    acc.Phase,
		Ticket:   acc.Ticket,
		Deposit:  acc.Deposit,
		Accepted: acc.Accepted,
		Refund:   acc.Refund,
	}
	if res := receipt.Resolution; res != nil {
		payout := res.Payout
		resp.Phase = res.Phase
		resp.Payout = &payout
		resp.Event = res.Event
	}
	return resp
}
