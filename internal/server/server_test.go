package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"SimpleBet/internal/core"
	"SimpleBet/internal/host"
	"SimpleBet/internal/observability"
	"SimpleBet/internal/persistence"
	"SimpleBet/internal/server"
)

const owner = "bet.near"

type harness struct {
	t         *testing.T
	handler   http.Handler
	chain     *host.StaticChain
	transfers *host.TransferLog
	logs      *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	chain := &host.StaticChain{Block: host.Block{Height: 10, Timestamp: 1_700_000_000_000_000_000, Seed: []byte{7, 200}}}
	transfers := host.NewTransferLog(zerolog.Nop())
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	engine := core.NewEngine(
		persistence.NewMemoryStateStore(),
		chain,
		transfers,
		core.OwnerAuthorizer{Owner: owner},
		nil, nil,
		metrics,
		zerolog.Nop(),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	logs := &bytes.Buffer{}
	api, err := server.NewAPI(engine, metrics, observability.NewLoggerTo(logs, "api", zerolog.InfoLevel))
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	hc := observability.NewHealthChecker()
	return &harness{
		t:         t,
		handler:   server.NewHTTPHandler(api, hc),
		chain:     chain,
		transfers: transfers,
		logs:      logs,
	}
}

func (h *harness) do(method, path, caller, body string) (int, map[string]interface{}) {
	h.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if caller != "" {
		req.Header.Set(server.CallerHeader, caller)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		h.t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, out
}

const initBody = `{"max_bet_ratio":{"num":"10","den":"100"},"winning_proba":{"num":"128","den":"256"}}`

func TestAPI_BetLifecycle(t *testing.T) {
	h := newHarness(t)

	if code, _ := h.do(http.MethodPost, "/v1/init", owner, initBody); code != http.StatusOK {
		t.Fatalf("init: status %d", code)
	}

	code, body := h.do(http.MethodPost, "/v1/top_up", "carol.near", `{"amount":"1000000"}`)
	if code != http.StatusOK || body["pool"] != "1000000" {
		t.Fatalf("top up: %d %v", code, body)
	}

	code, body = h.do(http.MethodPost, "/v1/bet", "alice.near", `{"deposit":"2000000"}`)
	if code != http.StatusOK {
		t.Fatalf("bet: status %d %v", code, body)
	}
	if body["phase"] != "resolved" || body["accepted"] != "100000" || body["refund"] != "1900000" {
		t.Errorf("bet response: %v", body)
	}
	evt, _ := body["event"].(map[string]interface{})
	if evt["result"] != "Lose" || evt["bet"] != "100000" {
		t.Errorf("event: %v", evt)
	}

	code, body = h.do(http.MethodGet, "/v1/pool", "", "")
	if code != http.StatusOK || body["pool"] != "1100000" {
		t.Errorf("pool: %d %v", code, body)
	}

	code, body = h.do(http.MethodGet, "/v1/events", "", "")
	events, _ := body["events"].([]interface{})
	if code != http.StatusOK || len(events) != 1 {
		t.Errorf("events: %d %v", code, body)
	}

	transfers := h.transfers.Transfers()
	if len(transfers) != 1 || transfers[0].To != "alice.near" || transfers[0].Amount.String() != "1900000" {
		t.Errorf("transfers: %+v", transfers)
	}
}

func TestAPI_Errors(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		method string
		path   string
		caller string
		body   string
		status int
	}{
		{"view before init", http.MethodGet, "/v1/pool", "", "", http.StatusBadRequest},
		{"missing caller", http.MethodPost, "/v1/init", "", initBody, http.StatusUnauthorized},
		{"non-owner init", http.MethodPost, "/v1/init", "mallory.near", initBody, http.StatusForbidden},
		{"invalid ratio", http.MethodPost, "/v1/init", owner, `{"max_bet_ratio":{"num":"0","den":"1"},"winning_proba":{"num":"1","den":"256"}}`, http.StatusBadRequest},
		{"init", http.MethodPost, "/v1/init", owner, initBody, http.StatusOK},
		{"double init", http.MethodPost, "/v1/init", owner, initBody, http.StatusConflict},
		{"unknown field", http.MethodPost, "/v1/top_up", "carol.near", `{"amt":"1"}`, http.StatusBadRequest},
		{"malformed amount", http.MethodPost, "/v1/top_up", "carol.near", `{"amount":"-5"}`, http.StatusBadRequest},
		{"proba wrong den", http.MethodPut, "/v1/config/winning_proba", owner, `{"num":"1","den":"100"}`, http.StatusBadRequest},
		{"setter non-owner", http.MethodPut, "/v1/config/max_bet_ratio", "alice.near", `{"num":"1","den":"2"}`, http.StatusForbidden},
		{"setter", http.MethodPut, "/v1/config/max_bet_ratio", owner, `{"num":"1","den":"2"}`, http.StatusOK},
		{"migrate current", http.MethodPost, "/v1/migrate", owner, "", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := h.do(tt.method, tt.path, tt.caller, tt.body)
			if code != tt.status {
				t.Errorf("status: got %d, want %d (%v)", code, tt.status, body)
			}
		})
	}

	code, body := h.do(http.MethodGet, "/v1/config", "", "")
	ratio, _ := body["max_bet_ratio"].(map[string]interface{})
	if code != http.StatusOK || ratio["den"] != "2" {
		t.Errorf("config after setter: %d %v", code, body)
	}
}

func TestAPI_ZeroPoolRefundsDeposit(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodPost, "/v1/init", owner, initBody)

	code, body := h.do(http.MethodPost, "/v1/bet", "alice.near", `{"deposit":"500"}`)
	if code != http.StatusOK || body["phase"] != "refunded" || body["refund"] != "500" {
		t.Fatalf("bet: %d %v", code, body)
	}
	if _, ok := body["event"]; ok {
		t.Error("refunded bet must not carry an event")
	}
}

func TestAPI_Health(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready: got %d", rec.Code)
	}
}

func TestAPI_EngineStopped(t *testing.T) {
	engine := core.NewEngine(persistence.NewMemoryStateStore(), &host.StaticChain{}, host.NewTransferLog(zerolog.Nop()),
		core.OwnerAuthorizer{Owner: owner}, nil, nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := engine.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}

	api, err := server.NewAPI(engine, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pool", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got %d, want 503", rec.Code)
	}
}

// brokenWriter takes the status line but fails every body write.
type brokenWriter struct {
	header http.Header
	status int
}

func (w *brokenWriter) Header() http.Header       { return w.header }
func (w *brokenWriter) WriteHeader(status int)    { w.status = status }
func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestAPI_LogsUnwritableErrorResponse(t *testing.T) {
	h := newHarness(t)

	w := &brokenWriter{header: http.Header{}}
	h.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/pool", nil))

	if w.status != http.StatusBadRequest {
		t.Errorf("status: got %d, want %d", w.status, http.StatusBadRequest)
	}
	if !strings.Contains(h.logs.String(), "write error response") {
		t.Errorf("write failure not logged: %s", h.logs.String())
	}
}
