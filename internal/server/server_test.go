package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/helixtrade/helix/internal/alerting"
	"github.com/helixtrade/helix/internal/bus"
	"github.com/helixtrade/helix/internal/config"
	"github.com/helixtrade/helix/internal/exchange"
	"github.com/helixtrade/helix/internal/execution"
	"github.com/helixtrade/helix/internal/idgen"
	"github.com/helixtrade/helix/internal/model"
	"github.com/helixtrade/helix/internal/store"
)

const testToken = "test-confirm-token"

func newTestServer(t *testing.T) (*Server, *store.Store, *exchange.Fake) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st, err := store.NewWithDB(db)
	require.NoError(t, err)

	streams := config.StreamsConfig{
		OrdersLifecycle:  "orders.lifecycle",
		PositionsChanged: "positions.changed",
		AlertsCritical:   "alerts.critical",
		AlertsWarning:    "alerts.warning",
		AlertsInfo:       "alerts.info",
	}
	fake := exchange.NewFake(decimal.NewFromInt(10000))
	memBus := bus.NewMemoryBus()
	alerts := alerting.New(memBus, streams, zap.NewNop())
	engine := execution.NewEngine(st, memBus, streams, fake, alerts, config.ExecutionConfig{
		SubmitTimeout:     200 * time.Millisecond,
		MaxSubmitAttempts: 3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		MaxStopAttempts:   3,
	}, false, zap.NewNop())

	srv := New(st, engine, alerts, config.AdminConfig{
		Host:         "127.0.0.1",
		Port:         0,
		ConfirmToken: testToken,
	}, zap.NewNop())
	return srv, st, fake
}

func do(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := do(srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPauseAndResume(t *testing.T) {
	srv, st, _ := newTestServer(t)

	w := do(srv, http.MethodPost, "/admin/pause", `{"reason":"maintenance"}`,
		map[string]string{operatorHeader: "alice"})
	require.Equal(t, http.StatusOK, w.Code)

	state, err := st.BotState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.BotStatePaused, state.State)
	assert.Equal(t, "maintenance", state.Reason)
	assert.Equal(t, "alice", state.ChangedBy)

	w = do(srv, http.MethodPost, "/admin/resume", "", map[string]string{operatorHeader: "alice"})
	require.Equal(t, http.StatusOK, w.Code)

	state, err = st.BotState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.BotStateRunning, state.State)
}

func TestResumeRefusedWhileBreakerTriggered(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	_, err := st.GetBreaker(ctx, "daily_loss", decimal.NewFromInt(10000))
	require.NoError(t, err)
	require.NoError(t, st.TriggerBreaker(ctx, "daily_loss", "equity below limit",
		decimal.NewFromInt(10000), decimal.NewFromInt(10000)))
	require.NoError(t, st.SetBotState(ctx, model.BotStatePaused, "breaker", "risk-gate"))

	w := do(srv, http.MethodPost, "/admin/resume", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "daily_loss", resp["breaker"])
}

func TestBreakerResetNeedsConfirmToken(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	_, err := st.GetBreaker(ctx, "daily_loss", decimal.NewFromInt(10000))
	require.NoError(t, err)
	require.NoError(t, st.TriggerBreaker(ctx, "daily_loss", "equity below limit",
		decimal.NewFromInt(10000), decimal.NewFromInt(10000)))

	w := do(srv, http.MethodPost, "/admin/breakers/daily_loss/reset", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(srv, http.MethodPost, "/admin/breakers/daily_loss/reset", "",
		map[string]string{confirmHeader: testToken, operatorHeader: "alice"})
	assert.Equal(t, http.StatusOK, w.Code)

	breakers, err := st.ListBreakers(ctx)
	require.NoError(t, err)
	require.Len(t, breakers, 1)
	assert.False(t, breakers[0].Triggered)

	// a second reset has nothing to clear
	w = do(srv, http.MethodPost, "/admin/breakers/daily_loss/reset", "",
		map[string]string{confirmHeader: testToken})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestKillSwitchEndpoint(t *testing.T) {
	srv, st, fake := newTestServer(t)
	ctx := context.Background()

	position, _, err := st.UpsertPositionOnFill(ctx, "BTC-USD", model.PositionSideLong, "breakout",
		decimal.NewFromInt(2), decimal.NewFromInt(400))
	require.NoError(t, err)

	w := do(srv, http.MethodPost, "/admin/killswitch", `{"reason":"fat finger"}`, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "no confirm token, no kill switch")

	w = do(srv, http.MethodPost, "/admin/killswitch", `{"reason":"fat finger"}`,
		map[string]string{confirmHeader: testToken, operatorHeader: "alice"})
	require.Equal(t, http.StatusOK, w.Code)

	state, err := st.BotState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BotStateHalted, state.State)

	status, err := fake.FetchOrderByClientID(ctx, idgen.FlattenOrderID(position.ID.String()))
	require.NoError(t, err)
	assert.True(t, status.ReduceOnly)
	assert.Equal(t, model.OrderTypeMarket, status.Type)
}

func TestEmptyConfirmTokenRejectsEverything(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.cfg.ConfirmToken = ""

	w := do(srv, http.MethodPost, "/admin/killswitch", "", map[string]string{confirmHeader: ""})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
