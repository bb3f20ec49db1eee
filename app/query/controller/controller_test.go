package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/statex/app/query/types"
	"github.com/canopy-network/statex/pkg/codes"
	"github.com/canopy-network/statex/pkg/db/memory"
	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/engine"
	"github.com/canopy-network/statex/pkg/formula/library"
	"github.com/canopy-network/statex/pkg/keys"
	"github.com/canopy-network/statex/pkg/rangeresolver"
	"github.com/canopy-network/statex/pkg/transform/rules"
)

// newTestController serves a cw20 "token" whose balance of x is 100 at block 10 and 200 at
// block 20, next to a non-cw20 entity "dao".
func newTestController(t *testing.T) (*Controller, http.Handler) {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	store := memory.New()
	require.NoError(t, store.UpsertEntities(ctx, []models.Entity{{Address: "token", CodeID: 1}, {Address: "dao", CodeID: 2}}))
	require.NoError(t, store.UpsertBlocks(ctx, []models.Block{{Height: 10, TimeUnixMs: 10000}, {Height: 20, TimeUnixMs: 20000}}))
	for _, ev := range []struct {
		amount string
		height uint64
	}{{"100", 10}, {"200", 20}} {
		require.NoError(t, store.UpsertEvents(ctx, []models.StateEvent{{
			Namespace:       "wasm",
			EntityID:        "token",
			Key:             keys.MustEncode("balance", "x"),
			Value:           `"` + ev.amount + `"`,
			ValueJSON:       json.RawMessage(`"` + ev.amount + `"`),
			BlockHeight:     ev.height,
			BlockTimeUnixMs: int64(ev.height) * 1000,
		}}))
	}

	registry, err := library.NewRegistry()
	require.NoError(t, err)
	entities, err := codes.NewEntityCache(store, 16)
	require.NoError(t, err)
	eng, err := engine.New(engine.Options{
		Store:    store,
		Registry: registry,
		Codes:    codes.NewRegistry(map[string][]uint64{rules.KindCw20: {1}}),
		Entities: entities,
		Logger:   logger,
	})
	require.NoError(t, err)

	app := &types.App{Store: store, Engine: eng, Entities: entities, Logger: logger}
	ctler := NewController(app)
	router, err := ctler.NewRouter()
	require.NoError(t, err)
	return ctler, WithCORS(router)
}

func do(t *testing.T, h http.Handler, method, target string, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestComputeSingleBlock(t *testing.T) {
	_, h := newTestController(t)

	tests := []struct {
		name   string
		target string
		want   string
	}{
		{name: "latest", target: "/contract/token/cw20/balance?address=x", want: `"200"`},
		{name: "height", target: "/contract/token/cw20/balance?address=x&block=15", want: `"100"`},
		{name: "height and time", target: "/contract/token/cw20/balance?address=x&block=20:20000", want: `"200"`},
		{name: "time", target: "/contract/token/cw20/balance?address=x&time=15000", want: `"100"`},
		{name: "relative time", target: "/contract/token/cw20/balance?address=x&time=-5000", want: `"100"`},
		{name: "unknown holder", target: "/contract/token/cw20/balance?address=y", want: `"0"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.JSONEq(t, tt.want, rec.Body.String())
			require.Equal(t, "1", rec.Header().Get("X-Credits"))
			require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
		})
	}
}

func TestComputeRanges(t *testing.T) {
	_, h := newTestController(t)

	rec := do(t, h, http.MethodGet, "/contract/token/cw20/balance?address=x&blocks=10..20", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "2", rec.Header().Get("X-Credits"))
	var points []rangeresolver.Point
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Len(t, points, 2)
	require.Equal(t, uint64(10), points[0].BlockHeight)
	require.JSONEq(t, `"100"`, string(points[0].Value))
	require.Equal(t, uint64(20), points[1].BlockHeight)
	require.JSONEq(t, `"200"`, string(points[1].Value))

	rec = do(t, h, http.MethodGet, "/contract/token/cw20/balance?address=x&blocks=10..20&blockStep=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	points = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Len(t, points, 3)
	for i, want := range []struct {
		at    int64
		value string
	}{{10, `"100"`}, {15, `"100"`}, {20, `"200"`}} {
		require.NotNil(t, points[i].At)
		require.Equal(t, want.at, *points[i].At)
		require.JSONEq(t, want.value, string(points[i].Value))
	}

	rec = do(t, h, http.MethodGet, "/contract/token/cw20/balance?address=x&times=10000..20000&timeStep=5000", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	points = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Len(t, points, 3)
	require.Equal(t, int64(15000), *points[1].At)
	require.JSONEq(t, `"100"`, string(points[1].Value))

	// Negative times count back from the latest block at 20000.
	rec = do(t, h, http.MethodGet, "/contract/token/cw20/balance?address=x&times=-10000..-5000", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	points = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Len(t, points, 1)
	require.Equal(t, uint64(10), points[0].BlockHeight)
	require.JSONEq(t, `"100"`, string(points[0].Value))

	// The end is capped at the latest block.
	rec = do(t, h, http.MethodGet, "/contract/token/cw20/balance?address=x&blocks=10..500", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "2", rec.Header().Get("X-Credits"))
}

func TestComputeErrors(t *testing.T) {
	_, h := newTestController(t)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{name: "unknown type", target: "/account/token/cw20/balance", status: http.StatusBadRequest},
		{name: "unknown formula", target: "/contract/token/cw20/nope", status: http.StatusNotFound},
		{name: "unknown contract", target: "/contract/missing/cw20/balance?address=x", status: http.StatusNotFound},
		{name: "filter mismatch", target: "/contract/dao/cw20/balance?address=x", status: http.StatusMethodNotAllowed},
		{name: "missing argument", target: "/contract/token/cw20/balance", status: http.StatusBadRequest},
		{name: "dynamic range", target: "/generic/_/time/now?blocks=10..20", status: http.StatusBadRequest},
		{name: "bad block", target: "/contract/token/cw20/balance?address=x&block=abc", status: http.StatusBadRequest},
		{name: "zero block", target: "/contract/token/cw20/balance?address=x&block=0", status: http.StatusBadRequest},
		{name: "reversed blocks", target: "/contract/token/cw20/balance?address=x&blocks=20..10", status: http.StatusBadRequest},
		{name: "bad step", target: "/contract/token/cw20/balance?address=x&blocks=10..20&blockStep=0", status: http.StatusBadRequest},
		{name: "reversed times", target: "/contract/token/cw20/balance?address=x&times=20000..10000", status: http.StatusBadRequest},
		{name: "reversed negative times", target: "/contract/token/cw20/balance?address=x&times=-5000..-10000", status: http.StatusBadRequest},
		{name: "unknown validator", target: "/validator/val9/staking/info", status: http.StatusNotFound},
		{name: "two selectors", target: "/contract/token/cw20/balance?address=x&block=10&time=10000", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, "")
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestParseComputeParamsArgs(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?owner=a&spender=b&blocks=1:100..5&blockStep=2", nil)
	p, err := parseComputeParams(req.URL.Query())
	require.NoError(t, err)
	require.Equal(t, map[string]string{"owner": "a", "spender": "b"}, p.Args)
	require.Equal(t, models.Block{Height: 1, TimeUnixMs: 100}, p.Blocks[0])
	require.Equal(t, models.Block{Height: 5}, p.Blocks[1])
	require.Equal(t, uint64(2), p.BlockStep)
	require.True(t, p.isRange())

	req = httptest.NewRequest(http.MethodGet, "/x?times=-60000", nil)
	p, err = parseComputeParams(req.URL.Query())
	require.NoError(t, err)
	require.Equal(t, int64(-60000), *p.Times[0])
	require.Nil(t, p.Times[1])

	req = httptest.NewRequest(http.MethodGet, "/x?times=-7200000..-3600000", nil)
	p, err = parseComputeParams(req.URL.Query())
	require.NoError(t, err)
	require.Equal(t, int64(-7200000), *p.Times[0])
	require.Equal(t, int64(-3600000), *p.Times[1])
}

func TestFormulasAndHealth(t *testing.T) {
	_, h := newTestController(t)

	rec := do(t, h, http.MethodGet, "/formulas/contract", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var formulas []FormulaInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &formulas))
	var found *FormulaInfo
	for i := range formulas {
		if formulas[i].Name == "cw20/balance" {
			found = &formulas[i]
		}
	}
	require.NotNil(t, found)
	require.Equal(t, []string{"address"}, found.RequiredArgs)
	require.Equal(t, []string{rules.KindCw20}, found.CodeKinds)

	rec = do(t, h, http.MethodGet, "/formulas/bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status      string       `json:"status"`
		LatestBlock models.Block `json:"latestBlock"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, uint64(20), health.LatestBlock.Height)
}

func TestCORSPreflight(t *testing.T) {
	_, h := newTestController(t)
	rec := do(t, h, http.MethodOptions, "/contract/token/cw20/balance", "", func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example")
	})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdminDeleteComputations(t *testing.T) {
	_, h := newTestController(t)

	rec := do(t, h, http.MethodGet, "/contract/token/cw20/balance?address=x&blocks=10..20", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodDelete, "/admin/computations/token", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodDelete, "/admin/computations/token", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer devtoken")
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, int64(2), out.Deleted)
}

func TestAdminLoginSession(t *testing.T) {
	_, h := newTestController(t)

	rec := do(t, h, http.MethodPost, "/admin/login", `{"username":"admin","password":"wrong"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/admin/login", `{"username":"admin","password":"admin"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, sessionCookie, cookies[0].Name)

	rec = do(t, h, http.MethodDelete, "/admin/computations/token", "", func(r *http.Request) {
		r.AddCookie(cookies[0])
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/admin/logout", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}
