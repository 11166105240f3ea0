package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/questlog/internal/errs"
)

func paths(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = NodePath(fmt.Sprintf("n%d", i))
	}
	return out
}

func TestMemoryStoreCommitAtomic(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	set, err := Set(EntryPath("e1"), map[string]string{"content": "x"})
	require.NoError(t, err)
	require.NoError(t, st.Commit(ctx, Batch{Ops: []Op{set, Increment("aggregates/day-2026-10-19", map[string]float64{"totalExp": 0})}}))
	assert.Equal(t, []string{"aggregates/day-2026-10-19"}, st.Paths("aggregates/"))

	// A conflicting op aborts the whole batch.
	bad := Batch{Ops: []Op{
		Delete(EntryPath("e1")),
		{Kind: OpSet, Path: NodePath("a"), Data: json.RawMessage(`{}`), Revision: 99},
	}}
	err = st.Commit(ctx, bad)
	assert.ErrorIs(t, err, errs.ErrConflict)
	_, err = st.Get(ctx, EntryPath("e1"))
	assert.NoError(t, err, "entry survives the rejected batch")

	bad.Force = true
	require.NoError(t, st.Commit(ctx, bad))
	_, err = st.Get(ctx, EntryPath("e1"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, 2, st.Commits())
}

func TestMemoryStoreIncrement(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	path := "aggregates/month-2026-10"

	for i := 0; i < 3; i++ {
		require.NoError(t, st.Commit(ctx, Batch{Ops: []Op{Increment(path, map[string]float64{"totalExp": 1.5, "entries": 1})}}))
	}
	d, err := st.Get(ctx, path)
	require.NoError(t, err)

	var got map[string]float64
	require.NoError(t, json.Unmarshal(d.Data, &got))
	assert.Equal(t, map[string]float64{"totalExp": 4.5, "entries": 3}, got)
}

func TestGetManyLimit(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	_, err := st.GetMany(ctx, paths(MaxBatchRead+1))
	assert.ErrorIs(t, err, ErrBatchTooLarge)
	assert.ErrorIs(t, err, errs.ErrValidation)

	docs, err := st.GetMany(ctx, paths(MaxBatchRead))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMemoryStoreFailureInjection(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	st.SetOffline(true)
	assert.ErrorIs(t, st.Ping(ctx), errs.ErrNetwork)
	st.SetOffline(false)
	assert.NoError(t, st.Ping(ctx))

	st.FailNext(errs.Errorf(errs.KindServer, "test", "503"))
	err := st.Set(ctx, StatsPath, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, errs.ErrServer)
	assert.NoError(t, st.Set(ctx, StatsPath, json.RawMessage(`{}`)))
}

func TestBatchValidate(t *testing.T) {
	cases := map[string]Batch{
		"empty":        {},
		"no path":      {Ops: []Op{{Kind: OpDelete}}},
		"bad json":     {Ops: []Op{{Kind: OpSet, Path: "a", Data: json.RawMessage(`{`)}}},
		"no fields":    {Ops: []Op{{Kind: OpIncrement, Path: "a"}}},
		"unknown kind": {Ops: []Op{{Kind: "merge", Path: "a"}}},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, b.Validate(), errs.ErrValidation)
		})
	}
}

func TestAggregatePaths(t *testing.T) {
	at := time.Date(2026, 10, 19, 23, 30, 0, 0, time.FixedZone("PDT", -7*3600))
	assert.Equal(t, []string{
		"aggregates/day-2026-10-20",
		"aggregates/month-2026-10",
		"aggregates/year-2026",
	}, AggregatePaths(at))
}

func newServer(t *testing.T, st Store, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(st, token, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	srv := newServer(t, mem, "secret")
	client := NewHTTPStore(HTTPConfig{BaseURL: srv.URL, Token: "secret", RatePerSecond: 100, Burst: 10})

	require.NoError(t, client.Ping(ctx))
	require.NoError(t, client.Set(ctx, NodePath("debugging"), json.RawMessage(`{"id":"debugging","label":"Debugging","type":"action"}`)))

	d, err := client.Get(ctx, NodePath("debugging"))
	require.NoError(t, err)
	assert.Equal(t, NodePath("debugging"), d.Path)
	assert.JSONEq(t, `{"id":"debugging","label":"Debugging","type":"action"}`, string(d.Data))

	docs, err := client.GetMany(ctx, []string{NodePath("debugging"), NodePath("missing")})
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	_, err = client.Get(ctx, NodePath("missing"))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	set, err := Set(EdgePath("intellect~debugging"), map[string]any{"source": "intellect", "target": "debugging", "weight": 0.8})
	require.NoError(t, err)
	require.NoError(t, client.Commit(ctx, Batch{Ops: []Op{set}}))
	assert.Equal(t, []string{EdgePath("intellect~debugging")}, mem.Paths("edges/"))

	_, err = client.GetMany(ctx, paths(11))
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestHTTPStoreClassifiesFailures(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	srv := newServer(t, mem, "secret")

	unauth := NewHTTPStore(HTTPConfig{BaseURL: srv.URL, Token: "wrong"})
	assert.ErrorIs(t, unauth.Ping(ctx), errs.ErrAuth)

	client := NewHTTPStore(HTTPConfig{BaseURL: srv.URL, Token: "secret"})
	conflict := Batch{Ops: []Op{{Kind: OpSet, Path: "a", Data: json.RawMessage(`1`), Revision: 5}}}
	assert.ErrorIs(t, client.Commit(ctx, conflict), errs.ErrConflict)

	mem.SetOffline(true)
	assert.ErrorIs(t, client.Ping(ctx), errs.ErrServer)

	down := NewHTTPStore(HTTPConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	err := down.Ping(ctx)
	assert.ErrorIs(t, err, errs.ErrNetwork)
	assert.True(t, errs.Retryable(err))
}

func TestHTTPStoreTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	client := NewHTTPStore(HTTPConfig{BaseURL: slow.URL, Timeout: 50 * time.Millisecond})
	assert.ErrorIs(t, client.Ping(context.Background()), errs.ErrNetwork)
}

func TestStatusKind(t *testing.T) {
	cases := map[int]errs.Kind{
		401: errs.KindAuth,
		403: errs.KindAuth,
		404: errs.KindNotFound,
		409: errs.KindConflict,
		429: errs.KindServer,
		503: errs.KindServer,
		422: errs.KindValidation,
	}
	for code, want := range cases {
		if got := StatusKind(code); got != want {
			t.Errorf("StatusKind(%d) = %s, want %s", code, got, want)
		}
	}
}
