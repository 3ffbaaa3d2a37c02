package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_AddRowsMigrated(t *testing.T) {
	c := NewCollector()
	before := testutil.ToFloat64(RowsMigratedTotal.WithLabelValues("messages"))
	c.AddRowsMigrated("messages", 3)
	c.AddRowsMigrated("messages", 0)
	after := testutil.ToFloat64(RowsMigratedTotal.WithLabelValues("messages"))

	assert.Equal(t, before+3, after)
}

func TestCollector_IncStep(t *testing.T) {
	c := NewCollector()
	before := testutil.ToFloat64(StepsTotal.WithLabelValues(ResultFailed))
	c.IncStep(ResultFailed)
	after := testutil.ToFloat64(StepsTotal.WithLabelValues(ResultFailed))

	assert.Equal(t, before+1, after)
}

func TestCollector_IncSourceDropped(t *testing.T) {
	c := NewCollector()
	before := testutil.ToFloat64(SourceTablesDroppedTotal)
	c.IncSourceDropped()

	assert.Equal(t, before+1, testutil.ToFloat64(SourceTablesDroppedTotal))
}

func TestCollector_ObserveBatch(t *testing.T) {
	c := NewCollector()
	c.ObserveBatch(2*time.Millisecond, 5*time.Millisecond)

	assert.InDelta(t, 0.005, testutil.ToFloat64(BatchBudget), 1e-9)
	assert.Greater(t, testutil.CollectAndCount(BatchDuration), 0)
}

func TestCollector_SetTables(t *testing.T) {
	c := NewCollector()
	c.SetTables(map[string]int{"migrating": 2, "dropped": 1})

	assert.Equal(t, float64(2), testutil.ToFloat64(Tables.WithLabelValues("migrating")))
	assert.Equal(t, float64(1), testutil.ToFloat64(Tables.WithLabelValues("dropped")))
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	var done atomic.Bool
	server, err := Listen("127.0.0.1:0", done.Load)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()

	get := func(path string) (int, string) {
		resp, err := http.Get("http://" + server.Addr() + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	NewCollector().IncIdentityConflict("notes")
	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "wcdb_migration_identity_conflicts_total"))

	code, _ = get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	done.Store(true)
	code, body = get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "migrated\n", body)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestListen_BadAddress(t *testing.T) {
	_, err := Listen("256.0.0.1:bad", nil)
	assert.Error(t, err)
}
