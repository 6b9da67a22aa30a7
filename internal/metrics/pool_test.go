package metrics

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newIdlePool returns a pool that never dials; pgxpool connects lazily.
func newIdlePool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), "")
	if err != nil {
		t.Skipf("unable to create pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestRegisterPoolMetrics(t *testing.T) {
	pool := newIdlePool(t)
	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, "diagnostics", pool)

	expected := fmt.Sprintf(`
# HELP cartcover_db_pool_connections Database connections in the pool by state.
# TYPE cartcover_db_pool_connections gauge
cartcover_db_pool_connections{role="diagnostics",state="acquired"} 0
cartcover_db_pool_connections{role="diagnostics",state="constructing"} 0
cartcover_db_pool_connections{role="diagnostics",state="idle"} 0
# HELP cartcover_db_pool_max_connections Maximum connections the pool may open.
# TYPE cartcover_db_pool_max_connections gauge
cartcover_db_pool_max_connections{role="diagnostics"} %d
# HELP cartcover_db_pool_waited_acquires_total Acquires that had to wait for a connection.
# TYPE cartcover_db_pool_waited_acquires_total counter
cartcover_db_pool_waited_acquires_total{role="diagnostics"} 0
`, pool.Stat().MaxConns())

	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"cartcover_db_pool_connections",
		"cartcover_db_pool_max_connections",
		"cartcover_db_pool_waited_acquires_total",
	); err != nil {
		t.Errorf("unexpected metrics output:\n%v", err)
	}
}

func TestPoolMetricsRolesShareFamilies(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, "diagnostics", newIdlePool(t))
	RegisterPoolMetrics(reg, "audit", newIdlePool(t))

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(mfs) != 5 {
		t.Fatalf("metric families = %d, want 5", len(mfs))
	}
	for _, mf := range mfs {
		if mf.GetName() == "cartcover_db_pool_connections" && len(mf.GetMetric()) != 6 {
			t.Errorf("connections series = %d, want 6", len(mf.GetMetric()))
		}
	}
}
