// Package pgtest connects integration tests to the Postgres named by
// DATABASE_URL. Tests skip when it is unset.
package pgtest

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"tx-lab-tpc-go/pkg/pg"
)

// Pool returns a pool with the schema applied. PREPARE TRANSACTION tests
// also need max_prepared_transactions > 0 on the server.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pg.Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pg.ApplySchema(ctx, pool))
	return pool
}

// RequirePreparedXacts skips when the server cannot hold prepared
// transactions.
func RequirePreparedXacts(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	var max int
	require.NoError(t, pool.QueryRow(context.Background(), `SELECT current_setting('max_prepared_transactions')::int`).Scan(&max))
	if max == 0 {
		t.Skip("max_prepared_transactions is 0")
	}
}
