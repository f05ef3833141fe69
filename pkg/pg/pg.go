package pg

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	codeUniqueViolation = "23505"
	codeUndefinedObject = "42704"
	codeSerialization   = "40001"
	codeDeadlock        = "40P01"
)

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx, so
// repositories work the same on a pool and inside a local transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

//go:embed schema.sql
var schema string

func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := Ping(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}

func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return pool.Ping(ctx)
}

// ApplySchema creates the tables used by the coordinator and participants.
// Dev convenience only; production schemas are migrated separately.
func ApplySchema(ctx context.Context, q Querier) error {
	_, err := q.Exec(ctx, schema)
	return err
}

func IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

// IsUndefinedObject matches COMMIT/ROLLBACK PREPARED on an unknown gid.
func IsUndefinedObject(err error) bool {
	return hasCode(err, codeUndefinedObject)
}

func IsSerializationFailure(err error) bool {
	return hasCode(err, codeSerialization) || hasCode(err, codeDeadlock)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

// IsConnError reports failures talking to the server rather than SQL errors.
func IsConnError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	return !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, context.Canceled)
}
