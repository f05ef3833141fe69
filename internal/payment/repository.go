package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tx-lab-tpc-go/internal/payment/domain"
	"tx-lab-tpc-go/pkg/pg"
	"tx-lab-tpc-go/pkg/prepared"
)

type Repository interface {
	// FindAccount locks the account row until the enclosing transaction ends.
	FindAccount(ctx context.Context, clientID string) (domain.Account, bool, error)
	SaveAccount(ctx context.Context, a domain.Account) error
	SavePayment(ctx context.Context, p domain.Payment) error
}

func RepositoryFor(tx prepared.Tx) (Repository, error) {
	switch q := tx.(type) {
	case pg.Querier:
		return NewPostgresRepository(q), nil
	case prepared.KV:
		return NewMemoryRepository(q), nil
	}
	return nil, fmt.Errorf("payment repository: unsupported transaction %T", tx)
}

type PostgresRepository struct {
	q pg.Querier
}

func NewPostgresRepository(q pg.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

func (r *PostgresRepository) FindAccount(ctx context.Context, clientID string) (domain.Account, bool, error) {
	var a domain.Account
	err := r.q.QueryRow(ctx, `SELECT client_id, amount, locked FROM accounts WHERE client_id = $1 FOR UPDATE`, clientID).
		Scan(&a.ClientID, &a.Amount, &a.Locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, false, nil
	}
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("find account %s: %w", clientID, err)
	}
	return a, true, nil
}

func (r *PostgresRepository) SaveAccount(ctx context.Context, a domain.Account) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO accounts (client_id, amount, locked) VALUES ($1, $2, $3)
		ON CONFLICT (client_id) DO UPDATE SET amount = EXCLUDED.amount, locked = EXCLUDED.locked`,
		a.ClientID, a.Amount, a.Locked)
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.ClientID, err)
	}
	return nil
}

func (r *PostgresRepository) SavePayment(ctx context.Context, p domain.Payment) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO payments (id, order_id, client_id, amount, status, tx_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		p.ID, p.OrderID, p.ClientID, p.Amount, p.Status, p.TxID, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("save payment %s: %w", p.ID, err)
	}
	return nil
}

// TopUp credits an account outside any global transaction, creating it on
// first use, and returns the new balance.
func TopUp(ctx context.Context, q pg.Querier, clientID string, amount int64) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `
		INSERT INTO accounts (client_id, amount, locked) VALUES ($1, $2, 0)
		ON CONFLICT (client_id) DO UPDATE SET amount = accounts.amount + EXCLUDED.amount
		RETURNING amount`, clientID, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("top up %s: %w", clientID, err)
	}
	return balance, nil
}

const (
	accountsTable = "accounts"
	paymentsTable = "payments"
)

type MemoryRepository struct {
	kv prepared.KV
}

func NewMemoryRepository(kv prepared.KV) *MemoryRepository {
	return &MemoryRepository{kv: kv}
}

func (r *MemoryRepository) FindAccount(ctx context.Context, clientID string) (domain.Account, bool, error) {
	var a domain.Account
	ok, err := r.kv.Get(ctx, accountsTable, clientID, &a)
	return a, ok, err
}

func (r *MemoryRepository) SaveAccount(ctx context.Context, a domain.Account) error {
	return r.kv.Put(ctx, accountsTable, a.ClientID, a)
}

func (r *MemoryRepository) SavePayment(ctx context.Context, p domain.Payment) error {
	return r.kv.Put(ctx, paymentsTable, p.ID, p)
}
