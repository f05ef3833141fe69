package reserve

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tx-lab-tpc-go/internal/reserve/domain"
	"tx-lab-tpc-go/pkg/pg"
	"tx-lab-tpc-go/pkg/prepared"
)

type Repository interface {
	// FindItem locks the warehouse row until the enclosing transaction ends.
	FindItem(ctx context.Context, id string) (domain.WarehouseItem, bool, error)
	SaveItem(ctx context.Context, it domain.WarehouseItem) error
	SaveReserve(ctx context.Context, r domain.Reserve) error
}

func RepositoryFor(tx prepared.Tx) (Repository, error) {
	switch q := tx.(type) {
	case pg.Querier:
		return NewPostgresRepository(q), nil
	case prepared.KV:
		return NewMemoryRepository(q), nil
	}
	return nil, fmt.Errorf("reserve repository: unsupported transaction %T", tx)
}

type PostgresRepository struct {
	q pg.Querier
}

func NewPostgresRepository(q pg.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

func (r *PostgresRepository) FindItem(ctx context.Context, id string) (domain.WarehouseItem, bool, error) {
	var it domain.WarehouseItem
	err := r.q.QueryRow(ctx, `SELECT id, amount, reserved, unit_cost FROM warehouse_items WHERE id = $1 FOR UPDATE`, id).
		Scan(&it.ID, &it.Amount, &it.Reserved, &it.UnitCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WarehouseItem{}, false, nil
	}
	if err != nil {
		return domain.WarehouseItem{}, false, fmt.Errorf("find item %s: %w", id, err)
	}
	return it, true, nil
}

func (r *PostgresRepository) SaveItem(ctx context.Context, it domain.WarehouseItem) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO warehouse_items (id, amount, reserved, unit_cost) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET amount = EXCLUDED.amount, reserved = EXCLUDED.reserved, unit_cost = EXCLUDED.unit_cost`,
		it.ID, it.Amount, it.Reserved, it.UnitCost)
	if err != nil {
		return fmt.Errorf("save item %s: %w", it.ID, err)
	}
	return nil
}

func (r *PostgresRepository) SaveReserve(ctx context.Context, res domain.Reserve) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO reserves (id, order_id, status, tx_id, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		res.ID, res.OrderID, res.Status, res.TxID, res.CreatedAt)
	if err != nil {
		return fmt.Errorf("save reserve %s: %w", res.ID, err)
	}
	for _, it := range res.Items {
		_, err := r.q.Exec(ctx, `
			INSERT INTO reserve_items (reserve_id, item_id, quantity) VALUES ($1, $2, $3)
			ON CONFLICT (reserve_id, item_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
			res.ID, it.ItemID, it.Quantity)
		if err != nil {
			return fmt.Errorf("save reserve item %s/%s: %w", res.ID, it.ItemID, err)
		}
	}
	return nil
}

// Restock adds quantity to a warehouse item outside any global transaction.
func Restock(ctx context.Context, q pg.Querier, id string, quantity int32, unitCost int64) (int32, error) {
	var amount int32
	err := q.QueryRow(ctx, `
		INSERT INTO warehouse_items (id, amount, reserved, unit_cost) VALUES ($1, $2, 0, $3)
		ON CONFLICT (id) DO UPDATE SET amount = warehouse_items.amount + EXCLUDED.amount
		RETURNING amount`, id, quantity, unitCost).Scan(&amount)
	if err != nil {
		return 0, fmt.Errorf("restock %s: %w", id, err)
	}
	return amount, nil
}

const (
	itemsTable    = "warehouse_items"
	reservesTable = "reserves"
)

type MemoryRepository struct {
	kv prepared.KV
}

func NewMemoryRepository(kv prepared.KV) *MemoryRepository {
	return &MemoryRepository{kv: kv}
}

func (r *MemoryRepository) FindItem(ctx context.Context, id string) (domain.WarehouseItem, bool, error) {
	var it domain.WarehouseItem
	ok, err := r.kv.Get(ctx, itemsTable, id, &it)
	return it, ok, err
}

func (r *MemoryRepository) SaveItem(ctx context.Context, it domain.WarehouseItem) error {
	return r.kv.Put(ctx, itemsTable, it.ID, it)
}

func (r *MemoryRepository) SaveReserve(ctx context.Context, res domain.Reserve) error {
	return r.kv.Put(ctx, reservesTable, res.ID, res)
}
