package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tx-lab-tpc-go/internal/order/domain"
	"tx-lab-tpc-go/pkg/pg"
	"tx-lab-tpc-go/pkg/prepared"
)

type Repository interface {
	SaveOrder(ctx context.Context, o domain.Order) error
	// FindOrderByID locks the order row until the enclosing transaction ends.
	FindOrderByID(ctx context.Context, id domain.OrderID) (domain.Order, bool, error)
}

// RepositoryFor binds a repository to the local transaction of a prepare.
func RepositoryFor(tx prepared.Tx) (Repository, error) {
	switch q := tx.(type) {
	case pg.Querier:
		return NewPostgresRepository(q), nil
	case prepared.KV:
		return NewMemoryRepository(q), nil
	}
	return nil, fmt.Errorf("order repository: unsupported transaction %T", tx)
}

type PostgresRepository struct {
	q pg.Querier
}

func NewPostgresRepository(q pg.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

func (r *PostgresRepository) SaveOrder(ctx context.Context, o domain.Order) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO orders (id, customer_id, status, tx_id, address, delivery_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, tx_id = EXCLUDED.tx_id, updated_at = EXCLUDED.updated_at`,
		o.ID, o.CustomerID, o.Status, o.TxID, o.Delivery.Address, o.Delivery.Date, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	for _, it := range o.Items {
		_, err := r.q.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity)
			VALUES ($1, $2, $3)
			ON CONFLICT (order_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
			o.ID, it.ProductID, it.Quantity)
		if err != nil {
			return fmt.Errorf("save order item %s/%s: %w", o.ID, it.ProductID, err)
		}
	}
	return nil
}

func (r *PostgresRepository) FindOrderByID(ctx context.Context, id domain.OrderID) (domain.Order, bool, error) {
	var (
		o        domain.Order
		txID     *string
		address  *string
		delivery *string
	)
	err := r.q.QueryRow(ctx, `
		SELECT id, customer_id, status, tx_id, address, delivery_at, created_at, updated_at
		FROM orders WHERE id = $1 FOR UPDATE`, id).
		Scan(&o.ID, &o.CustomerID, &o.Status, &txID, &address, &delivery, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("find order %s: %w", id, err)
	}
	if txID != nil {
		o.TxID = *txID
	}
	if address != nil {
		o.Delivery.Address = *address
	}
	if delivery != nil {
		o.Delivery.Date = *delivery
	}

	rows, err := r.q.Query(ctx, `SELECT product_id, quantity FROM order_items WHERE order_id = $1 ORDER BY product_id`, id)
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("find order items %s: %w", id, err)
	}
	o.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderItem, error) {
		var it domain.OrderItem
		err := row.Scan(&it.ProductID, &it.Quantity)
		return it, err
	})
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("scan order items %s: %w", id, err)
	}
	return o, true, nil
}

const ordersTable = "orders"

type MemoryRepository struct {
	kv prepared.KV
}

func NewMemoryRepository(kv prepared.KV) *MemoryRepository {
	return &MemoryRepository{kv: kv}
}

func (r *MemoryRepository) SaveOrder(ctx context.Context, o domain.Order) error {
	return r.kv.Put(ctx, ordersTable, string(o.ID), o)
}

func (r *MemoryRepository) FindOrderByID(ctx context.Context, id domain.OrderID) (domain.Order, bool, error) {
	var o domain.Order
	ok, err := r.kv.Get(ctx, ordersTable, string(id), &o)
	return o, ok, err
}
