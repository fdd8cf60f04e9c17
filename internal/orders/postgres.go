package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists orders in PostgreSQL. Items are stored as JSONB so
// the line schema can evolve without migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			customer_name TEXT NOT NULL DEFAULT '',
			items JSONB NOT NULL DEFAULT '[]',
			total DOUBLE PRECISION NOT NULL DEFAULT 0,
			transcript TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_created ON orders (created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, order Order) (Order, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	items, err := json.Marshal(order.Items)
	if err != nil {
		return Order{}, fmt.Errorf("marshal items: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO orders (id, conversation_id, customer_name, items, total, transcript, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		order.ID,
		order.ConversationID,
		order.CustomerName,
		items,
		order.Total,
		order.Transcript,
		order.CreatedAt,
	)
	if err != nil {
		return Order{}, fmt.Errorf("save order: %w", err)
	}
	return order, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, customer_name, items, total, transcript, created_at
		 FROM orders WHERE id=$1`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, customer_name, items, total, transcript, created_at
		 FROM orders ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	out := make([]Order, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var order Order
	var items []byte
	if err := row.Scan(&order.ID, &order.ConversationID, &order.CustomerName, &items, &order.Total, &order.Transcript, &order.CreatedAt); err != nil {
		return Order{}, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &order.Items); err != nil {
			return Order{}, fmt.Errorf("decode items: %w", err)
		}
	}
	return order, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
