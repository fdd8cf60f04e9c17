// Package orders persists the structured orders extracted from finished
// conversations, either in PostgreSQL or in memory.
package orders

import (
	"context"
	"time"
)

// Item is one line of an order.
type Item struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Notes    string  `json:"notes,omitempty"`
	Price    float64 `json:"price,omitempty"`
}

// Order is the structured outcome of one conversation.
type Order struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	CustomerName   string    `json:"customer_name,omitempty"`
	Items          []Item    `json:"items"`
	Total          float64   `json:"total,omitempty"`
	Transcript     string    `json:"transcript,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists extracted orders.
type Store interface {
	Save(ctx context.Context, order Order) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	List(ctx context.Context, limit int) ([]Order, error)
	Close() error
}
