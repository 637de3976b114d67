// Package store persists chat history and order state.
package store

import (
	"context"

	"github.com/ashureev/goofish-agent/internal/domain"
)

// Repository is the storage collaborator consulted by the pipeline. All
// methods are safe for concurrent use.
type Repository interface {
	// SaveChatMessage appends a chat line to its conversation history.
	SaveChatMessage(ctx context.Context, msg domain.StoredMessage) error

	// GetChatMessages returns up to limit of the most recent messages of a
	// conversation, oldest first.
	GetChatMessages(ctx context.Context, orderID string, limit int) ([]domain.StoredMessage, error)

	// GetChatMessagesByUser returns up to limit of the most recent messages
	// sent by userID, oldest first.
	GetChatMessagesByUser(ctx context.Context, userID string, limit int) ([]domain.StoredMessage, error)

	// SaveOrderMessage records a human readable order log line.
	SaveOrderMessage(ctx context.Context, msg domain.OrderMessage) error

	// GetOrderMessages returns up to limit order log lines, oldest first.
	GetOrderMessages(ctx context.Context, orderID string, limit int) ([]domain.OrderMessage, error)

	// UpdateOrderStatus appends a status transition to the order's record.
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error

	// GetOrderStatus returns the most recent status. ok is false when the
	// order has no recorded transitions.
	GetOrderStatus(ctx context.Context, orderID string) (status domain.OrderStatus, ok bool, err error)

	// GetOrderHistory returns every transition of an order in order.
	GetOrderHistory(ctx context.Context, orderID string) ([]domain.OrderTransition, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
