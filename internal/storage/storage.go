// Package storage defines the durable store behind the block registry.
// Blocks and confirmations are the only ground truth in the system; every
// visible view is computed from them at query time.
package storage

import (
	"context"
	"errors"
	"time"

	"bhr/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by CreateBlock when an active block for the
	// same network already exists. Callers treat it as "fetch the winner",
	// never as a user error.
	ErrConflict = errors.New("active block already exists")
)

// Store is the data-access contract for the block registry.
// Implementations must be safe for concurrent use and must evaluate
// duration expiry at read time: a block whose TTL has passed is never
// returned as active, swept or not.
type Store interface {
	Close() error

	// Blocks
	CreateBlock(ctx context.Context, block *models.Block) error
	GetBlock(ctx context.Context, id string) (*models.Block, error)
	// GetBlockByCIDR returns the most recent block for the network in any
	// state, active or not.
	GetBlockByCIDR(ctx context.Context, cidr string) (*models.Block, error)
	GetActiveBlockByCIDR(ctx context.Context, cidr string) (*models.Block, error)
	DeactivateBlock(ctx context.Context, id string) error
	// ExpireDue deactivates every active block whose TTL has passed at now
	// and returns their ids.
	ExpireDue(ctx context.Context, now time.Time) ([]string, error)

	// Confirmations
	UpsertConfirmation(ctx context.Context, blockID, ident string, confirmedAt time.Time) error
	ClearConfirmation(ctx context.Context, blockID, ident string) error
	ListConfirmations(ctx context.Context, blockID string) ([]*models.AgentConfirmation, error)

	// Derived views, always computed fresh from blocks + confirmations.
	Pending(ctx context.Context) ([]*models.Block, error)
	Current(ctx context.Context) ([]*models.Block, error)
	Expected(ctx context.Context) ([]*models.Block, error)
	Queue(ctx context.Context, ident string) ([]*models.Block, error)

	// Whitelist
	CreateWhitelistEntry(ctx context.Context, entry *models.WhitelistEntry) error
	ListWhitelistEntries(ctx context.Context) ([]*models.WhitelistEntry, error)
	DeleteWhitelistEntry(ctx context.Context, id string) error

	// Operators and API tokens
	CreateOperator(ctx context.Context, op *models.Operator) error
	GetOperator(ctx context.Context, username string) (*models.Operator, error)
	CreateAPIToken(ctx context.Context, token *models.APIToken) (int64, error)
	GetAPITokenByHash(ctx context.Context, hash string) (*models.APIToken, error)
	ListAPITokens(ctx context.Context, username string) ([]*models.APIToken, error)
	DeleteAPIToken(ctx context.Context, id int64, username string) error
	UpdateTokenLastUsed(ctx context.Context, id int64) error

	// Audit
	LogAction(ctx context.Context, actor, action, target, reason string) error
	GetAuditLogs(ctx context.Context, limit int) ([]*models.AuditLog, error)
}
