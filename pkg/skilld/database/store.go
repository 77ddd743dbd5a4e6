package database

import (
	"context"
)

// Store is everything the audit ledger needs from the database.
type Store interface {
	DeploymentStore
	PollStore
	Ping(ctx context.Context) error
}

var _ Store = &Database{}
