package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/nais/skilld/pkg/skilld/metrics"
	"github.com/nais/skilld/pkg/types"
)

type PollStore interface {
	WritePollResult(ctx context.Context, result *types.PollResult) error
	LastProcessedRef(ctx context.Context) (string, error)
	SetLastProcessedRef(ctx context.Context, ref string) error
}

var _ PollStore = &Database{}

func (db *Database) WritePollResult(ctx context.Context, result *types.PollResult) error {
	files := result.Files
	if files == nil {
		files = make([]string, 0)
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return err
	}

	var deploymentID *string
	if result.DeploymentID != "" {
		deploymentID = &result.DeploymentID
	}

	query := `
INSERT INTO poll_result (checked, previous_ref, head_ref, changed, files, deployment_id, error)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7);
`
	_, err = db.timedExec(ctx, query,
		result.Checked,
		result.PreviousRef,
		result.HeadRef,
		result.Changed,
		string(filesJSON),
		deploymentID,
		result.Error,
	)
	return err
}

// LastProcessedRef returns the commit the poller last finished processing, or
// ErrNotFound if it never has.
func (db *Database) LastProcessedRef(ctx context.Context) (string, error) {
	var ref string

	now := time.Now()
	err := db.conn.QueryRow(ctx, `SELECT ref FROM poll_state WHERE id = 1;`).Scan(&ref)
	if err == pgx.ErrNoRows {
		metrics.DatabaseQuery(now, nil)
		return "", ErrNotFound
	}
	metrics.DatabaseQuery(now, err)

	return ref, err
}

func (db *Database) SetLastProcessedRef(ctx context.Context, ref string) error {
	query := `
INSERT INTO poll_state (id, ref, updated)
VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET ref = EXCLUDED.ref, updated = EXCLUDED.updated;
`
	_, err := db.timedExec(ctx, query, ref, time.Now())
	return err
}
