package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/nais/skilld/pkg/skilld/metrics"
	"github.com/nais/skilld/pkg/types"
)

type DeploymentStore interface {
	Deployments(ctx context.Context, limit int) ([]*types.Deployment, error)
	WriteDeployment(ctx context.Context, deployment *types.Deployment) error
}

var _ DeploymentStore = &Database{}

func scanDeployment(rows pgx.Rows) (*types.Deployment, error) {
	deployment := &types.Deployment{}
	var metadata, failed []byte
	var state string

	err := rows.Scan(
		&deployment.ID,
		&deployment.Created,
		&state,
		&metadata,
		&failed,
	)
	if err != nil {
		return nil, err
	}

	deployment.State = types.DeploymentState(state)
	deployment.Deployed = make([]types.DeployedSkill, 0)

	if err := json.Unmarshal(metadata, &deployment.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of deployment %s: %w", deployment.ID, err)
	}
	if err := json.Unmarshal(failed, &deployment.Failed); err != nil {
		return nil, fmt.Errorf("decode failures of deployment %s: %w", deployment.ID, err)
	}

	return deployment, nil
}

// Deployments returns the most recent deployments, newest first, with the
// skill versions each of them deployed.
func (db *Database) Deployments(ctx context.Context, limit int) ([]*types.Deployment, error) {
	query := `
SELECT id, created, state, metadata, failed
FROM deployment
ORDER BY created DESC
LIMIT $1;
`
	rows, err := db.timedQuery(ctx, query, limit)

	if err != nil {
		return nil, err
	}

	deployments := make([]*types.Deployment, 0)
	index := make(map[string]*types.Deployment)
	defer rows.Close()
	for rows.Next() {
		deployment, err := scanDeployment(rows)

		if err != nil {
			return nil, err
		}

		deployments = append(deployments, deployment)
		index[deployment.ID] = deployment
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(deployments) == 0 {
		return deployments, nil
	}

	ids := make([]string, 0, len(deployments))
	for _, deployment := range deployments {
		ids = append(ids, deployment.ID)
	}

	query = `
SELECT deployment_id, name, version, path
FROM skill_version
WHERE deployment_id = ANY($1)
ORDER BY name;
`
	rows, err = db.timedQuery(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		skill := types.DeployedSkill{}
		if err := rows.Scan(&id, &skill.Name, &skill.Version, &skill.Path); err != nil {
			return nil, err
		}
		if deployment, ok := index[id]; ok {
			deployment.Deployed = append(deployment.Deployed, skill)
		}
	}

	return deployments, rows.Err()
}

// WriteDeployment stores the deployment and one row per deployed skill version.
func (db *Database) WriteDeployment(ctx context.Context, deployment *types.Deployment) error {
	metadata, err := json.Marshal(deployment.Metadata)
	if err != nil {
		return err
	}
	failed := deployment.Failed
	if failed == nil {
		failed = make([]types.FailedSkill, 0)
	}
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return err
	}

	now := time.Now()
	tx, err := db.conn.Begin(ctx)
	if err != nil {
		metrics.DatabaseQuery(now, err)
		return err
	}
	defer tx.Rollback(ctx)

	query := `
INSERT INTO deployment (id, created, state, trigger, commit_sha, metadata, failed)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb);
`
	_, err = tx.Exec(ctx, query,
		deployment.ID,
		deployment.Created,
		string(deployment.State),
		string(deployment.Metadata.Trigger()),
		deployment.Metadata.CommitSHA(),
		string(metadata),
		string(failedJSON),
	)
	if err != nil {
		metrics.DatabaseQuery(now, err)
		return err
	}

	query = `
INSERT INTO skill_version (deployment_id, name, version, path, created)
VALUES ($1, $2, $3, $4, $5);
`
	for _, skill := range deployment.Deployed {
		_, err = tx.Exec(ctx, query, deployment.ID, skill.Name, skill.Version, skill.Path, deployment.Created)
		if err != nil {
			metrics.DatabaseQuery(now, err)
			return err
		}
	}

	err = tx.Commit(ctx)
	metrics.DatabaseQuery(now, err)
	return err
}
