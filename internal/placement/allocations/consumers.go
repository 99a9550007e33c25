// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package allocations

import (
	"context"
	"log/slog"
	"time"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/store"
	"github.com/cobaltcore-dev/cortex-placement/pkg/db"
	"github.com/go-gorp/gorp"
)

// Get the id of a project or user by its external id, inserting it if
// it is missing.
func ensureExternalID(tx gorp.SqlExecutor, table, externalID string) (int64, error) {
	args := map[string]any{"external_id": externalID, "now": time.Now().UTC()}
	query := "SELECT id FROM " + table + " WHERE external_id = :external_id"
	id, err := tx.SelectNullInt(query, args)
	if err != nil {
		return 0, err
	}
	if id.Valid {
		return id.Int64, nil
	}
	insert := "INSERT INTO " + table + " (external_id, created_at, updated_at) VALUES (:external_id, :now, :now)"
	if _, err := tx.Exec(insert, args); err != nil {
		return 0, err
	}
	return tx.SelectInt(query, args)
}

// Outcome of writing the consumer rows of one commit.
type consumerWrite struct {
	// Whether a new consumer type was inserted.
	createdType bool
}

// Check the expected generation of the consumer, then create, update or
// delete its row. Consumers without allocations are deleted.
func (c *Committer) writeConsumer(ctx context.Context, tx gorp.SqlExecutor, ca ConsumerAllocations, existing *store.ConsumerInfo, w *consumerWrite) error {
	expected, hasExpected := ca.ConsumerGeneration.Unpack()
	switch {
	case existing == nil && hasExpected:
		return placement.ConsumerConflict(ca.ConsumerUUID, expected)
	case existing != nil && !hasExpected:
		return placement.ConsumerConflict(ca.ConsumerUUID, placement.NoGeneration)
	case existing != nil && expected != existing.Generation:
		return placement.ConsumerConflict(ca.ConsumerUUID, expected)
	}

	if ca.isRemoval() {
		if existing == nil {
			return nil
		}
		res, err := tx.Exec("DELETE FROM consumers WHERE id = :id AND generation = :generation",
			map[string]any{"id": existing.ID, "generation": existing.Generation})
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return orConflict(err, ca.ConsumerUUID, expected)
		}
		slog.Info("placement: deleted consumer without allocations", "consumer", ca.ConsumerUUID)
		return nil
	}

	projectExternalID, userExternalID := ca.ProjectID, ca.UserID
	if projectExternalID == "" {
		projectExternalID = c.config.IncompleteConsumerProjectID
		if existing != nil {
			projectExternalID = existing.ProjectExternalID
		}
	}
	if userExternalID == "" {
		userExternalID = c.config.IncompleteConsumerUserID
		if existing != nil {
			userExternalID = existing.UserExternalID
		}
	}
	projectID, err := ensureExternalID(tx, placement.Project{}.TableName(), projectExternalID)
	if err != nil {
		return err
	}
	userID, err := ensureExternalID(tx, placement.User{}.TableName(), userExternalID)
	if err != nil {
		return err
	}
	var consumerTypeID *int
	if existing != nil {
		consumerTypeID = existing.ConsumerTypeID
	}
	if ca.ConsumerType != "" {
		id, created, err := c.store.EnsureConsumerType(ctx, tx, ca.ConsumerType)
		if err != nil {
			return err
		}
		consumerTypeID = &id
		w.createdType = w.createdType || created
	}

	now := time.Now().UTC()
	if existing == nil {
		consumer := &placement.Consumer{
			UUID: ca.ConsumerUUID, ProjectID: projectID, UserID: userID, Generation: 1,
			ConsumerTypeID: consumerTypeID, CreatedAt: now, UpdatedAt: now,
		}
		if err := tx.Insert(consumer); err != nil {
			if db.IsDuplicateKeyError(err) {
				return placement.ConsumerConflict(ca.ConsumerUUID, placement.NoGeneration)
			}
			return err
		}
		return nil
	}
	res, err := tx.Exec(`
		UPDATE consumers
		SET project_id = :project_id, user_id = :user_id, consumer_type_id = :consumer_type_id,
			generation = :next, updated_at = :now
		WHERE id = :id AND generation = :generation`,
		map[string]any{
			"project_id": projectID, "user_id": userID, "consumer_type_id": consumerTypeID,
			"next": existing.Generation + 1, "now": now, "id": existing.ID, "generation": existing.Generation,
		},
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return orConflict(err, ca.ConsumerUUID, expected)
	}
	return nil
}

func orConflict(err error, consumerUUID string, expected int) error {
	if err != nil {
		return err
	}
	return placement.ConsumerConflict(consumerUUID, expected)
}
