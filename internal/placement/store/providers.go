// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/pkg/db"
	"github.com/go-gorp/gorp"
	"github.com/google/uuid"
)

// Resource provider together with the uuids of its parent and root.
type ProviderInfo struct {
	placement.ResourceProvider
	// Empty for root providers.
	ParentUUID string `db:"parent_provider_uuid" json:"parent_provider_uuid,omitempty"`
	RootUUID   string `db:"root_provider_uuid" json:"root_provider_uuid"`
}

// Fields to create a new resource provider.
type ProviderSpec struct {
	// Generated if empty.
	UUID string
	Name string
	// Empty for root providers.
	ParentUUID string
}

const providerInfoQuery = `
	SELECT rp.*, COALESCE(parent.uuid, '') AS parent_provider_uuid, root.uuid AS root_provider_uuid
	FROM resource_providers rp
	JOIN resource_providers root ON root.id = rp.root_provider_id
	LEFT JOIN resource_providers parent ON parent.id = rp.parent_provider_id`

// Get a resource provider by uuid.
func ProviderByUUID(exec gorp.SqlExecutor, providerUUID string) (*placement.ResourceProvider, error) {
	var rp placement.ResourceProvider
	err := exec.SelectOne(&rp, "SELECT * FROM resource_providers WHERE uuid = :uuid", map[string]any{"uuid": providerUUID})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, placement.NotFound(placement.KindResourceProvider, providerUUID)
	}
	if err != nil {
		return nil, err
	}
	return &rp, nil
}

// Get resource providers with their parent and root uuids by id.
func ProviderInfosByID(exec gorp.SqlExecutor, ids []int64) (map[int64]ProviderInfo, error) {
	result := make(map[int64]ProviderInfo, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	args := map[string]any{}
	query := providerInfoQuery + " WHERE rp.id IN (" + db.InParams("rp", ids, args) + ")"
	var infos []ProviderInfo
	if _, err := exec.Select(&infos, query, args); err != nil {
		return nil, err
	}
	for _, info := range infos {
		result[info.ID] = info
	}
	return result, nil
}

// Get all providers in the trees of the given roots.
func ProviderInfosInTrees(exec gorp.SqlExecutor, rootIDs []int64) (map[int64]ProviderInfo, error) {
	result := map[int64]ProviderInfo{}
	if len(rootIDs) == 0 {
		return result, nil
	}
	args := map[string]any{}
	query := providerInfoQuery + " WHERE rp.root_provider_id IN (" + db.InParams("root", rootIDs, args) + ")"
	var infos []ProviderInfo
	if _, err := exec.Select(&infos, query, args); err != nil {
		return nil, err
	}
	for _, info := range infos {
		result[info.ID] = info
	}
	return result, nil
}

// Get the generations of resource providers by uuid.
func ProviderGenerations(exec gorp.SqlExecutor, uuids []string) (map[string]int, error) {
	result := make(map[string]int, len(uuids))
	if len(uuids) == 0 {
		return result, nil
	}
	args := map[string]any{}
	query := "SELECT uuid, generation FROM resource_providers WHERE uuid IN (" + db.InParams("uuid", uuids, args) + ")"
	var rows []struct {
		UUID       string `db:"uuid"`
		Generation int    `db:"generation"`
	}
	if _, err := exec.Select(&rows, query, args); err != nil {
		return nil, err
	}
	for _, row := range rows {
		result[row.UUID] = row.Generation
	}
	return result, nil
}

// Increment the generation of the provider if it still has the expected
// generation, i.e. nobody else changed it since it was read. On success,
// the generation of rp is updated.
func IncrementGeneration(exec gorp.SqlExecutor, rp *placement.ResourceProvider) error {
	res, err := exec.Exec(
		"UPDATE resource_providers SET generation = :next, updated_at = :now WHERE id = :id AND generation = :generation",
		map[string]any{"next": rp.Generation + 1, "now": timestamp(), "id": rp.ID, "generation": rp.Generation},
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return placement.ProviderConflict(rp.UUID, rp.Generation)
	}
	rp.Generation++
	return nil
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Whether any resource provider in the database has a parent.
func NestedProvidersExist(exec gorp.SqlExecutor) (bool, error) {
	n, err := exec.SelectInt("SELECT COUNT(*) FROM resource_providers WHERE parent_provider_id IS NOT NULL")
	return n > 0, err
}

// Create a new resource provider.
func (s *Store) CreateProvider(ctx context.Context, spec ProviderSpec) (*ProviderInfo, error) {
	if spec.UUID == "" {
		spec.UUID = uuid.NewString()
	}
	if !isUUID(spec.UUID) {
		return nil, placement.BadRequest("invalid resource provider uuid %q", spec.UUID)
	}
	var info *ProviderInfo
	err := s.DB.InTransaction(ctx, "create_provider", func(tx gorp.SqlExecutor) error {
		now := timestamp()
		rp := &placement.ResourceProvider{UUID: spec.UUID, Name: spec.Name, CreatedAt: now, UpdatedAt: now}
		info = &ProviderInfo{}
		if spec.ParentUUID != "" {
			parent, err := ProviderByUUID(tx, spec.ParentUUID)
			if err != nil {
				return err
			}
			rp.ParentProviderID = &parent.ID
			rp.RootProviderID = parent.RootProviderID
			info.ParentUUID = parent.UUID
		}
		if err := tx.Insert(rp); err != nil {
			if db.IsDuplicateKeyError(err) {
				return &placement.ExistsError{Kind: placement.KindResourceProvider, Key: spec.UUID}
			}
			return err
		}
		if rp.ParentProviderID == nil {
			rp.RootProviderID = rp.ID
			if _, err := tx.Exec(
				"UPDATE resource_providers SET root_provider_id = id WHERE id = :id",
				map[string]any{"id": rp.ID},
			); err != nil {
				return err
			}
		}
		info.ResourceProvider = *rp
		infos, err := ProviderInfosByID(tx, []int64{rp.RootProviderID})
		if err != nil {
			return err
		}
		info.RootUUID = infos[rp.RootProviderID].UUID
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("placement: created resource provider", "uuid", info.UUID, "name", info.Name, "parent", info.ParentUUID)
	return info, nil
}

// Get a resource provider with its parent and root uuids.
func (s *Store) GetProvider(ctx context.Context, providerUUID string) (*ProviderInfo, error) {
	var info ProviderInfo
	err := s.DB.WithContext(ctx).SelectOne(&info, providerInfoQuery+" WHERE rp.uuid = :uuid", map[string]any{"uuid": providerUUID})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, placement.NotFound(placement.KindResourceProvider, providerUUID)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// List all resource providers ordered by uuid, optionally restricted to
// the tree of the given provider.
func (s *Store) ListProviders(ctx context.Context, inTree string) ([]ProviderInfo, error) {
	exec := s.DB.WithContext(ctx)
	query := providerInfoQuery
	args := map[string]any{}
	if inTree != "" {
		rp, err := ProviderByUUID(exec, inTree)
		if err != nil {
			return nil, err
		}
		query += " WHERE rp.root_provider_id = :root"
		args["root"] = rp.RootProviderID
	}
	var infos []ProviderInfo
	if _, err := exec.Select(&infos, query+" ORDER BY rp.uuid", args); err != nil {
		return nil, err
	}
	return infos, nil
}

// Rename or re-parent a resource provider. An empty parent uuid makes the
// provider a root. Moving a provider below one of its own descendants is
// rejected.
func (s *Store) UpdateProvider(ctx context.Context, providerUUID, name, parentUUID string) (*ProviderInfo, error) {
	err := s.DB.InTransaction(ctx, "update_provider", func(tx gorp.SqlExecutor) error {
		rp, err := ProviderByUUID(tx, providerUUID)
		if err != nil {
			return err
		}
		var newParent *placement.ResourceProvider
		if parentUUID != "" {
			if newParent, err = ProviderByUUID(tx, parentUUID); err != nil {
				return err
			}
		}
		subtree, err := descendants(tx, rp)
		if err != nil {
			return err
		}
		newRoot := rp.ID
		var parentID *int64
		if newParent != nil {
			if newParent.ID == rp.ID || slices.Contains(subtree, newParent.ID) {
				return placement.BadRequest("resource provider %s cannot be its own ancestor", providerUUID)
			}
			parentID = &newParent.ID
			newRoot = newParent.RootProviderID
		}
		if _, err := tx.Exec(
			`UPDATE resource_providers SET name = :name, parent_provider_id = :parent, root_provider_id = :root, updated_at = :now
			WHERE id = :id`,
			map[string]any{"name": name, "parent": parentID, "root": newRoot, "now": timestamp(), "id": rp.ID},
		); err != nil {
			return err
		}
		if newRoot == rp.RootProviderID || len(subtree) == 0 {
			return nil
		}
		args := map[string]any{"root": newRoot}
		_, err = tx.Exec("UPDATE resource_providers SET root_provider_id = :root WHERE id IN ("+db.InParams("rp", subtree, args)+")", args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetProvider(ctx, providerUUID)
}

// Ids of all providers below the given one.
func descendants(exec gorp.SqlExecutor, rp *placement.ResourceProvider) ([]int64, error) {
	var tree []placement.ResourceProvider
	if _, err := exec.Select(&tree, "SELECT * FROM resource_providers WHERE root_provider_id = :root",
		map[string]any{"root": rp.RootProviderID}); err != nil {
		return nil, err
	}
	children := map[int64][]int64{}
	for _, p := range tree {
		if p.ParentProviderID != nil {
			children[*p.ParentProviderID] = append(children[*p.ParentProviderID], p.ID)
		}
	}
	var result []int64
	queue := []int64{rp.ID}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, child := range children[next] {
			result = append(result, child)
			queue = append(queue, child)
		}
	}
	return result, nil
}

// Delete a resource provider without children and allocations, together
// with its inventories, traits and aggregate memberships.
func (s *Store) DeleteProvider(ctx context.Context, providerUUID string) error {
	err := s.DB.InTransaction(ctx, "delete_provider", func(tx gorp.SqlExecutor) error {
		rp, err := ProviderByUUID(tx, providerUUID)
		if err != nil {
			return err
		}
		args := map[string]any{"id": rp.ID}
		children, err := tx.SelectInt("SELECT COUNT(*) FROM resource_providers WHERE parent_provider_id = :id", args)
		if err != nil {
			return err
		}
		if children > 0 {
			return &placement.CannotDeleteParentError{ProviderUUID: providerUUID}
		}
		allocs, err := tx.SelectInt("SELECT COUNT(*) FROM allocations WHERE resource_provider_id = :id", args)
		if err != nil {
			return err
		}
		if allocs > 0 {
			return &placement.InUseError{
				Kind: placement.KindResourceProvider, Key: providerUUID,
				Reason: fmt.Sprintf("%d allocations exist", allocs),
			}
		}
		for _, stmt := range []string{
			"DELETE FROM inventories WHERE resource_provider_id = :id",
			"DELETE FROM resource_provider_traits WHERE resource_provider_id = :id",
			"DELETE FROM resource_provider_aggregates WHERE resource_provider_id = :id",
			"DELETE FROM resource_providers WHERE id = :id",
		} {
			if _, err := tx.Exec(stmt, args); err != nil {
				return fmt.Errorf("failed to delete provider %s (%s): %w", providerUUID, strings.Fields(stmt)[2], err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("placement: deleted resource provider", "uuid", providerUUID)
	return nil
}
