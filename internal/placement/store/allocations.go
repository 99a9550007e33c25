// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/pkg/db"
	"github.com/go-gorp/gorp"
)

// Consumer with the external ids of its project and user.
type ConsumerInfo struct {
	placement.Consumer
	ProjectExternalID string `db:"project_external_id"`
	UserExternalID    string `db:"user_external_id"`
	// Empty if the consumer has no type.
	ConsumerType string `db:"consumer_type"`
}

// Allocation joined with its provider.
type AllocationRow struct {
	ConsumerID         string `db:"consumer_id"`
	ProviderID         int64  `db:"resource_provider_id"`
	ProviderUUID       string `db:"provider_uuid"`
	ProviderGeneration int    `db:"provider_generation"`
	ResourceClassID    int    `db:"resource_class_id"`
	Used               int    `db:"used"`
}

// Allocations of one consumer on one provider.
type ProviderAllocation struct {
	Generation int            `json:"generation"`
	Resources  map[string]int `json:"resources"`
}

// All allocations of a consumer, keyed by provider uuid.
type ConsumerAllocations struct {
	// Nil if the consumer does not exist, i.e. holds no allocations.
	Consumer    *ConsumerInfo
	Allocations map[string]ProviderAllocation
}

// Get consumers by uuid. Unknown uuids are missing in the result.
func ConsumersByUUID(exec gorp.SqlExecutor, uuids []string) (map[string]ConsumerInfo, error) {
	result := make(map[string]ConsumerInfo, len(uuids))
	if len(uuids) == 0 {
		return result, nil
	}
	args := map[string]any{}
	query := `
		SELECT c.*, p.external_id AS project_external_id, u.external_id AS user_external_id,
			COALESCE(ct.name, '') AS consumer_type
		FROM consumers c
		JOIN projects p ON p.id = c.project_id
		JOIN users u ON u.id = c.user_id
		LEFT JOIN consumer_types ct ON ct.id = c.consumer_type_id
		WHERE c.uuid IN (` + db.InParams("c", uuids, args) + ")"
	var infos []ConsumerInfo
	if _, err := exec.Select(&infos, query, args); err != nil {
		return nil, err
	}
	for _, info := range infos {
		result[info.UUID] = info
	}
	return result, nil
}

const allocationRowQuery = `
	SELECT a.consumer_id, a.resource_provider_id, rp.uuid AS provider_uuid,
		rp.generation AS provider_generation, a.resource_class_id, a.used
	FROM allocations a
	JOIN resource_providers rp ON rp.id = a.resource_provider_id`

// Get the allocations held by the given consumers.
func AllocationRowsForConsumers(exec gorp.SqlExecutor, consumerUUIDs []string) ([]AllocationRow, error) {
	if len(consumerUUIDs) == 0 {
		return nil, nil
	}
	args := map[string]any{}
	query := allocationRowQuery + " WHERE a.consumer_id IN (" + db.InParams("c", consumerUUIDs, args) + ")" +
		" ORDER BY a.consumer_id, rp.uuid, a.resource_class_id"
	var rows []AllocationRow
	_, err := exec.Select(&rows, query, args)
	return rows, err
}

// Get all allocations of a consumer.
func (s *Store) GetAllocationsByConsumer(ctx context.Context, consumerUUID string) (*ConsumerAllocations, error) {
	exec := s.DB.WithContext(ctx)
	consumers, err := ConsumersByUUID(exec, []string{consumerUUID})
	if err != nil {
		return nil, err
	}
	result := &ConsumerAllocations{Allocations: map[string]ProviderAllocation{}}
	info, ok := consumers[consumerUUID]
	if !ok {
		return result, nil
	}
	result.Consumer = &info
	rows, err := AllocationRowsForConsumers(exec, []string{consumerUUID})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		class, err := s.ResourceClasses.NameFromID(ctx, row.ResourceClassID)
		if err != nil {
			return nil, err
		}
		pa, ok := result.Allocations[row.ProviderUUID]
		if !ok {
			pa = ProviderAllocation{Generation: row.ProviderGeneration, Resources: map[string]int{}}
			result.Allocations[row.ProviderUUID] = pa
		}
		pa.Resources[class] = row.Used
	}
	return result, nil
}

// Get all allocations on a provider, keyed by consumer uuid and resource
// class name.
func (s *Store) GetAllocationsByProvider(ctx context.Context, providerUUID string) (*placement.ResourceProvider, map[string]map[string]int, error) {
	exec := s.DB.WithContext(ctx)
	rp, err := ProviderByUUID(exec, providerUUID)
	if err != nil {
		return nil, nil, err
	}
	var rows []AllocationRow
	if _, err := exec.Select(&rows, allocationRowQuery+" WHERE a.resource_provider_id = :id",
		map[string]any{"id": rp.ID}); err != nil {
		return nil, nil, err
	}
	result := map[string]map[string]int{}
	for _, row := range rows {
		class, err := s.ResourceClasses.NameFromID(ctx, row.ResourceClassID)
		if err != nil {
			return nil, nil, err
		}
		if result[row.ConsumerID] == nil {
			result[row.ConsumerID] = map[string]int{}
		}
		result[row.ConsumerID][class] = row.Used
	}
	return rp, result, nil
}
