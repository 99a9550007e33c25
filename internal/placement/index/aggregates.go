// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/pkg/db"
	"github.com/go-gorp/gorp"
)

// Get the providers which are members of at least one of the aggregates,
// either directly or through their root provider. Unknown aggregates have
// no members.
func ProvidersInAnyAggregate(exec gorp.SqlExecutor, aggregateUUIDs []string) (placement.Set[int64], error) {
	if len(aggregateUUIDs) == 0 {
		return placement.Set[int64]{}, nil
	}
	args := map[string]any{}
	members := `
		SELECT rpa.resource_provider_id FROM resource_provider_aggregates rpa
		JOIN placement_aggregates a ON a.id = rpa.aggregate_id
		WHERE a.uuid IN (` + db.InParams("agg", aggregateUUIDs, args) + ")"
	query := "SELECT id FROM resource_providers WHERE id IN (" + members + ") OR root_provider_id IN (" + members + ")"
	return selectIDs(exec, query, args)
}

// Whether any of the aggregates has a direct member.
func AnyAggregateHasMembers(exec gorp.SqlExecutor, aggregateUUIDs []string) (bool, error) {
	if len(aggregateUUIDs) == 0 {
		return false, nil
	}
	args := map[string]any{}
	n, err := exec.SelectInt(`
		SELECT COUNT(*) FROM resource_provider_aggregates rpa
		JOIN placement_aggregates a ON a.id = rpa.aggregate_id
		WHERE a.uuid IN (`+db.InParams("agg", aggregateUUIDs, args)+")", args)
	return n > 0, err
}

// Get the providers matching every group of aggregates, where a provider
// matches a group if it or its root is a member of at least one aggregate
// of the group.
func ProvidersMatchingAggregates(exec gorp.SqlExecutor, memberOf [][]string) (placement.Set[int64], error) {
	var result placement.Set[int64]
	for _, anyOf := range memberOf {
		matching, err := ProvidersInAnyAggregate(exec, anyOf)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = matching
		} else {
			result = result.Intersect(matching)
		}
		if len(result) == 0 {
			break
		}
	}
	if result == nil {
		result = placement.Set[int64]{}
	}
	return result, nil
}

// Get the providers having the trait which marks their inventory as shared
// via aggregates.
func SharingProviders(exec gorp.SqlExecutor) (placement.Set[int64], error) {
	return selectIDs(exec, `
		SELECT rpt.resource_provider_id FROM resource_provider_traits rpt
		JOIN traits t ON t.id = rpt.trait_id
		WHERE t.name = :name`, map[string]any{"name": placement.TraitSharesViaAggregate})
}

// Get the roots of all trees which a sharing provider serves, i.e. the
// roots of every provider that shares an aggregate with it. This includes
// the own root of the sharing provider if it is in any aggregate.
func AnchorsForSharingProviders(exec gorp.SqlExecutor, sharingIDs []int64) (map[int64]placement.Set[int64], error) {
	result := map[int64]placement.Set[int64]{}
	if len(sharingIDs) == 0 {
		return result, nil
	}
	args := map[string]any{}
	query := `
		SELECT DISTINCT shr.resource_provider_id AS sharing_id, rp.root_provider_id AS root_id
		FROM resource_provider_aggregates shr
		JOIN resource_provider_aggregates member ON member.aggregate_id = shr.aggregate_id
		JOIN resource_providers rp ON rp.id = member.resource_provider_id
		WHERE shr.resource_provider_id IN (` + db.InParams("rp", sharingIDs, args) + ")"
	var rows []struct {
		SharingID int64 `db:"sharing_id"`
		RootID    int64 `db:"root_id"`
	}
	if _, err := exec.Select(&rows, query, args); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if result[row.SharingID] == nil {
			result[row.SharingID] = placement.Set[int64]{}
		}
		result[row.SharingID].Add(row.RootID)
	}
	return result, nil
}
