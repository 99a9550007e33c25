// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/pkg/db"
	"github.com/go-gorp/gorp"
)

// Inventory fields as given by the caller, keyed by resource class name.
type InventorySpec struct {
	ResourceClass   string  `json:"-"`
	Total           int     `json:"total"`
	Reserved        int     `json:"reserved"`
	MinUnit         int     `json:"min_unit"`
	MaxUnit         int     `json:"max_unit"`
	StepSize        int     `json:"step_size"`
	AllocationRatio float64 `json:"allocation_ratio"`
}

// Fill unset optional fields with their defaults.
func (spec InventorySpec) WithDefaults() InventorySpec {
	if spec.MinUnit == 0 {
		spec.MinUnit = 1
	}
	if spec.MaxUnit == 0 {
		spec.MaxUnit = math.MaxInt32
	}
	if spec.StepSize == 0 {
		spec.StepSize = 1
	}
	if spec.AllocationRatio == 0 {
		spec.AllocationRatio = 1.0
	}
	return spec
}

// Check the inventory fields for consistency.
func (spec InventorySpec) Validate(providerUUID string) error {
	invalid := func(reason string) error {
		return &placement.InvalidInventoryCapacityError{
			ResourceClass: spec.ResourceClass, ProviderUUID: providerUUID, Reason: reason,
		}
	}
	switch {
	case spec.Total < 1:
		return invalid("total must be at least 1")
	case spec.Reserved < 0:
		return invalid("reserved must not be negative")
	case spec.Reserved > spec.Total:
		return invalid("reserved must not exceed total")
	case spec.MinUnit < 1:
		return invalid("min_unit must be at least 1")
	case spec.MinUnit > spec.MaxUnit:
		return invalid("min_unit must not exceed max_unit")
	case spec.StepSize < 1:
		return invalid("step_size must be at least 1")
	case spec.AllocationRatio <= 0:
		return invalid("allocation_ratio must be positive")
	}
	return nil
}

// Inventory with its resource class name and current usage.
type InventoryInfo struct {
	placement.Usage
	ResourceClass string `db:"resource_class"`
}

// Convert back into the fields given by the caller.
func (info InventoryInfo) Spec() InventorySpec {
	return InventorySpec{
		ResourceClass:   info.ResourceClass,
		Total:           info.Total,
		Reserved:        info.Reserved,
		MinUnit:         info.MinUnit,
		MaxUnit:         info.MaxUnit,
		StepSize:        info.StepSize,
		AllocationRatio: info.AllocationRatio,
	}
}

const usageQuery = `
	SELECT inv.*, COALESCE(u.used, 0) AS used
	FROM inventories inv
	LEFT JOIN (
		SELECT resource_provider_id, resource_class_id, SUM(used) AS used
		FROM allocations
		WHERE resource_provider_id IN (%[1]s)
		GROUP BY resource_provider_id, resource_class_id
	) u ON u.resource_provider_id = inv.resource_provider_id AND u.resource_class_id = inv.resource_class_id
	WHERE inv.resource_provider_id IN (%[1]s)`

// Get the inventories and current usage of the given providers.
func UsagesForProviders(exec gorp.SqlExecutor, providerIDs []int64) (map[placement.ProviderResourceKey]placement.Usage, error) {
	result := map[placement.ProviderResourceKey]placement.Usage{}
	if len(providerIDs) == 0 {
		return result, nil
	}
	args := map[string]any{}
	query := fmt.Sprintf(usageQuery, db.InParams("rp", providerIDs, args))
	var usages []placement.Usage
	if _, err := exec.Select(&usages, query, args); err != nil {
		return nil, err
	}
	for _, u := range usages {
		result[placement.ProviderResourceKey{ProviderID: u.ResourceProviderID, ClassID: u.ResourceClassID}] = u
	}
	return result, nil
}

// Get the inventories and current usage for the given keys. Keys without
// inventory are missing in the result.
func UsagesByKey(exec gorp.SqlExecutor, keys []placement.ProviderResourceKey) (map[placement.ProviderResourceKey]placement.Usage, error) {
	providerIDs := placement.NewSet[int64]()
	for _, key := range keys {
		providerIDs.Add(key.ProviderID)
	}
	usages, err := UsagesForProviders(exec, providerIDs.Sorted())
	if err != nil {
		return nil, err
	}
	result := make(map[placement.ProviderResourceKey]placement.Usage, len(keys))
	for _, key := range keys {
		if u, ok := usages[key]; ok {
			result[key] = u
		}
	}
	return result, nil
}

// One requested amount of a resource class on a provider.
type Line struct {
	ProviderID    int64
	ProviderUUID  string
	ClassID       int
	ResourceClass string
	Amount        int
}

func (l Line) Key() placement.ProviderResourceKey {
	return placement.ProviderResourceKey{ProviderID: l.ProviderID, ClassID: l.ClassID}
}

// Check that the lines fit the inventories of their providers, on top of
// the allocations which exist already. Lines on the same provider and
// resource class are summed up. Zero amounts are skipped.
func CheckCapacity(exec gorp.SqlExecutor, lines []Line) error {
	keys := make([]placement.ProviderResourceKey, 0, len(lines))
	totals := map[placement.ProviderResourceKey]int{}
	for _, line := range lines {
		if line.Amount == 0 {
			continue
		}
		keys = append(keys, line.Key())
		totals[line.Key()] += line.Amount
	}
	usages, err := UsagesByKey(exec, keys)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if line.Amount == 0 {
			continue
		}
		usage, ok := usages[line.Key()]
		if !ok {
			return &placement.InvalidInventoryError{ResourceClass: line.ResourceClass, ProviderUUID: line.ProviderUUID}
		}
		if err := usage.Check(line.Amount, totals[line.Key()], line.ResourceClass, line.ProviderUUID); err != nil {
			slog.Warn("placement: rejected allocation",
				"provider", line.ProviderUUID, "resourceClass", line.ResourceClass, "amount", line.Amount,
				"used", usage.Used, "capacity", usage.Capacity(), "error", err)
			return err
		}
	}
	return nil
}

// Get the inventories of a provider ordered by resource class id.
func (s *Store) GetInventory(ctx context.Context, providerUUID string) (*placement.ResourceProvider, []InventoryInfo, error) {
	exec := s.DB.WithContext(ctx)
	rp, err := ProviderByUUID(exec, providerUUID)
	if err != nil {
		return nil, nil, err
	}
	infos, err := s.inventoryInfos(ctx, exec, rp)
	return rp, infos, err
}

func (s *Store) inventoryInfos(ctx context.Context, exec gorp.SqlExecutor, rp *placement.ResourceProvider) ([]InventoryInfo, error) {
	usages, err := UsagesForProviders(exec, []int64{rp.ID})
	if err != nil {
		return nil, err
	}
	infos := make([]InventoryInfo, 0, len(usages))
	for _, u := range usages {
		name, err := s.ResourceClasses.NameFromID(ctx, u.ResourceClassID)
		if err != nil {
			return nil, err
		}
		infos = append(infos, InventoryInfo{Usage: u, ResourceClass: name})
	}
	slices.SortFunc(infos, func(a, b InventoryInfo) int { return a.ResourceClassID - b.ResourceClassID })
	return infos, nil
}

// Get the used amount per resource class of a provider. Classes with
// inventory but without allocations are reported with zero usage.
func (s *Store) GetUsages(ctx context.Context, providerUUID string) (*placement.ResourceProvider, map[string]int, error) {
	rp, infos, err := s.GetInventory(ctx, providerUUID)
	if err != nil {
		return nil, nil, err
	}
	usages := make(map[string]int, len(infos))
	for _, info := range infos {
		usages[info.ResourceClass] = info.Used
	}
	return rp, usages, nil
}

// Replace the full inventory of a provider.
//
// The generation of rp must be the one the caller based its change on. It
// is incremented on success, even if the inventory did not change.
// Dropping a resource class which still has allocations fails, while
// shrinking an inventory below its current usage is only logged.
func (s *Store) SetInventory(ctx context.Context, rp *placement.ResourceProvider, specs []InventorySpec) error {
	updated := *rp
	err := s.DB.InTransaction(ctx, "set_inventory", func(tx gorp.SqlExecutor) error {
		return s.setInventory(ctx, tx, &updated, specs)
	})
	if err != nil {
		return err
	}
	*rp = updated
	return nil
}

func (s *Store) setInventory(ctx context.Context, tx gorp.SqlExecutor, rp *placement.ResourceProvider, specs []InventorySpec) error {
	wanted := map[int]InventorySpec{}
	for _, spec := range specs {
		classID, err := s.ResourceClasses.IDFromName(ctx, spec.ResourceClass)
		if err != nil {
			return err
		}
		if _, ok := wanted[classID]; ok {
			return placement.BadRequest("duplicate inventory for resource class %s", spec.ResourceClass)
		}
		if err := spec.Validate(rp.UUID); err != nil {
			return err
		}
		wanted[classID] = spec
	}
	current, err := UsagesForProviders(tx, []int64{rp.ID})
	if err != nil {
		return err
	}
	now := timestamp()
	for key, usage := range current {
		spec, keep := wanted[key.ClassID]
		if !keep {
			if usage.Used > 0 {
				name, err := s.ResourceClasses.NameFromID(ctx, key.ClassID)
				if err != nil {
					return err
				}
				return &placement.InUseError{
					Kind: placement.KindInventory, Key: name,
					Reason: fmt.Sprintf("resource provider %s has allocations of %d", rp.UUID, usage.Used),
				}
			}
			if _, err := tx.Delete(&usage.Inventory); err != nil {
				return err
			}
			continue
		}
		inv := usage.Inventory
		applySpec(&inv, spec)
		inv.UpdatedAt = now
		if usage.Used > inv.Capacity() {
			slog.Warn("placement: inventory update leaves provider over capacity",
				"provider", rp.UUID, "resourceClass", spec.ResourceClass,
				"used", usage.Used, "capacity", inv.Capacity())
		}
		if _, err := tx.Update(&inv); err != nil {
			return err
		}
	}
	for classID, spec := range wanted {
		if _, exists := current[placement.ProviderResourceKey{ProviderID: rp.ID, ClassID: classID}]; exists {
			continue
		}
		inv := placement.Inventory{ResourceProviderID: rp.ID, ResourceClassID: classID, CreatedAt: now, UpdatedAt: now}
		applySpec(&inv, spec)
		if err := tx.Insert(&inv); err != nil {
			return err
		}
	}
	if err := IncrementGeneration(tx, rp); err != nil {
		return err
	}
	slog.Info("placement: set inventory", "provider", rp.UUID, "classes", len(wanted), "generation", rp.Generation)
	return nil
}

func applySpec(inv *placement.Inventory, spec InventorySpec) {
	inv.Total = spec.Total
	inv.Reserved = spec.Reserved
	inv.MinUnit = spec.MinUnit
	inv.MaxUnit = spec.MaxUnit
	inv.StepSize = spec.StepSize
	inv.AllocationRatio = spec.AllocationRatio
}

// Add or replace the inventory of a single resource class.
func (s *Store) UpdateInventory(ctx context.Context, rp *placement.ResourceProvider, spec InventorySpec) error {
	updated := *rp
	err := s.DB.InTransaction(ctx, "update_inventory", func(tx gorp.SqlExecutor) error {
		infos, err := s.inventoryInfos(ctx, tx, &updated)
		if err != nil {
			return err
		}
		specs := []InventorySpec{spec}
		for _, info := range infos {
			if info.ResourceClass != spec.ResourceClass {
				specs = append(specs, info.Spec())
			}
		}
		return s.setInventory(ctx, tx, &updated, specs)
	})
	if err != nil {
		return err
	}
	*rp = updated
	return nil
}

// Remove the inventory of a single resource class.
func (s *Store) DeleteInventory(ctx context.Context, rp *placement.ResourceProvider, resourceClass string) error {
	updated := *rp
	err := s.DB.InTransaction(ctx, "delete_inventory", func(tx gorp.SqlExecutor) error {
		infos, err := s.inventoryInfos(ctx, tx, &updated)
		if err != nil {
			return err
		}
		specs := make([]InventorySpec, 0, len(infos))
		found := false
		for _, info := range infos {
			if info.ResourceClass == resourceClass {
				found = true
				continue
			}
			specs = append(specs, info.Spec())
		}
		if !found {
			return placement.NotFound(placement.KindInventory, resourceClass)
		}
		return s.setInventory(ctx, tx, &updated, specs)
	})
	if err != nil {
		return err
	}
	*rp = updated
	return nil
}
