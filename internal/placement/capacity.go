// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package placement

import "math"

// Usable amount of an inventory: floor((total - reserved) * ratio).
//
// The small epsilon keeps ratios like 1.1 from flooring a result that
// is integral in decimal arithmetic, e.g. 10 * 1.1.
func Capacity(total, reserved int, allocationRatio float64) int {
	return int(math.Floor(float64(total-reserved)*allocationRatio + 1e-9))
}

// Map key for per provider and resource class data.
type ProviderResourceKey struct {
	ProviderID int64
	ClassID    int
}

// Inventory together with the amount already allocated from it.
type Usage struct {
	Inventory
	Used int `db:"used"`
}

// Remaining capacity of the inventory.
func (u Usage) Free() int {
	return u.Capacity() - u.Used
}

// Whether a single allocation of the amount fits the unit constraints of
// the inventory, i.e. min_unit <= amount <= max_unit and the amount is a
// multiple of step_size.
func (u Usage) FitsUnits(amount int) bool {
	if amount < u.MinUnit || amount > u.MaxUnit {
		return false
	}
	step := u.StepSize
	if step < 1 {
		step = 1
	}
	return amount%step == 0
}

// Check an additional allocation against the inventory.
//
// The amount is checked against the unit constraints, while total is the
// sum of all new allocations on this inventory (including amount) and is
// checked against the remaining capacity.
func (u Usage) Check(amount, total int, class, providerUUID string) error {
	if !u.FitsUnits(amount) {
		return &ConstraintsViolatedError{ResourceClass: class, ProviderUUID: providerUUID}
	}
	if u.Used+amount > u.Capacity() || u.Used+total > u.Capacity() {
		return &CapacityExceededError{ResourceClass: class, ProviderUUID: providerUUID}
	}
	return nil
}
