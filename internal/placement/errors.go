// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package placement

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var (
	// A referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// A provider has no inventory for a requested resource class.
	ErrInvalidInventory = errors.New("invalid inventory")
	// Inventory fields are inconsistent, e.g. reserved > total.
	ErrInvalidInventoryCapacity = errors.New("invalid inventory capacity")
	// An allocation amount violates min_unit, max_unit or step_size.
	ErrConstraintsViolated = errors.New("allocation constraints violated")
	// An allocation exceeds the available capacity.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// A generation changed since it was read.
	ErrConcurrentUpdate = errors.New("concurrent update detected")
	// An entity with the same unique key already exists.
	ErrExists = errors.New("already exists")
	// An entity is still referenced and cannot be removed.
	ErrInUse = errors.New("in use")
	// A provider with children cannot be deleted.
	ErrCannotDeleteParent = errors.New("cannot delete parent provider")
	// Standard resource classes and traits are immutable.
	ErrStandardEntry = errors.New("standard entry cannot be modified")
	// The request is malformed.
	ErrBadRequest = errors.New("bad request")
)

// Kind of entity referenced by an error.
type Kind string

const (
	KindResourceProvider Kind = "resource provider"
	KindResourceClass    Kind = "resource class"
	KindTrait            Kind = "trait"
	KindConsumerType     Kind = "consumer type"
	KindConsumer         Kind = "consumer"
	KindProject          Kind = "project"
	KindUser             Kind = "user"
	KindAggregate        Kind = "aggregate"
	KindInventory        Kind = "inventory"
)

// Unresolved name or id.
type NotFoundError struct {
	Kind Kind
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Create a new not found error.
func NotFound(kind Kind, key any) error {
	return &NotFoundError{Kind: kind, Key: fmt.Sprint(key)}
}

// Duplicate create by unique key.
type ExistsError struct {
	Kind Kind
	Key  string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Key)
}

func (e *ExistsError) Is(target error) bool { return target == ErrExists }

// Removal of an entity which is still referenced.
type InUseError struct {
	Kind Kind
	Key  string
	// Description of what still references the entity.
	Reason string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("%s %q is in use: %s", e.Kind, e.Key, e.Reason)
}

func (e *InUseError) Is(target error) bool { return target == ErrInUse }

// Error naming the offending resource class on a provider.
type allocationError struct {
	ResourceClass string
	ProviderUUID  string
}

// No inventory for the resource class on the provider.
type InvalidInventoryError allocationError

func (e *InvalidInventoryError) Error() string {
	return fmt.Sprintf("inventory for %s on resource provider %s invalid", e.ResourceClass, e.ProviderUUID)
}

func (e *InvalidInventoryError) Is(target error) bool { return target == ErrInvalidInventory }

// Amount violates min_unit, max_unit or step_size.
type ConstraintsViolatedError allocationError

func (e *ConstraintsViolatedError) Error() string {
	return fmt.Sprintf(
		"unable to allocate inventory: allocation of %s on resource provider %s violates min_unit, max_unit, or step_size",
		e.ResourceClass, e.ProviderUUID,
	)
}

func (e *ConstraintsViolatedError) Is(target error) bool { return target == ErrConstraintsViolated }

// Amount exceeds the remaining capacity.
type CapacityExceededError allocationError

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf(
		"unable to allocate inventory: unable to create allocation for %s on resource provider %s, the requested amount would exceed the capacity",
		e.ResourceClass, e.ProviderUUID,
	)
}

func (e *CapacityExceededError) Is(target error) bool { return target == ErrCapacityExceeded }

// Inconsistent inventory fields.
type InvalidInventoryCapacityError struct {
	ResourceClass string
	ProviderUUID  string
	Reason        string
}

func (e *InvalidInventoryCapacityError) Error() string {
	return fmt.Sprintf("invalid inventory for %s on resource provider %s: %s", e.ResourceClass, e.ProviderUUID, e.Reason)
}

func (e *InvalidInventoryCapacityError) Is(target error) bool {
	return target == ErrInvalidInventoryCapacity
}

// Deletion of a provider which still has children.
type CannotDeleteParentError struct {
	ProviderUUID string
}

func (e *CannotDeleteParentError) Error() string {
	return fmt.Sprintf("unable to delete parent resource provider %s: it has child resource providers", e.ProviderUUID)
}

func (e *CannotDeleteParentError) Is(target error) bool { return target == ErrCannotDeleteParent }

// Generation conflict on providers or consumers.
//
// The maps hold the generations the caller expected, keyed by uuid, so
// that a retry can re-read exactly the entities that changed. A consumer
// expected not to exist yet is recorded with NoGeneration.
type ConcurrentUpdateError struct {
	StaleProviders map[string]int
	StaleConsumers map[string]int
}

func (e *ConcurrentUpdateError) Error() string {
	var parts []string
	if len(e.StaleProviders) > 0 {
		uuids := slices.Sorted(maps.Keys(e.StaleProviders))
		parts = append(parts, "resource providers "+strings.Join(uuids, ", "))
	}
	if len(e.StaleConsumers) > 0 {
		uuids := slices.Sorted(maps.Keys(e.StaleConsumers))
		parts = append(parts, "consumers "+strings.Join(uuids, ", "))
	}
	return fmt.Sprintf("%s: %s changed since they were read", ErrConcurrentUpdate, strings.Join(parts, "; "))
}

func (e *ConcurrentUpdateError) Is(target error) bool { return target == ErrConcurrentUpdate }

// Whether only providers went stale. Consumer conflicts mean the caller
// worked on outdated consumer data and must not be retried blindly.
func (e *ConcurrentUpdateError) ProvidersOnly() bool {
	return len(e.StaleProviders) > 0 && len(e.StaleConsumers) == 0
}

// Create a new error for a stale resource provider generation.
func ProviderConflict(uuid string, generation int) *ConcurrentUpdateError {
	return &ConcurrentUpdateError{StaleProviders: map[string]int{uuid: generation}}
}

// Generation of a consumer that is expected not to exist.
const NoGeneration = -1

// Create a new error for a stale consumer generation.
func ConsumerConflict(uuid string, generation int) *ConcurrentUpdateError {
	return &ConcurrentUpdateError{StaleConsumers: map[string]int{uuid: generation}}
}

// Create a new bad request error.
func BadRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}
