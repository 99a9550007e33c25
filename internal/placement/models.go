// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package placement

import (
	"time"

	"github.com/cobaltcore-dev/cortex-placement/pkg/db"
)

// Resource provider as persisted in the database.
type ResourceProvider struct {
	ID   int64  `db:"id,primarykey,autoincrement" json:"-"`
	UUID string `db:"uuid" json:"uuid"`
	// Optional display name, empty if unset.
	Name string `db:"name" json:"name"`
	// Counter incremented on every change of inventory, traits,
	// aggregates or allocations of the provider.
	Generation int `db:"generation" json:"generation"`
	// Nil for root providers.
	ParentProviderID *int64 `db:"parent_provider_id" json:"-"`
	// Equal to ID for root providers.
	RootProviderID int64     `db:"root_provider_id" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"-"`
	UpdatedAt      time.Time `db:"updated_at" json:"-"`
}

// Table under which the resource providers are stored.
func (ResourceProvider) TableName() string { return "resource_providers" }

// Indexes for the resource providers.
func (ResourceProvider) Indexes() map[string][]string {
	return map[string][]string{
		"idx_resource_providers_root":   {"root_provider_id"},
		"idx_resource_providers_parent": {"parent_provider_id"},
	}
}

// Whether the provider is the root of its tree.
func (rp ResourceProvider) IsRoot() bool {
	return rp.ParentProviderID == nil
}

// Named attribute with a stable id, e.g. a resource class or trait.
type ResourceClass struct {
	ID        int       `db:"id,primarykey"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Table under which the resource classes are stored.
func (ResourceClass) TableName() string { return "resource_classes" }

// Indexes for the resource classes.
func (ResourceClass) Indexes() map[string][]string { return nil }

// Capability tag attachable to resource providers.
type Trait struct {
	ID        int       `db:"id,primarykey"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Table under which the traits are stored.
func (Trait) TableName() string { return "traits" }

// Indexes for the traits.
func (Trait) Indexes() map[string][]string { return nil }

// Kind of consumer, e.g. INSTANCE or MIGRATION.
type ConsumerType struct {
	ID        int       `db:"id,primarykey,autoincrement"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Table under which the consumer types are stored.
func (ConsumerType) TableName() string { return "consumer_types" }

// Indexes for the consumer types.
func (ConsumerType) Indexes() map[string][]string { return nil }

// Inventory of one resource class on one provider.
type Inventory struct {
	ID                 int64     `db:"id,primarykey,autoincrement"`
	ResourceProviderID int64     `db:"resource_provider_id"`
	ResourceClassID    int       `db:"resource_class_id"`
	Total              int       `db:"total"`
	Reserved           int       `db:"reserved"`
	MinUnit            int       `db:"min_unit"`
	MaxUnit            int       `db:"max_unit"`
	StepSize           int       `db:"step_size"`
	AllocationRatio    float64   `db:"allocation_ratio"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// Table under which the inventories are stored.
func (Inventory) TableName() string { return "inventories" }

// Indexes for the inventories.
func (Inventory) Indexes() map[string][]string {
	return map[string][]string{
		"idx_inventories_resource_class": {"resource_class_id"},
	}
}

// Usable amount of the inventory, taking overcommit into account.
func (inv Inventory) Capacity() int {
	return Capacity(inv.Total, inv.Reserved, inv.AllocationRatio)
}

// Amount of one resource class consumed from a provider by a consumer.
type Allocation struct {
	ID                 int64 `db:"id,primarykey,autoincrement"`
	ResourceProviderID int64 `db:"resource_provider_id"`
	// UUID of the consumer holding the allocation.
	ConsumerID      string    `db:"consumer_id"`
	ResourceClassID int       `db:"resource_class_id"`
	Used            int       `db:"used"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// Table under which the allocations are stored.
func (Allocation) TableName() string { return "allocations" }

// Indexes for the allocations.
func (Allocation) Indexes() map[string][]string {
	return map[string][]string{
		"idx_allocations_consumer":       {"consumer_id"},
		"idx_allocations_provider_class": {"resource_provider_id", "resource_class_id"},
	}
}

// Association of a trait with a resource provider.
type ResourceProviderTrait struct {
	ResourceProviderID int64     `db:"resource_provider_id,primarykey"`
	TraitID            int       `db:"trait_id,primarykey"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// Table under which the provider traits are stored.
func (ResourceProviderTrait) TableName() string { return "resource_provider_traits" }

// Indexes for the provider traits.
func (ResourceProviderTrait) Indexes() map[string][]string {
	return map[string][]string{
		"idx_resource_provider_traits_trait": {"trait_id"},
	}
}

// Aggregate, only known by its uuid.
type Aggregate struct {
	ID        int64     `db:"id,primarykey,autoincrement"`
	UUID      string    `db:"uuid"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Table under which the aggregates are stored.
func (Aggregate) TableName() string { return "placement_aggregates" }

// Indexes for the aggregates.
func (Aggregate) Indexes() map[string][]string { return nil }

// Membership of a resource provider in an aggregate.
type ResourceProviderAggregate struct {
	ResourceProviderID int64     `db:"resource_provider_id,primarykey"`
	AggregateID        int64     `db:"aggregate_id,primarykey"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// Table under which the aggregate memberships are stored.
func (ResourceProviderAggregate) TableName() string { return "resource_provider_aggregates" }

// Indexes for the aggregate memberships.
func (ResourceProviderAggregate) Indexes() map[string][]string {
	return map[string][]string{
		"idx_resource_provider_aggregates_aggregate": {"aggregate_id"},
	}
}

// Project owning consumers, identified by its external (keystone) id.
type Project struct {
	ID         int64     `db:"id,primarykey,autoincrement"`
	ExternalID string    `db:"external_id"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Table under which the projects are stored.
func (Project) TableName() string { return "projects" }

// Indexes for the projects.
func (Project) Indexes() map[string][]string { return nil }

// User owning consumers, identified by its external (keystone) id.
type User struct {
	ID         int64     `db:"id,primarykey,autoincrement"`
	ExternalID string    `db:"external_id"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Table under which the users are stored.
func (User) TableName() string { return "users" }

// Indexes for the users.
func (User) Indexes() map[string][]string { return nil }

// Entity holding allocations, e.g. a virtual machine.
type Consumer struct {
	ID             int64     `db:"id,primarykey,autoincrement"`
	UUID           string    `db:"uuid"`
	ProjectID      int64     `db:"project_id"`
	UserID         int64     `db:"user_id"`
	Generation     int       `db:"generation"`
	ConsumerTypeID *int      `db:"consumer_type_id"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Table under which the consumers are stored.
func (Consumer) TableName() string { return "consumers" }

// Indexes for the consumers.
func (Consumer) Indexes() map[string][]string {
	return map[string][]string{
		"idx_consumers_project_user": {"project_id", "user_id"},
	}
}

// All tables of the placement service, in creation order.
func Tables() []db.Table {
	return []db.Table{
		ResourceProvider{},
		ResourceClass{},
		Trait{},
		ConsumerType{},
		Inventory{},
		Allocation{},
		ResourceProviderTrait{},
		Aggregate{},
		ResourceProviderAggregate{},
		Project{},
		User{},
		Consumer{},
	}
}

// Register all tables with the database and set up their unique keys.
func AddTables(database *db.DB) {
	database.AddTable(ResourceProvider{}).ColMap("uuid").SetUnique(true)
	database.AddTable(ResourceClass{}).ColMap("name").SetUnique(true)
	database.AddTable(Trait{}).ColMap("name").SetUnique(true)
	database.AddTable(ConsumerType{}).ColMap("name").SetUnique(true)
	database.AddTable(Inventory{}).SetUniqueTogether("resource_provider_id", "resource_class_id")
	database.AddTable(Allocation{}).SetUniqueTogether("resource_provider_id", "consumer_id", "resource_class_id")
	database.AddTable(ResourceProviderTrait{})
	database.AddTable(Aggregate{}).ColMap("uuid").SetUnique(true)
	database.AddTable(ResourceProviderAggregate{})
	database.AddTable(Project{}).ColMap("external_id").SetUnique(true)
	database.AddTable(User{}).ColMap("external_id").SetUnique(true)
	database.AddTable(Consumer{}).ColMap("uuid").SetUnique(true)
}

// Register and create all tables.
func CreateSchema(database *db.DB) error {
	AddTables(database)
	return database.CreateTable(Tables()...)
}
