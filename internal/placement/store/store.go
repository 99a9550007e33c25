// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/attrcache"
	"github.com/cobaltcore-dev/cortex-placement/pkg/db"
	"github.com/go-gorp/gorp"
)

// Inventory and allocation store backed by the relational database.
//
// Methods on the store run in their own transaction. The package level
// functions taking a gorp.SqlExecutor are the building blocks shared with
// the candidate search and the allocation transaction.
type Store struct {
	DB *db.DB

	ResourceClasses *attrcache.Cache
	Traits          *attrcache.Cache
	ConsumerTypes   *attrcache.Cache

	seedMu sync.Mutex
	seeded bool
}

// Create a new store on the given database.
func New(database *db.DB) *Store {
	return &Store{
		DB:              database,
		ResourceClasses: attrcache.New(database.DbMap, placement.KindResourceClass, placement.ResourceClass{}.TableName()),
		Traits:          attrcache.New(database.DbMap, placement.KindTrait, placement.Trait{}.TableName()),
		ConsumerTypes:   attrcache.New(database.DbMap, placement.KindConsumerType, placement.ConsumerType{}.TableName()),
	}
}

// Create the placement tables if they don't exist yet.
func (s *Store) CreateSchema() error {
	return placement.CreateSchema(s.DB)
}

// Insert the standard resource classes and traits which are missing.
// Safe to call more than once, only the first successful call does work.
func (s *Store) EnsureSeeded(ctx context.Context) error {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	if s.seeded {
		return nil
	}
	err := s.DB.InTransaction(ctx, "ensure_seeded", func(tx gorp.SqlExecutor) error {
		now := timestamp()
		for id, name := range placement.StandardResourceClasses {
			exists, err := tx.SelectInt("SELECT COUNT(*) FROM resource_classes WHERE name = :name", map[string]any{"name": name})
			if err != nil {
				return err
			}
			if exists > 0 {
				continue
			}
			rc := &placement.ResourceClass{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}
			if err := tx.Insert(rc); err != nil {
				return fmt.Errorf("failed to seed resource class %s: %w", name, err)
			}
		}
		for i, name := range placement.StandardTraits {
			exists, err := tx.SelectInt("SELECT COUNT(*) FROM traits WHERE name = :name", map[string]any{"name": name})
			if err != nil {
				return err
			}
			if exists > 0 {
				continue
			}
			trait := &placement.Trait{ID: i + 1, Name: name, CreatedAt: now, UpdatedAt: now}
			if err := tx.Insert(trait); err != nil {
				return fmt.Errorf("failed to seed trait %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.ResourceClasses.Clear()
	s.Traits.Clear()
	s.seeded = true
	slog.Info("placement: seeded standard resource classes and traits",
		"resourceClasses", len(placement.StandardResourceClasses), "traits", len(placement.StandardTraits))
	return nil
}

// Timestamp used for created_at and updated_at columns.
func timestamp() time.Time {
	return time.Now().UTC()
}
