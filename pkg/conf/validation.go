// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"errors"
	"fmt"
	"slices"
)

// Check if the configuration is valid.
func (c *Config) Validate() error {
	if c.DBConfig.Host == "" {
		return errors.New("db host must be set")
	}
	if c.DBConfig.Port <= 0 {
		return fmt.Errorf("invalid db port %d", c.DBConfig.Port)
	}
	if c.APIConfig.Port <= 0 {
		return fmt.Errorf("invalid api port %d", c.APIConfig.Port)
	}
	if c.MonitoringConfig.Port <= 0 {
		return fmt.Errorf("invalid monitoring port %d", c.MonitoringConfig.Port)
	}
	if c.APIConfig.Port == c.MonitoringConfig.Port {
		return fmt.Errorf("api and monitoring cannot share port %d", c.APIConfig.Port)
	}
	if err := c.PlacementConfig.Validate(); err != nil {
		return fmt.Errorf("placement: %w", err)
	}
	if c.PlacementConfig.Upstream.Enabled && c.KeystoneConfig.URL == "" {
		return errors.New("upstream import requires a keystone url")
	}
	return nil
}

// Check if the placement configuration is valid.
// Zero values are accepted since they are replaced by defaults.
func (c PlacementConfig) Validate() error {
	if c.AllocationConflictRetryCount < 0 {
		return fmt.Errorf("allocationConflictRetryCount must not be negative, got %d", c.AllocationConflictRetryCount)
	}
	strategies := []GenerationStrategy{"", GenerationStrategyDepthFirst, GenerationStrategyBreadthFirst}
	if !slices.Contains(strategies, c.AllocationCandidatesGenerationStrategy) {
		return fmt.Errorf("unknown allocationCandidatesGenerationStrategy %q", c.AllocationCandidatesGenerationStrategy)
	}
	if c.Upstream.IntervalSeconds < 0 {
		return fmt.Errorf("upstream intervalSeconds must not be negative, got %d", c.Upstream.IntervalSeconds)
	}
	return nil
}
