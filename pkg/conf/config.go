// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

// Configuration for structured logging.
type LoggingConfig struct {
	// The log level to use (debug, info, warn, error).
	LevelStr string `json:"level"`
	// The log format to use (json, text).
	Format string `json:"format"`
}

type DBReconnectConfig struct {
	// The interval between liveness pings to the database.
	LivenessPingIntervalSeconds int `json:"livenessPingIntervalSeconds"`
	// The interval between reconnection attempts on connection loss.
	RetryIntervalSeconds int `json:"retryIntervalSeconds"`
	// The maximum number of reconnection attempts on connection loss before panic.
	MaxRetries int `json:"maxRetries"`
}

// Database configuration.
type DBConfig struct {
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Database  string            `json:"database"`
	User      string            `json:"user"`
	Password  string            `json:"password"`
	Reconnect DBReconnectConfig `json:"reconnect"`
}

// Configuration for the monitoring module.
type MonitoringConfig struct {
	// The labels to add to all metrics.
	Labels map[string]string `json:"labels"`
	// The port to expose the metrics on.
	Port int `json:"port"`
}

// Configuration for the api port.
type APIConfig struct {
	// The port to expose the API on.
	Port int `json:"port"`
	// If request bodies should be logged out.
	// This feature is intended for debugging purposes only.
	LogRequestBodies bool `json:"logRequestBodies"`
}

// Configuration for the keystone authentication.
type KeystoneConfig struct {
	// The URL of the keystone service.
	URL string `json:"url"`
	// Availability of the keystone service, such as "public", "internal", or "admin".
	Availability string `json:"availability"`
	// The OpenStack username (OS_USERNAME in openstack cli).
	OSUsername string `json:"username"`
	// The OpenStack password (OS_PASSWORD in openstack cli).
	OSPassword string `json:"password"`
	// The OpenStack project name (OS_PROJECT_NAME in openstack cli).
	OSProjectName string `json:"projectName"`
	// The OpenStack user domain name (OS_USER_DOMAIN_NAME in openstack cli).
	OSUserDomainName string `json:"userDomainName"`
	// The OpenStack project domain name (OS_PROJECT_DOMAIN_NAME in openstack cli).
	OSProjectDomainName string `json:"projectDomainName"`
}

// Order in which allocation requests are generated across provider trees.
type GenerationStrategy string

const (
	// Generate all candidates of one tree before moving to the next one.
	GenerationStrategyDepthFirst GenerationStrategy = "depth-first"
	// Take one candidate from each tree in turn, so that a capped result
	// still represents as many trees as possible.
	GenerationStrategyBreadthFirst GenerationStrategy = "breadth-first"
)

// Configuration for mirroring an existing OpenStack placement service.
type UpstreamConfig struct {
	// Whether to import providers from the upstream placement service.
	Enabled bool `json:"enabled"`
	// Interval between two imports.
	IntervalSeconds int `json:"intervalSeconds"`
}

// Configuration of the placement core.
type PlacementConfig struct {
	// How often a commit is retried when a resource provider generation
	// changed underneath it.
	AllocationConflictRetryCount int `json:"allocationConflictRetryCount"`
	// Upper bound of allocation requests generated while expanding the
	// candidates of one request. A negative value means no bound.
	MaxAllocationCandidates int `json:"maxAllocationCandidates"`
	// Order in which the candidates of multiple trees are generated.
	AllocationCandidatesGenerationStrategy GenerationStrategy `json:"allocationCandidatesGenerationStrategy"`
	// If a limit is requested, take a random sample instead of the first results.
	RandomizeAllocationCandidates bool `json:"randomizeAllocationCandidates"`
	// Project and user ids used for consumers that don't provide them.
	IncompleteConsumerProjectID string `json:"incompleteConsumerProjectID"`
	IncompleteConsumerUserID    string `json:"incompleteConsumerUserID"`
	// Mirroring of an upstream placement service.
	Upstream UpstreamConfig `json:"upstream"`
}

// Placeholder id used for consumers created without project or user.
const IncompleteConsumerPlaceholder = "00000000-0000-0000-0000-000000000000"

// Return a copy of the placement config with defaults filled in.
func (c PlacementConfig) WithDefaults() PlacementConfig {
	if c.AllocationConflictRetryCount <= 0 {
		c.AllocationConflictRetryCount = 10
	}
	if c.MaxAllocationCandidates == 0 {
		c.MaxAllocationCandidates = -1
	}
	if c.AllocationCandidatesGenerationStrategy == "" {
		c.AllocationCandidatesGenerationStrategy = GenerationStrategyDepthFirst
	}
	if c.IncompleteConsumerProjectID == "" {
		c.IncompleteConsumerProjectID = IncompleteConsumerPlaceholder
	}
	if c.IncompleteConsumerUserID == "" {
		c.IncompleteConsumerUserID = IncompleteConsumerPlaceholder
	}
	if c.Upstream.IntervalSeconds <= 0 {
		c.Upstream.IntervalSeconds = 300
	}
	return c
}

// Configuration for the placement service.
type Config struct {
	LoggingConfig    `json:"logging"`
	DBConfig         `json:"db"`
	MonitoringConfig `json:"monitoring"`
	APIConfig        `json:"api"`
	KeystoneConfig   `json:"keystone"`
	PlacementConfig  `json:"placement"`
}
