// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cobaltcore-dev/cortex-placement/pkg/keystone"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/placement/v1/resourceproviders"
	"github.com/sapcc/go-bits/jobloop"
)

// Needed, otherwise the placement api omits generations and 404s on traits.
const microversion = "1.29"

// Everything known upstream about a single resource provider.
type Provider struct {
	resourceproviders.ResourceProvider
	Inventories map[string]resourceproviders.Inventory
	Traits      []string
	Aggregates  []string
}

type Client interface {
	// Authenticate and locate the placement endpoint.
	Init(ctx context.Context) error
	// Fetch all resource providers with their inventories, traits and
	// aggregates.
	GetAllProviders(ctx context.Context) ([]Provider, error)
}

// Client for an OpenStack placement api.
type placementClient struct {
	// Keystone api to authenticate against.
	keystoneClient keystone.KeystoneClient
	// Authenticated OpenStack service client to fetch the data.
	sc *gophercloud.ServiceClient
	// Sleep interval to avoid overloading the API.
	sleepInterval time.Duration
}

// Create a new client for the placement api found in the keystone catalog.
func NewClient(k keystone.KeystoneClient) Client {
	return &placementClient{keystoneClient: k, sleepInterval: 50 * time.Millisecond}
}

func (c *placementClient) Init(ctx context.Context) error {
	sc, err := keystone.NewServiceClient(ctx, c.keystoneClient, "placement", microversion)
	if err != nil {
		return err
	}
	c.sc = sc
	return nil
}

func (c *placementClient) GetAllProviders(ctx context.Context) ([]Provider, error) {
	pages, err := resourceproviders.List(c.sc, resourceproviders.ListOpts{}).AllPages(ctx)
	if err != nil {
		return nil, err
	}
	providers, err := resourceproviders.ExtractResourceProviders(pages)
	if err != nil {
		return nil, err
	}
	slog.Info("upstream: fetched resource providers", "count", len(providers))

	resultMutex := sync.Mutex{}
	results := make([]Provider, 0, len(providers))
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Channel to communicate errors from goroutines.
	errChan := make(chan error, len(providers))

	for _, provider := range providers {
		wg.Go(func() {
			result, err := c.getDetails(ctx, provider)
			if err != nil {
				errChan <- err
				cancel()
				return
			}
			resultMutex.Lock()
			results = append(results, result)
			resultMutex.Unlock()
		})
		time.Sleep(jobloop.DefaultJitter(c.sleepInterval)) // Don't overload the API.
	}

	// Wait for all goroutines to finish and close the error channel.
	go func() {
		wg.Wait()
		close(errChan)
	}()
	// Return the first error encountered, if any.
	for err := range errChan {
		if err != nil {
			slog.Error("upstream: failed to fetch provider details", "error", err)
			return nil, err
		}
	}
	slices.SortFunc(results, func(a, b Provider) int { return strings.Compare(a.UUID, b.UUID) })
	return results, nil
}

// Fetch inventories, traits and aggregates of a single provider.
func (c *placementClient) getDetails(ctx context.Context, provider resourceproviders.ResourceProvider) (Provider, error) {
	result := Provider{ResourceProvider: provider}
	inventories, err := resourceproviders.GetInventories(ctx, c.sc, provider.UUID).Extract()
	if err != nil {
		return result, err
	}
	result.Inventories = inventories.Inventories
	traits, err := resourceproviders.GetTraits(ctx, c.sc, provider.UUID).Extract()
	if err != nil {
		return result, err
	}
	result.Traits = traits.Traits
	// Gophercloud has no binding for the aggregates of a provider.
	var aggregates struct {
		Aggregates []string `json:"aggregates"`
	}
	url := c.sc.ServiceURL("resource_providers", provider.UUID, "aggregates")
	if _, err := c.sc.Get(ctx, url, &aggregates, nil); err != nil {
		return result, err
	}
	result.Aggregates = aggregates.Aggregates
	return result, nil
}
