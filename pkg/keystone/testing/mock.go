// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package keystone

import (
	"context"

	"github.com/gophercloud/gophercloud/v2"
)

// Keystone client that skips authentication and always resolves to Url.
type MockKeystoneClient struct {
	Url             string
	EndpointLocator gophercloud.EndpointLocator
	// Number of Authenticate calls, for assertions.
	Authentications int
}

func (m *MockKeystoneClient) Authenticate(ctx context.Context) error {
	m.Authentications++
	return nil
}

func (m *MockKeystoneClient) Client() *gophercloud.ProviderClient {
	return &gophercloud.ProviderClient{
		EndpointLocator: m.EndpointLocator,
	}
}

func (m *MockKeystoneClient) FindEndpoint(availability, serviceType string) (string, error) {
	return m.Url, nil
}

func (m *MockKeystoneClient) Availability() string {
	return "public"
}
