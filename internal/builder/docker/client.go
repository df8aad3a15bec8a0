// Package docker runs build toolchain commands inside throwaway containers.
package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

// Client is a checked connection to the Docker engine that hosts builds.
type Client struct {
	api        *client.Client
	apiVersion string
	osType     string
}

// Dial connects to the engine at host, falling back to DOCKER_HOST and the
// other environment defaults when host is empty. The engine must answer a
// ping and run Linux containers, since builds bind-mount unix paths.
func Dial(ctx context.Context, host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	ping, err := api.Ping(ctx)
	if err != nil {
		api.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	if ping.OSType == "windows" {
		api.Close()
		return nil, errors.New("docker engine runs windows containers; builds need linux")
	}
	return &Client{api: api, apiVersion: api.ClientVersion(), osType: ping.OSType}, nil
}

// APIVersion is the negotiated engine API version.
func (c *Client) APIVersion() string { return c.apiVersion }

// OSType is the container platform reported by the engine.
func (c *Client) OSType() string { return c.osType }

func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}
