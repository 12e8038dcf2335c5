// Package graphsync maps the corrected, merged entity and relation set onto
// the knowledge graph. Node labels and edge endpoints are defined in one
// central mapping table; a variant the table does not cover blocks sync of
// that variant with a configuration error instead of silently dropping it.
package graphsync

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Client wraps the graph database driver.
type Client struct {
	Driver   neo4j.DriverWithContext
	Database string
}

// NewClientParams configures the graph connection.
type NewClientParams struct {
	URI      string
	User     string
	Password string
	Database string
	Timeout  time.Duration
}

// NewClient connects to the graph database and verifies connectivity.
func NewClient(ctx context.Context, params NewClientParams) (*Client, error) {
	if params.URI == "" {
		return nil, fmt.Errorf("graph uri is empty")
	}
	if params.Timeout <= 0 {
		params.Timeout = 10 * time.Second
	}

	driver, err := neo4j.NewDriverWithContext(
		params.URI,
		neo4j.BasicAuth(params.User, params.Password, ""),
		func(cfg *neo4j.Config) {
			cfg.SocketConnectTimeout = params.Timeout
		},
	)
	if err != nil {
		return nil, fmt.Errorf("init graph driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, params.Timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify graph connectivity: %w", err)
	}

	return &Client{Driver: driver, Database: params.Database}, nil
}

// Close releases the driver.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.Driver == nil {
		return nil
	}
	err := c.Driver.Close(ctx)
	c.Driver = nil
	return err
}
