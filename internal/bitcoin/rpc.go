package bitcoin

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/rpcclient"

	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// NodeClient reads the chain tip from a node's JSON-RPC interface. It backs
// block announcements when the node publishes no ZMQ notifications.
type NodeClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// NewNodeClient creates an HTTP POST client for addr (host:port). No
// connection is made until the first call.
func NewNodeClient(addr, user, pass string, logger *log.Logger) (*NodeClient, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         addr,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "rpc_client_creation",
			"failed to create node RPC client").
			WithContext("addr", addr)
	}

	return &NodeClient{
		client: client,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "node_rpc",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
		}),
		retryConfig: retry.DefaultConfig(),
		logger:      logger.WithComponent("node_rpc"),
	}, nil
}

// Close shuts the client down.
func (c *NodeClient) Close() {
	c.client.Shutdown()
}

// BestBlockHash returns the tip hash in the byte order hashblock
// notifications use.
func (c *NodeClient) BestBlockHash(ctx context.Context) ([32]byte, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() ([32]byte, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() ([32]byte, error) {
			var out [32]byte
			hash, err := c.client.GetBestBlockHashAsync().Receive()
			if err != nil {
				return out, errors.Wrap(err, errors.ErrorTypeNetwork, "get_best_block_hash",
					"failed to retrieve best block hash")
			}
			copy(out[:], reverse(hash[:]))
			return out, nil
		})
	})
}

// Watch polls the tip every interval and calls onNewBlock whenever it
// changes. The tip seen on the first successful poll is only recorded.
func (c *NodeClient) Watch(ctx context.Context, interval time.Duration, onNewBlock func(hash [32]byte)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		tip  [32]byte
		seen bool
	)
	for {
		hash, err := c.BestBlockHash(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				c.logger.WithError(err).Warn("tip poll failed")
			}
		case !seen:
			tip, seen = hash, true
		case hash != tip:
			tip = hash
			c.logger.Info("new block notification", "source", "rpc", "hash", fmt.Sprintf("%x", hash))
			onNewBlock(hash)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
