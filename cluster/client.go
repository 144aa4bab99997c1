// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cluster is the cross-node control channel: starting and
// stopping group members, liveness probes, cache invalidation and
// consumer-cancel forwarding between peer nodes. An unreachable peer is
// a recoverable condition, never fatal.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/absmach/quorumq/queue/types"
)

// ErrUnknownPeer is returned for nodes absent from the peer table.
var ErrUnknownPeer = errors.New("unknown peer node")

const (
	defaultRequestTimeout = 5 * time.Second

	breakerMaxFailures = 5
	breakerTimeout     = 10 * time.Second
)

// Client invokes control operations on peer nodes over HTTP, with one
// circuit breaker per peer so a dead node fails fast instead of tying up
// callers.
type Client struct {
	nodeID string
	peers  map[string]string // node ID -> control base URL
	http   *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a control-channel client. peers maps node IDs to
// control base URLs, e.g. "http://10.0.0.2:9400".
func NewClient(nodeID string, peers map[string]string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		nodeID:   nodeID,
		peers:    peers,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(node string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[node]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "peer-" + node,
			Timeout: breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerMaxFailures
			},
		})
		c.breakers[node] = cb
	}
	return cb
}

func (c *Client) do(ctx context.Context, node, method, path string, body, out any) error {
	base, ok := c.peers[node]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, node)
	}

	_, err := c.breaker(node).Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("peer %s: %s: %s", node, resp.Status, bytes.TrimSpace(data))
		}

		if out != nil {
			return nil, json.NewDecoder(resp.Body).Decode(out)
		}
		return nil, nil
	})
	return err
}

// StartMember asks a peer to start its local member of a group.
func (c *Client) StartMember(ctx context.Context, node string, def types.QueueDefinition) error {
	return c.do(ctx, node, http.MethodPost, "/cluster/members", def, nil)
}

// StopMember asks a peer to stop its local member of a group. The peer
// responds only after the member has terminated, which is what deletion
// relies on.
func (c *Client) StopMember(ctx context.Context, node, groupName string) error {
	return c.do(ctx, node, http.MethodDelete, "/cluster/members/"+groupName, nil, nil)
}

// ProbeMember asks a peer for the status of its local member.
func (c *Client) ProbeMember(ctx context.Context, node, groupName string) (types.Status, error) {
	var res statusResponse
	if err := c.do(ctx, node, http.MethodGet, "/cluster/members/"+groupName+"/status", nil, &res); err != nil {
		return types.StatusDown, err
	}
	return res.Status, nil
}

// InvalidateCache tells a peer to drop cached leader state for a group.
func (c *Client) InvalidateCache(ctx context.Context, node, groupName string) error {
	return c.do(ctx, node, http.MethodPost, "/cluster/members/"+groupName+"/invalidate", nil, nil)
}

// CancelConsumer forwards a consumer-cancel notification to the node
// owning the session.
func (c *Client) CancelConsumer(ctx context.Context, node, sessionID, tag string) error {
	return c.do(ctx, node, http.MethodPost, "/cluster/consumers/cancel", cancelRequest{
		SessionID:   sessionID,
		ConsumerTag: tag,
	}, nil)
}

type statusResponse struct {
	Status types.Status `json:"status"`
}

type cancelRequest struct {
	SessionID   string `json:"session_id"`
	ConsumerTag string `json:"consumer_tag"`
}
