package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Run states reported on the side channel
const (
	StateQueued        = "QUEUED"
	StateExecuting     = "EXECUTING"
	StateCompleted     = "COMPLETED"
	StateFailed        = "FAILED"
	StateCrashed       = "CRASHED"
	StateCanceled      = "CANCELED"
	StateSystemFailure = "SYSTEM_FAILURE"
)

// RunStatus is one update on a scope's status channel
type RunStatus struct {
	State     string    `json:"state"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Final reports whether no further updates follow on the scope
func (s RunStatus) Final() bool {
	switch s.State {
	case StateCompleted, StateFailed, StateCrashed, StateCanceled, StateSystemFailure:
		return true
	}
	return false
}

// Report stores the latest snapshot for scope and publishes it to live subscribers
func (c *Client) Report(ctx context.Context, scope string, status RunStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(status)
	if err != nil {
		return err
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.key("status", scope), encoded, c.idempotencyTTL)
		pipe.Publish(ctx, c.key("status", scope), encoded)
		return nil
	})
	if err != nil {
		return fmt.Errorf("report status on %s: %w", scope, err)
	}
	return nil
}

// LatestStatus returns the last snapshot reported on scope, nil if there is none
func (c *Client) LatestStatus(ctx context.Context, scope string) (*RunStatus, error) {
	raw, err := c.rdb.Get(ctx, c.key("status", scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var status RunStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// IssueAccessToken returns a short lived, read-only token bound to scope
func (c *Client) IssueAccessToken(ctx context.Context, scope string) (string, error) {
	token := ulid.Make().String()
	if err := c.rdb.Set(ctx, c.key("token", token), scope, c.tokenTTL).Err(); err != nil {
		return "", fmt.Errorf("issue access token: %w", err)
	}
	return token, nil
}

// Subscribe streams status updates for the token's scope. The latest snapshot is sent
// first, the channel closes after a final state or when ctx ends.
func (c *Client) Subscribe(ctx context.Context, token string) (<-chan RunStatus, error) {
	scope, err := c.rdb.Get(ctx, c.key("token", token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	pubsub := c.rdb.Subscribe(ctx, c.key("status", scope))
	// wait for the subscription so nothing published after the snapshot read is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", scope, err)
	}

	latest, err := c.LatestStatus(ctx, scope)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan RunStatus, 8)
	go func() {
		defer close(out)
		defer pubsub.Close()

		send := func(s RunStatus) bool {
			select {
			case out <- s:
				return !s.Final()
			case <-ctx.Done():
				return false
			}
		}

		if latest != nil && !send(*latest) {
			return
		}
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var status RunStatus
				if err := json.Unmarshal([]byte(msg.Payload), &status); err != nil {
					Logger.Warn("Dropping undecodable status update", "scope", scope, "error", err)
					continue
				}
				if !send(status) {
					return
				}
			}
		}
	}()
	return out, nil
}
