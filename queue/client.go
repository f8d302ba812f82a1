// Package queue is a small Redis backed task queue for delegated execution. Jobs carry an
// idempotency key, observability tags and a concurrency key that bounds how many jobs
// sharing it run at once. Status flows back over a per-scope side channel.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/drummonds/docpages/config"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

var (
	// ErrInvalidToken is returned by Subscribe for unknown or expired tokens
	ErrInvalidToken = errors.New("invalid or expired access token")
	// ErrNoIdempotencyKey rejects tasks that could be executed twice on retry
	ErrNoIdempotencyKey = errors.New("task needs an idempotency key")
)

// Stage is a follow-up job submitted after the current one succeeds
type Stage struct {
	Kind           string `json:"kind"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Task is what a producer submits
type Task struct {
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Tags           []string        `json:"tags"`
	ConcurrencyKey string          `json:"concurrencyKey"`
	// Scope names the status channel the job reports on
	Scope string  `json:"scope"`
	Next  []Stage `json:"next,omitempty"`
}

// Handle identifies a submitted job
type Handle struct {
	ID string `json:"id"`
	// Duplicate is set when the idempotency key matched an earlier submission
	Duplicate bool `json:"duplicate"`
}

// Job is a claimed task
type Job struct {
	ID         string
	Task       Task
	State      string
	EnqueuedAt time.Time
}

// Client talks to the queue's Redis
type Client struct {
	rdb             *redis.Client
	ns              string
	teamConcurrency int
	idempotencyTTL  time.Duration
	tokenTTL        time.Duration
	cursor          atomic.Uint64
}

// New connects to Redis and checks it is reachable
func New(ctx context.Context, cfg config.QueueConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:                  cfg.QueueRedisAddr,
		Password:              cfg.QueueRedisPassword,
		DB:                    cfg.QueueRedisDB,
		ContextTimeoutEnabled: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("queue redis is offline: %w", err)
	}
	Logger.Info("Queue client connected", "addr", cfg.QueueRedisAddr, "namespace", cfg.QueueNamespace)
	return NewWithRedis(rdb, cfg), nil
}

// NewWithRedis wraps an existing client, handy with miniredis
func NewWithRedis(rdb *redis.Client, cfg config.QueueConfig) *Client {
	c := &Client{
		rdb:             rdb,
		ns:              cfg.QueueNamespace,
		teamConcurrency: cfg.TeamConcurrency,
		idempotencyTTL:  cfg.IdempotencyTTL,
		tokenTTL:        cfg.AccessTokenTTL,
	}
	if c.ns == "" {
		c.ns = "docpages"
	}
	if c.teamConcurrency < 1 {
		c.teamConcurrency = 1
	}
	if c.idempotencyTTL <= 0 {
		c.idempotencyTTL = 24 * time.Hour
	}
	if c.tokenTTL <= 0 {
		c.tokenTTL = time.Hour
	}
	return c
}

// Close releases the redis connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(parts ...string) string {
	k := c.ns
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Submit enqueues a task. A task whose idempotency key was already used inside the TTL is
// not enqueued again, the earlier job's handle is returned instead.
func (c *Client) Submit(ctx context.Context, task Task) (Handle, error) {
	if task.IdempotencyKey == "" {
		return Handle{}, ErrNoIdempotencyKey
	}
	if task.Kind == "" {
		return Handle{}, fmt.Errorf("task needs a kind")
	}
	if task.ConcurrencyKey == "" {
		task.ConcurrencyKey = "default"
	}

	id := ulid.Make().String()
	idemKey := c.key("idem", task.IdempotencyKey)
	ok, err := c.rdb.SetNX(ctx, idemKey, id, c.idempotencyTTL).Result()
	if err != nil {
		return Handle{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if !ok {
		existing, err := c.rdb.Get(ctx, idemKey).Result()
		if err != nil {
			return Handle{}, fmt.Errorf("read idempotency key: %w", err)
		}
		Logger.Info("Duplicate submission, returning existing job", "kind", task.Kind, "idempotencyKey", task.IdempotencyKey, "jobID", existing)
		return Handle{ID: existing, Duplicate: true}, nil
	}

	encoded, err := json.Marshal(task)
	if err != nil {
		c.rdb.Del(ctx, idemKey)
		return Handle{}, err
	}
	// a finished run's snapshot is replaced, a live one belongs to the stage chaining this task
	resetSnapshot := false
	if task.Scope != "" {
		latest, err := c.LatestStatus(ctx, task.Scope)
		if err != nil {
			c.rdb.Del(ctx, idemKey)
			return Handle{}, fmt.Errorf("read status of %s: %w", task.Scope, err)
		}
		resetSnapshot = latest == nil || latest.Final()
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key("job", id), map[string]interface{}{
			"task":       string(encoded),
			"state":      StateQueued,
			"enqueuedAt": time.Now().UTC().Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, c.key("job", id), c.idempotencyTTL)
		pipe.RPush(ctx, c.key("pending", task.ConcurrencyKey), id)
		pipe.SAdd(ctx, c.key("concurrency-keys"), task.ConcurrencyKey)
		if resetSnapshot {
			snapshot, _ := json.Marshal(RunStatus{State: StateQueued, UpdatedAt: time.Now().UTC()})
			pipe.Set(ctx, c.key("status", task.Scope), snapshot, c.idempotencyTTL)
		}
		return nil
	})
	if err != nil {
		// free the key so the caller can retry
		c.rdb.Del(ctx, idemKey)
		return Handle{}, fmt.Errorf("enqueue %s: %w", task.Kind, err)
	}

	Logger.Info("Task enqueued", "jobID", id, "kind", task.Kind, "concurrencyKey", task.ConcurrencyKey, "tags", task.Tags)
	return Handle{ID: id}, nil
}

// claimScript pops one job for a concurrency key unless it is already at its limit
var claimScript = redis.NewScript(`
local inflight = tonumber(redis.call('GET', KEYS[2]) or '0')
if inflight >= tonumber(ARGV[1]) then
	return false
end
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
redis.call('INCR', KEYS[2])
return id
`)

// Claim takes the next runnable job, visiting concurrency keys round robin so one busy team
// cannot starve the others. Returns nil when nothing is runnable.
func (c *Client) Claim(ctx context.Context) (*Job, error) {
	keys, err := c.rdb.SMembers(ctx, c.key("concurrency-keys")).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	start := int(c.cursor.Add(1) % uint64(len(keys)))
	for i := range keys {
		ckey := keys[(start+i)%len(keys)]
		id, err := claimScript.Run(ctx, c.rdb,
			[]string{c.key("pending", ckey), c.key("inflight", ckey)},
			c.teamConcurrency,
		).Text()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim from %s: %w", ckey, err)
		}

		job, err := c.GetJob(ctx, id)
		if err != nil {
			// the job hash expired, give the slot back
			c.rdb.Decr(ctx, c.key("inflight", ckey))
			Logger.Warn("Claimed job has no data, dropping", "jobID", id, "error", err)
			continue
		}
		c.rdb.HSet(ctx, c.key("job", id), "state", StateExecuting)
		job.State = StateExecuting
		return job, nil
	}
	return nil, nil
}

// Release frees the job's concurrency slot and records its final state
func (c *Client) Release(ctx context.Context, job *Job, state string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Decr(ctx, c.key("inflight", job.Task.ConcurrencyKey))
		pipe.HSet(ctx, c.key("job", job.ID), "state", state)
		return nil
	})
	return err
}

// GetJob reads a job by id
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	fields, err := c.rdb.HGetAll(ctx, c.key("job", id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s not found", id)
	}
	job := &Job{ID: id, State: fields["state"]}
	if err := json.Unmarshal([]byte(fields["task"]), &job.Task); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	job.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, fields["enqueuedAt"])
	return job, nil
}

// Pending counts jobs waiting under a concurrency key
func (c *Client) Pending(ctx context.Context, concurrencyKey string) (int64, error) {
	return c.rdb.LLen(ctx, c.key("pending", concurrencyKey)).Result()
}
