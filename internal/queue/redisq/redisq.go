// Package redisq is a queue.Queue on Redis: a ready LIST claimed with BRPOP
// and a delayed ZSET scored by due time, promoted by a Lua script.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_fdx/internal/clock"
	"github.com/austindbirch/harbor_fdx/internal/logging"
	"github.com/austindbirch/harbor_fdx/internal/queue"
	"github.com/austindbirch/harbor_fdx/internal/task"
)

// Config holds Redis connection configuration.
type Config struct {
	URL          string
	Password     string
	Prefix       string        // key prefix, default "harborfdx"
	PollInterval time.Duration // how often due entries are promoted
	BlockTimeout time.Duration // BRPOP timeout between close checks
	PromoteBatch int
}

// promoteScript moves up to ARGV[2] entries due at or before ARGV[1] from
// the delayed set onto the ready list, atomically.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

type Queue struct {
	name   string
	cfg    Config
	rdb    *redis.Client
	clock  clock.Clock
	logger *logging.Logger

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ queue.Queue = (*Queue)(nil)

// New connects to Redis and starts the promoter.
func New(name string, cfg Config, logger *logging.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(name, rdb, cfg, clock.Real(), logger), nil
}

// NewWithClient wraps an existing client; the queue owns it from then on.
func NewWithClient(name string, rdb *redis.Client, cfg Config, c clock.Clock, logger *logging.Logger) *Queue {
	if cfg.Prefix == "" {
		cfg.Prefix = "harborfdx"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = time.Second
	}
	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = 100
	}
	if logger == nil {
		logger = logging.New("harborfdx-redis")
	}
	q := &Queue{
		name:    name,
		cfg:     cfg,
		rdb:     rdb,
		clock:   c,
		logger:  logger,
		closing: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.promoteLoop()
	return q
}

// Key helpers
func (q *Queue) readyKey() string   { return fmt.Sprintf("%s:queue:%s:ready", q.cfg.Prefix, q.name) }
func (q *Queue) delayedKey() string { return fmt.Sprintf("%s:queue:%s:delayed", q.cfg.Prefix, q.name) }

func (q *Queue) Name() string { return q.name }

func (q *Queue) Enqueue(ctx context.Context, t *task.Task) error {
	if q.isClosed() {
		return queue.ErrClosed
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := q.rdb.LPush(ctx, q.readyKey(), body).Err(); err != nil {
		return fmt.Errorf("lpush failed: %w", err)
	}
	return nil
}

// EnqueueAfter scores the entry by its due time in unix milliseconds. The
// encoded task carries its attempt number, so members stay unique per attempt.
func (q *Queue) EnqueueAfter(ctx context.Context, t *task.Task, d time.Duration) error {
	if d <= 0 {
		return q.Enqueue(ctx, t)
	}
	if q.isClosed() {
		return queue.ErrClosed
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	due := q.clock.Now().Add(d).UnixMilli()
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: body}).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (*task.Task, error) {
	for {
		if q.isClosed() {
			return nil, queue.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := q.rdb.BRPop(ctx, q.cfg.BlockTimeout, q.readyKey()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if q.isClosed() {
				return nil, queue.ErrClosed
			}
			return nil, fmt.Errorf("brpop failed: %w", err)
		}

		// res is [key, value]
		var t task.Task
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
			q.logger.Plain().WithQueue(q.name).WithError(err).Error("bad task payload")
			continue
		}
		return &t, nil
	}
}

// Promote moves every due delayed entry to the ready list and returns how many moved.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	now := q.clock.Now().UnixMilli()
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.readyKey()},
		now, q.cfg.PromoteBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote failed: %w", err)
	}
	return n, nil
}

func (q *Queue) promoteLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.closing:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for {
				n, err := q.Promote(ctx)
				if err != nil {
					q.logger.Plain().WithQueue(q.name).WithError(err).Warn("promote delayed tasks")
					break
				}
				if n < q.cfg.PromoteBatch {
					break
				}
			}
			cancel()
		}
	}
}

func (q *Queue) Depth(ctx context.Context) (int, error) {
	var ready *redis.IntCmd
	var delayed *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.LLen(ctx, q.readyKey())
		delayed = p.ZCard(ctx, q.delayedKey())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("depth failed: %w", err)
	}
	return int(ready.Val() + delayed.Val()), nil
}

// Close stops the promoter and closes the Redis connection.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closing)
		q.wg.Wait()
		err = q.rdb.Close()
	})
	return err
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closing:
		return true
	default:
		return false
	}
}
