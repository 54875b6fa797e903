// Package nsqq is a queue.Queue backed by an NSQ topic. Retries are published
// with DeferredPublish so nsqd holds the delay instead of a worker.
package nsqq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_fdx/internal/logging"
	"github.com/austindbirch/harbor_fdx/internal/queue"
	"github.com/austindbirch/harbor_fdx/internal/task"
)

const DefaultChannel = "workers"

// nsqd refuses deferred publishes beyond its -max-req-timeout (1h by default).
const maxDefer = time.Hour

type Config struct {
	Topic          string
	Channel        string
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, used for depth
	LookupHTTPAddr string // optional, e.g. nsqlookupd:4161
	MaxInFlight    int
}

type Queue struct {
	cfg      Config
	producer *nsq.Producer
	consumer *nsq.Consumer
	logger   *logging.Logger
	http     *http.Client

	claims    chan *task.Task
	closing   chan struct{}
	closeOnce sync.Once
}

var _ queue.Queue = (*Queue)(nil)

// New connects a producer and a consumer for cfg.Topic.
func New(cfg Config, logger *logging.Logger) (*Queue, error) {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if logger == nil {
		logger = logging.New("harborfdx-nsq")
	}

	producer, err := nsq.NewProducer(cfg.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	producer.SetLogger(nsqLogger{logger}, nsq.LogLevelWarning)

	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, conf)
	if err != nil {
		producer.Stop()
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLogger(nsqLogger{logger}, nsq.LogLevelWarning)

	q := &Queue{
		cfg:      cfg,
		producer: producer,
		consumer: consumer,
		logger:   logger,
		http:     &http.Client{Timeout: 5 * time.Second},
		claims:   make(chan *task.Task),
		closing:  make(chan struct{}),
	}
	consumer.AddConcurrentHandlers(nsq.HandlerFunc(q.handle), cfg.MaxInFlight)

	// Connecting directly to nsqd creates the channel before the first publish
	if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
		q.stop()
		return nil, fmt.Errorf("connect to nsqd: %w", err)
	}
	if cfg.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			q.stop()
			return nil, fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return q, nil
}

func (q *Queue) Name() string { return q.cfg.Topic }

func (q *Queue) Enqueue(ctx context.Context, t *task.Task) error {
	return q.EnqueueAfter(ctx, t, 0)
}

func (q *Queue) EnqueueAfter(_ context.Context, t *task.Task, d time.Duration) error {
	if q.isClosed() {
		return queue.ErrClosed
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if d <= 0 {
		return q.producer.Publish(q.cfg.Topic, body)
	}
	if d > maxDefer {
		d = maxDefer
	}
	return q.producer.DeferredPublish(q.cfg.Topic, d, body)
}

// handle hands one message to a Dequeue caller. The message is finished once
// a caller owns the task; if the queue closes first it goes back to nsqd.
func (q *Queue) handle(m *nsq.Message) error {
	m.DisableAutoResponse()

	var t task.Task
	if err := json.Unmarshal(m.Body, &t); err != nil {
		q.logger.Plain().WithQueue(q.cfg.Topic).WithError(err).Error("bad task payload")
		m.Finish()
		return nil
	}

	touch := time.NewTicker(30 * time.Second)
	defer touch.Stop()
	for {
		select {
		case q.claims <- &t:
			m.Finish()
			return nil
		case <-touch.C:
			m.Touch()
		case <-q.closing:
			m.Requeue(0)
			return nil
		}
	}
}

func (q *Queue) Dequeue(ctx context.Context) (*task.Task, error) {
	select {
	case t := <-q.claims:
		return t, nil
	case <-q.closing:
		return nil, queue.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Depth reads the topic and channel backlog, deferred messages included,
// from the nsqd stats endpoint.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	if q.cfg.NsqdHTTPAddr == "" {
		return 0, fmt.Errorf("nsq depth: no nsqd http address configured")
	}
	u := fmt.Sprintf("http://%s/stats?format=json&topic=%s", q.cfg.NsqdHTTPAddr, url.QueryEscape(q.cfg.Topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := q.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("nsq stats: status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	return stats.depth(q.cfg.Topic, q.cfg.Channel), nil
}

func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closing)
		q.stop()
	})
	return nil
}

func (q *Queue) stop() {
	q.consumer.Stop()
	<-q.consumer.StopChan
	q.producer.Stop()
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closing:
		return true
	default:
		return false
	}
}

// nsqStats is the subset of nsqd's /stats?format=json response we read
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			DeferredCount int64  `json:"deferred_count"`
		} `json:"channels"`
	} `json:"topics"`
}

func (s nsqStats) depth(topic, channel string) int {
	var n int64
	for _, t := range s.Topics {
		if t.TopicName != topic {
			continue
		}
		n += t.Depth
		for _, c := range t.Channels {
			if c.ChannelName == channel {
				n += c.Depth + c.DeferredCount
			}
		}
	}
	return int(n)
}

// nsqLogger routes go-nsq's internal logging into the JSON logger
type nsqLogger struct {
	l *logging.Logger
}

func (n nsqLogger) Output(_ int, s string) error {
	n.l.Plain().WithField("component", "go-nsq").Warn(s)
	return nil
}
