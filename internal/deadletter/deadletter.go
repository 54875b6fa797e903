// Package deadletter records tasks that ended in a terminal failure. It is an
// outcome record only; nothing here is replayed.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_fdx/internal/logging"
	"github.com/austindbirch/harbor_fdx/internal/metrics"
	"github.com/austindbirch/harbor_fdx/internal/task"
	"github.com/austindbirch/harbor_fdx/internal/taskerr"
)

const Type = "task.dlq"

type DeadLetter struct {
	Type      string    `json:"type"`    // "task.dlq"
	Version   string    `json:"version"` // schema version
	At        string    `json:"at"`      // RFC3339 time the dead letter was emitted
	Reason    string    `json:"reason"`  // retry decision that ended the task
	Kind      string    `json:"kind"`
	Attempt   int       `json:"attempt"` // attempts made
	LastError string    `json:"last_error,omitempty"`
	Task      task.Task `json:"task"` // snapshot of the final attempt
}

func New(t task.Task, failure *taskerr.Error, reason string, at time.Time) DeadLetter {
	dl := DeadLetter{
		Type:    Type,
		Version: "v1",
		At:      at.UTC().Format(time.RFC3339Nano),
		Reason:  reason,
		Attempt: t.Attempt,
		Task:    t,
	}
	if failure != nil {
		dl.Kind = failure.Kind.String()
		dl.Attempt = failure.Attempt
		dl.LastError = failure.Error()
	}
	return dl
}

// Sink receives dead letters. Send errors are logged by the caller and never
// change the task's outcome.
type Sink interface {
	Send(ctx context.Context, dl DeadLetter) error
}

// Multi fans a dead letter out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, dl DeadLetter) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		metrics.RecordDeadLetter(dl.Kind)
	}
	return errors.Join(errs...)
}

// LogSink writes dead letters to the structured log.
type LogSink struct {
	Logger *logging.Logger
}

func (s LogSink) Send(ctx context.Context, dl DeadLetter) error {
	s.Logger.WithContext(ctx).
		WithTask(dl.Task.ID).
		WithOperation(dl.Task.Operation).
		WithQueue(dl.Task.Queue).
		WithFields(map[string]any{
			"kind":       dl.Kind,
			"attempt":    dl.Attempt,
			"reason":     dl.Reason,
			"last_error": dl.LastError,
		}).Warn("task dead-lettered")
	return nil
}

// Publisher is the part of *nsq.Producer the NSQ sink uses.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQSink publishes the JSON envelope to a DLQ topic.
type NSQSink struct {
	Publisher Publisher
	Topic     string
}

// NewNSQSink connects a producer to nsqd; call Stop on the returned producer at shutdown.
func NewNSQSink(nsqdTCPAddr, topic string) (*NSQSink, *nsq.Producer, error) {
	p, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("nsq producer for DLQ creation failed: %w", err)
	}
	return &NSQSink{Publisher: p, Topic: topic}, p, nil
}

// TopicFor names the DLQ topic of a queue.
func TopicFor(queue string) string { return queue + "_dlq" }

func (s *NSQSink) Send(_ context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := s.Publisher.Publish(s.Topic, b); err != nil {
		return fmt.Errorf("dlq publish failed: %w", err)
	}
	return nil
}

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink inserts into harborfdx.dead_letters.
type PostgresSink struct {
	DB Execer
}

const insertDeadLetter = `
	INSERT INTO harborfdx.dead_letters(task_id, operation, queue, kind, attempt, reason, last_error, envelope)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

func (s PostgresSink) Send(ctx context.Context, dl DeadLetter) error {
	env, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, insertDeadLetter,
		dl.Task.ID, dl.Task.Operation, dl.Task.Queue, dl.Kind,
		dl.Attempt, dl.Reason, dl.LastError, env,
	)
	if err != nil {
		return fmt.Errorf("dlq insert failed: %w", err)
	}
	return nil
}
