// Package queue is a prioritized asynchronous job queue over redis
// lists. Tiers are independent lists; workers take from the highest
// non-empty tier first. There is no ordering guarantee across tiers or
// across independently submitted jobs.
package queue

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("queue")

type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

// priorities in take order, highest first.
var priorities = []Priority{PriorityHigh, PriorityDefault, PriorityLow}

// Job is one unit of work. Payload is the handler's own serialized
// argument struct.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// HandlerFunc processes one job. A returned error fails only this job.
type HandlerFunc func(ctx context.Context, job Job) error

// Queue is a redis-list backed job queue with priority tiers.
type Queue struct {
	rdb      *redis.Client
	prefix   string
	workers  int
	handlers map[string]HandlerFunc
}

func NewQueue(rdb *redis.Client, prefix string, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		rdb:      rdb,
		prefix:   prefix,
		workers:  workers,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for a job type. Not safe to call after
// Run.
func (q *Queue) Handle(jobType string, fn HandlerFunc) {
	q.handlers[jobType] = fn
}

func (q *Queue) key(priority Priority) string {
	return q.prefix + ":queue:" + string(priority)
}

func (q *Queue) keys() []string {
	keys := make([]string, 0, len(priorities))
	for _, priority := range priorities {
		keys = append(keys, q.key(priority))
	}
	return keys
}

// Enqueue serializes payload and pushes a job onto the given tier.
func (q *Queue) Enqueue(ctx context.Context, jobType string, priority Priority, payload any) error {
	ctx, span := tracer.Start(ctx, "QueueEnqueue")
	defer span.End()

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal job payload")
	}

	job := Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Payload:    payloadBytes,
		EnqueuedAt: time.Now(),
	}

	jobBytes, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}

	return q.rdb.LPush(ctx, q.key(priority), jobBytes).Err()
}

// Pending returns the number of jobs waiting in a tier.
func (q *Queue) Pending(ctx context.Context, priority Priority) (int64, error) {
	return q.rdb.LLen(ctx, q.key(priority)).Result()
}

// Run starts the worker pool and blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	log.Printf("queue: starting %d workers", q.workers)

	done := make(chan struct{})
	for i := 0; i < q.workers; i++ {
		go func(worker int) {
			defer func() { done <- struct{}{} }()
			q.work(ctx, worker)
		}(i)
	}

	for i := 0; i < q.workers; i++ {
		<-done
	}
}

func (q *Queue) work(ctx context.Context, worker int) {
	keys := q.keys()
	for {
		if ctx.Err() != nil {
			return
		}

		// BRPOP scans keys in order, so higher tiers always win.
		result, err := q.rdb.BRPop(ctx, 5*time.Second, keys...).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("queue/worker/%d brpop: %v", worker, err)
			time.Sleep(time.Second)
			continue
		}

		if len(result) != 2 {
			continue
		}

		var job Job
		err = json.Unmarshal([]byte(result[1]), &job)
		if err != nil {
			log.Printf("queue/worker/%d unmarshal job: %v", worker, err)
			continue
		}

		q.dispatch(ctx, worker, job)
	}
}

// dispatch runs one job. Panics and errors fail only this job.
func (q *Queue) dispatch(ctx context.Context, worker int, job Job) {
	ctx, span := tracer.Start(ctx, "QueueDispatch")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("queue/worker/%d job %s (%s) panicked: %v", worker, job.ID, job.Type, r)
		}
	}()

	handler, ok := q.handlers[job.Type]
	if !ok {
		log.Printf("queue/worker/%d no handler for job type %q", worker, job.Type)
		return
	}

	err := handler(ctx, job)
	if err != nil {
		span.RecordError(err)
		log.Printf("queue/worker/%d job %s (%s) failed: %v", worker, job.ID, job.Type, err)
	}
}
