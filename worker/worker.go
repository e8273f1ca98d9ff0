// Package worker binds the federation job types to their handlers and
// runs the queue's worker pool.
package worker

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"

	"github.com/steadyfed/stead/federation"
	"github.com/steadyfed/stead/queue"
	"github.com/steadyfed/stead/store"
	"github.com/steadyfed/stead/types"
)

var tracer = otel.Tracer("worker")

// Worker wires the queue to the federation pipeline.
type Worker struct {
	queue       *queue.Queue
	store       *store.Store
	service     *federation.Service
	distributor *federation.Distributor
}

func NewWorker(
	queue *queue.Queue,
	store *store.Store,
	service *federation.Service,
	distributor *federation.Distributor,
) *Worker {
	return &Worker{
		queue:       queue,
		store:       store,
		service:     service,
		distributor: distributor,
	}
}

// Register installs all job handlers. Call once before Run.
func (w *Worker) Register() {
	w.queue.Handle(federation.JobReceive, handle(w.receive))
	w.queue.Handle(federation.JobDeliver, handle(w.deliver))
	w.queue.Handle(federation.JobRetract, handle(w.retract))
	w.queue.Handle(federation.JobFollow, handle(w.follow))
	w.queue.Handle(federation.JobProfile, handle(w.profile))
	w.queue.Handle(federation.JobRelay, handle(w.relay))
	w.queue.Handle(federation.JobNotify, handle(w.notify))
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	log.Println("worker: starting")
	w.queue.Run(ctx)
}

// handle adapts a typed job handler to the queue's generic one.
func handle[T any](fn func(ctx context.Context, payload T) error) queue.HandlerFunc {
	return func(ctx context.Context, job queue.Job) error {
		payload, err := federation.DecodeJob[T](job)
		if err != nil {
			log.Printf("worker: undecodable %s job %s: %v", job.Type, job.ID, err)
			return nil
		}
		return fn(ctx, payload)
	}
}

func (w *Worker) receive(ctx context.Context, job federation.ReceiveJob) error {
	ctx, span := tracer.Start(ctx, "WorkerReceive")
	defer span.End()

	return w.service.ProcessPayload(ctx, job)
}

func (w *Worker) deliver(ctx context.Context, job federation.DeliverJob) error {
	ctx, span := tracer.Start(ctx, "WorkerDeliver")
	defer span.End()

	return w.distributor.DeliverContent(ctx, job)
}

func (w *Worker) retract(ctx context.Context, job federation.RetractJob) error {
	ctx, span := tracer.Start(ctx, "WorkerRetract")
	defer span.End()

	return w.distributor.DeliverRetraction(ctx, job)
}

func (w *Worker) follow(ctx context.Context, job federation.FollowJob) error {
	ctx, span := tracer.Start(ctx, "WorkerFollow")
	defer span.End()

	return w.distributor.DeliverFollow(ctx, job)
}

func (w *Worker) profile(ctx context.Context, job federation.ProfileJob) error {
	ctx, span := tracer.Start(ctx, "WorkerProfile")
	defer span.End()

	return w.distributor.DeliverProfile(ctx, job)
}

func (w *Worker) relay(ctx context.Context, job federation.RelayJob) error {
	ctx, span := tracer.Start(ctx, "WorkerRelay")
	defer span.End()

	return w.distributor.Forward(ctx, job)
}

func (w *Worker) notify(ctx context.Context, job federation.NotifyJob) error {
	ctx, span := tracer.Start(ctx, "WorkerNotify")
	defer span.End()

	return w.store.CreateNotification(ctx, &types.Notification{
		ProfileID: job.ProfileID,
		Event:     job.Event,
		ActorFID:  job.ActorFID,
		ContentID: job.ContentID,
	})
}
