// Package federation is the entity ingestion and distribution pipeline:
// inbound payloads become local domain mutations, local mutations become
// outbound protocol messages.
package federation

import (
	"context"
	"encoding/json"
	"log"

	"go.opentelemetry.io/otel"

	"github.com/steadyfed/stead/codec"
	"github.com/steadyfed/stead/queue"
	"github.com/steadyfed/stead/store"
	"github.com/steadyfed/stead/types"
)

var tracer = otel.Tracer("federation")

// Job types handled by the worker.
const (
	JobReceive = "federation.receive"
	JobDeliver = "federation.deliver"
	JobRetract = "federation.retract"
	JobFollow  = "federation.follow"
	JobProfile = "federation.profile"
	JobRelay   = "federation.relay"
	JobNotify  = "federation.notify"
)

// ReceiveJob is one inbound payload awaiting ingestion.
type ReceiveJob struct {
	Envelope        codec.Envelope `json:"envelope"`
	TargetProfileID *uint          `json:"targetProfileId,omitempty"`
}

// DeliverJob distributes one local content row (post or share).
type DeliverJob struct {
	ContentID uint `json:"contentId"`
}

// RetractJob is self-contained because the content row is gone by the
// time the job runs.
type RetractJob struct {
	TargetFID     string   `json:"targetFid"`
	AuthorID      uint     `json:"authorId"`
	Public        bool     `json:"public"`
	RecipientFIDs []string `json:"recipientFids,omitempty"`
}

// FollowJob announces a local follow state change to the remote side.
type FollowJob struct {
	LocalProfileID uint   `json:"localProfileId"`
	TargetFID      string `json:"targetFid"`
	Following      bool   `json:"following"`
}

// ProfileJob distributes a local profile change.
type ProfileJob struct {
	ProfileID uint `json:"profileId"`
}

// RelayJob redelivers an entity related to local target content.
type RelayJob struct {
	ContentID uint   `json:"contentId"`
	TargetID  uint   `json:"targetId"`
	ActorFID  string `json:"actorFid"`
}

// NotifyJob persists a notification row.
type NotifyJob struct {
	ProfileID uint   `json:"profileId"`
	Event     string `json:"event"`
	ActorFID  string `json:"actorFid"`
	ContentID *uint  `json:"contentId,omitempty"`
}

// Service is the inbound half of the pipeline: sender resolution,
// dispatch and the ingestion handlers.
type Service struct {
	store  *store.Store
	codec  codec.Codec
	queue  *queue.Queue
	config types.NodeConfig
}

func NewService(
	store *store.Store,
	codec codec.Codec,
	queue *queue.Queue,
	config types.NodeConfig,
) *Service {
	return &Service{
		store,
		codec,
		queue,
		config,
	}
}

// Receive is the inbound entry point: it enqueues the ingestion job and
// returns. All inbound processing is asynchronous.
func (s *Service) Receive(ctx context.Context, env codec.Envelope, targetProfileID *uint) error {
	ctx, span := tracer.Start(ctx, "FederationReceive")
	defer span.End()

	return s.queue.Enqueue(ctx, JobReceive, queue.PriorityHigh, ReceiveJob{
		Envelope:        env,
		TargetProfileID: targetProfileID,
	})
}

// ProcessPayload decodes and authenticates one inbound payload and runs
// its entities through the dispatcher. Unverifiable payloads are
// dropped with a warning, never retried.
func (s *Service) ProcessPayload(ctx context.Context, job ReceiveJob) error {
	ctx, span := tracer.Start(ctx, "FederationProcessPayload")
	defer span.End()

	payload, err := s.codec.DecodeAndAuthenticate(ctx, job.Envelope, s.FetchPublicKey)
	if err != nil {
		span.RecordError(err)
		log.Printf("federation: dropping unverifiable payload: %v", err)
		return nil
	}

	if s.config.LogPayloads {
		err = s.store.CreatePayloadAudit(ctx, &types.PayloadAudit{
			Direction: types.DirectionInbound,
			Protocol:  payload.Protocol,
			Sender:    payload.Sender,
			Body:      string(job.Envelope.Body),
		})
		if err != nil {
			log.Printf("federation: payload audit write failed: %v", err)
		}
	}

	var receiving *types.Profile
	if job.TargetProfileID != nil {
		profile, err := s.store.GetProfileByID(ctx, *job.TargetProfileID)
		if err != nil {
			log.Printf("federation: receiving profile %d not found: %v", *job.TargetProfileID, err)
		} else {
			receiving = &profile
		}
	}

	s.ProcessEntities(ctx, payload.Entities, receiving)
	return nil
}

// ---------------------------------------------------------------------
// outbound entry points: explicit events, enqueued after the caller's
// transaction committed.

// ContentCreated distributes a new or edited local post or share.
func (s *Service) ContentCreated(ctx context.Context, contentID uint) error {
	ctx, span := tracer.Start(ctx, "FederationContentCreated")
	defer span.End()

	return s.queue.Enqueue(ctx, JobDeliver, queue.PriorityDefault, DeliverJob{ContentID: contentID})
}

// ShareCreated distributes a new local share.
func (s *Service) ShareCreated(ctx context.Context, contentID uint) error {
	return s.ContentCreated(ctx, contentID)
}

// ContentRetracted captures the retraction addressing while the row
// still exists and enqueues the distribution job. Call before deleting
// the local row.
func (s *Service) ContentRetracted(ctx context.Context, contentID uint) error {
	ctx, span := tracer.Start(ctx, "FederationContentRetracted")
	defer span.End()

	content, err := s.store.GetContentByID(ctx, contentID)
	if err != nil {
		return err
	}

	job := RetractJob{
		TargetFID: content.FID,
		AuthorID:  content.AuthorID,
		Public:    content.Visibility == types.VisibilityPublic,
	}

	if content.Visibility == types.VisibilityLimited {
		recipients, err := s.store.GetLimitedVisibilities(ctx, &content)
		if err != nil {
			return err
		}
		for _, recipient := range recipients {
			if recipient.FID != "" {
				job.RecipientFIDs = append(job.RecipientFIDs, recipient.FID)
			}
		}
	}

	return s.queue.Enqueue(ctx, JobRetract, queue.PriorityDefault, job)
}

// FollowChanged distributes a local follow or unfollow.
func (s *Service) FollowChanged(ctx context.Context, localProfileID uint, targetFID string, following bool) error {
	ctx, span := tracer.Start(ctx, "FederationFollowChanged")
	defer span.End()

	return s.queue.Enqueue(ctx, JobFollow, queue.PriorityDefault, FollowJob{
		LocalProfileID: localProfileID,
		TargetFID:      targetFID,
		Following:      following,
	})
}

// ProfileChanged distributes a local profile change.
func (s *Service) ProfileChanged(ctx context.Context, profileID uint) error {
	ctx, span := tracer.Start(ctx, "FederationProfileChanged")
	defer span.End()

	return s.queue.Enqueue(ctx, JobProfile, queue.PriorityDefault, ProfileJob{ProfileID: profileID})
}

func (s *Service) enqueueNotify(ctx context.Context, job NotifyJob) {
	err := s.queue.Enqueue(ctx, JobNotify, queue.PriorityLow, job)
	if err != nil {
		log.Printf("federation: enqueue notify: %v", err)
	}
}

func (s *Service) enqueueRelay(ctx context.Context, job RelayJob) {
	err := s.queue.Enqueue(ctx, JobRelay, queue.PriorityDefault, job)
	if err != nil {
		log.Printf("federation: enqueue relay: %v", err)
	}
}

// DecodeJob unmarshals a queue job payload into its typed argument.
func DecodeJob[T any](job queue.Job) (T, error) {
	var payload T
	err := json.Unmarshal(job.Payload, &payload)
	return payload, err
}
