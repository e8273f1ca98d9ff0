package federation

import (
	"context"
	"log"

	"github.com/steadyfed/stead/codec"
	"github.com/steadyfed/stead/types"
)

// ProcessEntities resolves the sender once per entity and routes each
// one to its ingestion handler. A failing entity never takes down its
// siblings.
func (s *Service) ProcessEntities(ctx context.Context, entities []codec.Entity, receiving *types.Profile) {
	ctx, span := tracer.Start(ctx, "FederationProcessEntities")
	defer span.End()

	for _, entity := range entities {
		err := s.processEntity(ctx, entity, receiving)
		if err != nil {
			span.RecordError(err)
			log.Printf("federation: ingest %s from %q: %v", entity.Kind(), entity.ActorID(), err)
		}
	}
}

func (s *Service) processEntity(ctx context.Context, entity codec.Entity, receiving *types.Profile) error {
	return s.processEntityAt(ctx, entity, receiving, 0)
}

// processEntityAt carries the fetch-and-ingest depth: ingesting a
// fetched parent or share target re-enters here one level deeper, and
// the depth bounds how far up an unknown chain the node will walk.
func (s *Service) processEntityAt(ctx context.Context, entity codec.Entity, receiving *types.Profile, depth int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("federation: ingest %s panicked: %v", entity.Kind(), r)
		}
	}()

	// Profile entities materialize directly; the sender IS the profile.
	switch e := entity.(type) {
	case *codec.Profile:
		_, err = s.materializeProfile(ctx, e)
		return err
	case codec.Profile:
		_, err = s.materializeProfile(ctx, &e)
		return err
	}

	sender := s.ResolveSender(ctx, entity.ActorID())
	if sender == nil {
		log.Printf("federation: dropping %s, unresolvable sender %q", entity.Kind(), entity.ActorID())
		return nil
	}

	switch e := entity.(type) {
	case codec.Post:
		return s.ingestPost(ctx, e, sender, receiving)
	case codec.Comment:
		return s.ingestComment(ctx, e, sender, receiving, depth)
	case codec.Share:
		return s.ingestShare(ctx, e, sender, depth)
	case codec.Retraction:
		return s.ingestRetraction(ctx, e, sender)
	case codec.Follow:
		return s.ingestFollow(ctx, e, sender)
	}

	log.Printf("federation: no handler for entity kind %q", entity.Kind())
	return nil
}
