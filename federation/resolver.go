package federation

import (
	"context"
	"crypto/rsa"
	"log"
	"strings"

	"github.com/pkg/errors"

	"github.com/steadyfed/stead/codec"
	"github.com/steadyfed/stead/fedclient"
	"github.com/steadyfed/stead/store"
	"github.com/steadyfed/stead/types"
)

// ResolveSender resolves an inbound actor identifier to a stored remote
// profile, fetching and materializing it on a miss. Local identifiers
// never resolve: inbound payloads cannot impersonate local actors.
// Returns the zero result on any failure.
func (s *Service) ResolveSender(ctx context.Context, id string) *types.Profile {
	ctx, span := tracer.Start(ctx, "FederationResolveSender")
	defer span.End()

	if id == "" {
		return nil
	}

	profile, err := s.store.GetKeyedProfileByIdentifier(ctx, id)
	if err == nil {
		if profile.IsLocal {
			log.Printf("federation: inbound sender %q resolves to a local profile, rejecting", id)
			return nil
		}
		return &profile
	}
	if !store.IsNotFound(err) {
		span.RecordError(err)
		log.Printf("federation: sender lookup %q: %v", id, err)
		return nil
	}

	remote, err := s.codec.FetchProfile(ctx, id)
	if err != nil {
		span.RecordError(err)
		log.Printf("federation: sender fetch %q: %v", id, err)
		return nil
	}

	materialized, err := s.materializeProfile(ctx, remote)
	if err != nil {
		span.RecordError(err)
		log.Printf("federation: sender materialize %q: %v", id, err)
		return nil
	}
	if materialized.IsLocal {
		log.Printf("federation: inbound sender %q resolves to a local profile, rejecting", id)
		return nil
	}
	return materialized
}

// FetchPublicKey is the codec.KeyFetcher backed by the sender resolver.
// Key ids carry a fragment naming the key within the actor document.
func (s *Service) FetchPublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	actorID := keyID
	if i := strings.Index(actorID, "#"); i >= 0 {
		actorID = actorID[:i]
	}

	sender := s.ResolveSender(ctx, actorID)
	if sender == nil || sender.RSAPublicKey == "" {
		return nil, errors.Wrap(codec.ErrNoVerificationKey, keyID)
	}

	return fedclient.ParsePublicKey(sender.RSAPublicKey)
}
