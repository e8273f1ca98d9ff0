package federation

import (
	"context"
	"log"

	"github.com/pkg/errors"

	"github.com/steadyfed/stead/codec"
	"github.com/steadyfed/stead/types"
)

// maxForwardDepth bounds the participant walk so hostile share chains
// cannot run the forwarder into the ground.
const maxForwardDepth = 8

// Forward redelivers an entity about local target content to every
// remote participant of the conversation, signed by the local target
// author. The triggering actor already has the entity and is excluded.
func (d *Distributor) Forward(ctx context.Context, job RelayJob) error {
	ctx, span := tracer.Start(ctx, "FederationForward")
	defer span.End()

	content, err := d.store.GetContentByID(ctx, job.ContentID)
	if err != nil {
		return err
	}
	target, err := d.store.GetContentByID(ctx, job.TargetID)
	if err != nil {
		return err
	}
	if !target.Local {
		return errors.Errorf("forward target %d is not local", target.ID)
	}

	entity, err := d.entityForRelay(ctx, &content)
	if err != nil {
		return err
	}

	var recipients []codec.Recipient
	if target.Visibility == types.VisibilityLimited {
		// A limited conversation forwards only within its audience.
		audience, err := d.store.GetLimitedVisibilities(ctx, &target)
		if err != nil {
			return err
		}
		for _, profile := range audience {
			if profile.IsLocal || profile.FID == job.ActorFID {
				continue
			}
			recipients = append(recipients, codec.Recipient{
				Endpoint:  inboxFor(&profile),
				PublicKey: profile.RSAPublicKey,
				FID:       profile.FID,
			})
		}
	} else {
		participants := make(map[uint]types.Profile)
		visited := make(map[uint]bool)
		err = d.collectParticipants(ctx, target.ID, visited, participants, 0)
		if err != nil {
			return err
		}

		followers, err := d.store.GetRemoteFollowers(ctx, target.AuthorID)
		if err != nil {
			return err
		}
		for _, follower := range followers {
			participants[follower.ID] = follower
		}

		seen := make(map[string]bool)
		for _, profile := range participants {
			if profile.IsLocal || profile.FID == job.ActorFID {
				continue
			}
			endpoint := inboxFor(&profile)
			if endpoint == "" || seen[endpoint] {
				continue
			}
			seen[endpoint] = true
			recipients = append(recipients, codec.Recipient{
				Endpoint:  endpoint,
				PublicKey: profile.RSAPublicKey,
				FID:       profile.FID,
			})
		}
	}

	if len(recipients) == 0 {
		return nil
	}

	log.Printf("federation: forwarding %s %q to %d participants of %q", content.ContentType, content.FID, len(recipients), target.FID)
	return d.send(ctx, entity, target.Author, recipients, nil)
}

// collectParticipants gathers the remote authors of the reply and share
// tree under contentID. Shares recurse into their own trees; the visited
// set and the depth bound keep cyclic or hostile trees finite.
func (d *Distributor) collectParticipants(ctx context.Context, contentID uint, visited map[uint]bool, out map[uint]types.Profile, depth int) error {
	if depth > maxForwardDepth || visited[contentID] {
		return nil
	}
	visited[contentID] = true

	replies, err := d.store.GetRemoteRepliesOf(ctx, contentID)
	if err != nil {
		return err
	}
	for _, reply := range replies {
		out[reply.AuthorID] = reply.Author
	}

	shares, err := d.store.GetRemoteSharesOf(ctx, contentID)
	if err != nil {
		return err
	}
	for _, share := range shares {
		out[share.AuthorID] = share.Author
		err = d.collectParticipants(ctx, share.ID, visited, out, depth+1)
		if err != nil {
			return err
		}
	}

	return nil
}

// entityForRelay rebuilds the wire entity for a row that may be remote;
// remote rows forward with their stored receivers as addressing.
func (d *Distributor) entityForRelay(ctx context.Context, content *types.Content) (codec.Entity, error) {
	if content.Local {
		return d.entityForContent(ctx, content)
	}

	body, media := extractMedia(content.Text)
	common := codec.ObjectCommon{
		ID:      content.FID,
		Actor:   content.Author.FID,
		GUID:    content.GUID,
		Body:    body,
		Public:  content.Visibility == types.VisibilityPublic,
		Created: content.RemoteCreated,
		Media:   media,
	}
	if common.Public {
		common.To = []string{codec.PublicNamespace}
	}
	common.CC = append(common.CC, content.Receivers...)

	switch content.ContentType {
	case types.ContentTypeReply:
		if content.Parent == nil {
			return nil, errors.Errorf("reply %d has no parent", content.ID)
		}
		return codec.Comment{ObjectCommon: common, TargetID: content.Parent.FID}, nil
	case types.ContentTypeShare:
		if content.ShareOf == nil {
			return nil, errors.Errorf("share %d has no target", content.ID)
		}
		return codec.Share{ObjectCommon: common, TargetID: content.ShareOf.FID}, nil
	}
	return codec.Post{ObjectCommon: common}, nil
}
