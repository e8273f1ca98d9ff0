package federation

import (
	"context"
	"encoding/json"
	"log"

	"github.com/pkg/errors"

	"github.com/steadyfed/stead/codec"
	"github.com/steadyfed/stead/queue"
	"github.com/steadyfed/stead/store"
	"github.com/steadyfed/stead/types"
)

// Distributor is the outbound half of the pipeline: it turns local
// mutations into addressed protocol deliveries. With live false it does
// everything except the network sends, so a staging node never leaks
// into the real network.
type Distributor struct {
	store  *store.Store
	codec  codec.Codec
	queue  *queue.Queue
	config types.NodeConfig
	live   bool
}

func NewDistributor(
	store *store.Store,
	codec codec.Codec,
	queue *queue.Queue,
	config types.NodeConfig,
	live bool,
) *Distributor {
	return &Distributor{
		store:  store,
		codec:  codec,
		queue:  queue,
		config: config,
		live:   live,
	}
}

// DeliverContent distributes one local post, reply or share.
func (d *Distributor) DeliverContent(ctx context.Context, job DeliverJob) error {
	ctx, span := tracer.Start(ctx, "FederationDeliverContent")
	defer span.End()

	content, err := d.store.GetContentByID(ctx, job.ContentID)
	if err != nil {
		return err
	}
	if !content.Local {
		return errors.Errorf("content %d is not local", content.ID)
	}

	if content.ContentType == types.ContentTypeReply {
		return d.deliverReply(ctx, &content)
	}

	entity, err := d.entityForContent(ctx, &content)
	if err != nil {
		return err
	}

	recipients, err := d.directRecipients(ctx, &content)
	if err != nil {
		return err
	}

	err = d.recordContentActivity(ctx, &content)
	if err != nil {
		log.Printf("federation: activity record for content %d: %v", content.ID, err)
	}

	return d.send(ctx, entity, content.Author, recipients, nil)
}

// deliverReply routes a local reply: a remote parent gets it directly
// and its author forwards it onward; a local parent means this node is
// the forwarder, so the relay engine takes over.
func (d *Distributor) deliverReply(ctx context.Context, content *types.Content) error {
	if content.Parent == nil {
		return errors.Errorf("reply %d has no parent", content.ID)
	}

	if content.Parent.Local {
		err := d.recordContentActivity(ctx, content)
		if err != nil {
			log.Printf("federation: activity record for content %d: %v", content.ID, err)
		}
		return d.queue.Enqueue(ctx, JobRelay, queue.PriorityDefault, RelayJob{
			ContentID: content.ID,
			TargetID:  relayRootID(ctx, d.store, content.Parent),
			ActorFID:  content.Author.FID,
		})
	}

	entity, err := d.entityForContent(ctx, content)
	if err != nil {
		return err
	}

	parentAuthor := content.Parent.Author
	recipients := []codec.Recipient{{
		Endpoint:  inboxFor(&parentAuthor),
		PublicKey: parentAuthor.RSAPublicKey,
		FID:       parentAuthor.FID,
	}}

	err = d.recordContentActivity(ctx, content)
	if err != nil {
		log.Printf("federation: activity record for content %d: %v", content.ID, err)
	}

	return d.send(ctx, entity, content.Author, recipients, &parentAuthor)
}

// DeliverRetraction distributes a retraction from its captured
// addressing; the content row no longer exists.
func (d *Distributor) DeliverRetraction(ctx context.Context, job RetractJob) error {
	ctx, span := tracer.Start(ctx, "FederationDeliverRetraction")
	defer span.End()

	author, err := d.store.GetProfileByID(ctx, job.AuthorID)
	if err != nil {
		return err
	}

	entity := codec.Retraction{Actor: author.FID, TargetID: job.TargetFID}

	var recipients []codec.Recipient
	if job.Public {
		recipients, err = d.publicRecipients(ctx, &author)
		if err != nil {
			return err
		}
	} else {
		for _, fid := range job.RecipientFIDs {
			profile, err := d.store.GetProfileByFID(ctx, fid)
			if err != nil || profile.IsLocal {
				continue
			}
			recipients = append(recipients, codec.Recipient{
				Endpoint:  inboxFor(&profile),
				PublicKey: profile.RSAPublicKey,
				FID:       profile.FID,
			})
		}
	}

	err = d.store.CreateActivity(ctx, &types.Activity{
		FID:       job.TargetFID + "/delete",
		Type:      types.ActivityRetract,
		ProfileID: author.ID,
	})
	if err != nil {
		log.Printf("federation: activity record for retraction of %q: %v", job.TargetFID, err)
	}

	return d.send(ctx, entity, author, recipients, nil)
}

// DeliverFollow announces a follow state change to the target's inbox.
func (d *Distributor) DeliverFollow(ctx context.Context, job FollowJob) error {
	ctx, span := tracer.Start(ctx, "FederationDeliverFollow")
	defer span.End()

	local, err := d.store.GetProfileByID(ctx, job.LocalProfileID)
	if err != nil {
		return err
	}

	recipient, err := d.remoteRecipient(ctx, job.TargetFID)
	if err != nil {
		return err
	}

	entity := codec.Follow{
		Actor:     local.FID,
		TargetID:  job.TargetFID,
		Following: job.Following,
	}

	activityType := types.ActivityFollow
	if !job.Following {
		activityType = types.ActivityUnfollow
	}
	err = d.store.CreateActivity(ctx, &types.Activity{
		FID:       local.FID + "/follows/" + job.TargetFID,
		Type:      activityType,
		ProfileID: local.ID,
	})
	if err != nil {
		log.Printf("federation: activity record for follow of %q: %v", job.TargetFID, err)
	}

	return d.send(ctx, entity, local, []codec.Recipient{recipient}, nil)
}

// DeliverProfile pushes a local profile update to everyone who follows
// it, plus the relay.
func (d *Distributor) DeliverProfile(ctx context.Context, job ProfileJob) error {
	ctx, span := tracer.Start(ctx, "FederationDeliverProfile")
	defer span.End()

	profile, err := d.store.GetProfileByID(ctx, job.ProfileID)
	if err != nil {
		return err
	}
	if !profile.IsLocal {
		return errors.Errorf("profile %d is not local", profile.ID)
	}

	entity := profileEntity(&profile)

	recipients, err := d.publicRecipients(ctx, &profile)
	if err != nil {
		return err
	}

	err = d.store.CreateActivity(ctx, &types.Activity{
		FID:       profile.FID + "#update",
		Type:      types.ActivityUpdate,
		ProfileID: profile.ID,
	})
	if err != nil {
		log.Printf("federation: activity record for profile %d: %v", profile.ID, err)
	}

	return d.send(ctx, entity, profile, recipients, nil)
}

// ---------------------------------------------------------------------
// addressing

// Audience computes the wire to and cc lists for a local content row.
func (d *Distributor) Audience(ctx context.Context, content *types.Content) (to, cc []string, err error) {
	mentions, err := d.store.GetMentions(ctx, content)
	if err != nil {
		return nil, nil, err
	}

	followersAddr := content.Author.FID + "/followers"

	if content.ContentType == types.ContentTypeShare {
		to = []string{codec.PublicNamespace}
		cc = []string{followersAddr}
		if content.ShareOf != nil && content.ShareOf.Author.FID != "" {
			cc = append(cc, content.ShareOf.Author.FID)
		}
		return to, cc, nil
	}

	if content.Visibility == types.VisibilityPublic {
		to = []string{codec.PublicNamespace}
		cc = []string{followersAddr}
		for _, mention := range mentions {
			if mention.FID != "" {
				cc = append(cc, mention.FID)
			}
		}
		return to, cc, nil
	}

	// Limited: explicit recipients only, nothing in cc.
	limited, err := d.store.GetLimitedVisibilities(ctx, content)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool)
	for _, profile := range append(limited, mentions...) {
		if profile.FID == "" || seen[profile.FID] {
			continue
		}
		seen[profile.FID] = true
		to = append(to, profile.FID)
	}
	if content.IncludeFollowing {
		to = append(to, followersAddr)
	}
	return to, cc, nil
}

// directRecipients resolves the inbox tuples a content row federates to.
func (d *Distributor) directRecipients(ctx context.Context, content *types.Content) ([]codec.Recipient, error) {
	if content.Visibility == types.VisibilityLimited {
		return d.limitedRecipients(ctx, content)
	}
	return d.publicRecipients(ctx, &content.Author)
}

// limitedRecipients delivers to the explicit audience, each through its
// own private inbox with the full recipient tuple.
func (d *Distributor) limitedRecipients(ctx context.Context, content *types.Content) ([]codec.Recipient, error) {
	limited, err := d.store.GetLimitedVisibilities(ctx, content)
	if err != nil {
		return nil, err
	}
	mentions, err := d.store.GetMentions(ctx, content)
	if err != nil {
		return nil, err
	}

	var recipients []codec.Recipient
	seen := make(map[uint]bool)
	for _, profile := range append(limited, mentions...) {
		if profile.IsLocal || seen[profile.ID] {
			continue
		}
		seen[profile.ID] = true
		recipients = append(recipients, codec.Recipient{
			Endpoint:  inboxFor(&profile),
			PublicKey: profile.RSAPublicKey,
			FID:       profile.FID,
		})
	}

	if content.IncludeFollowing {
		followers, err := d.store.GetRemoteFollowers(ctx, content.AuthorID)
		if err != nil {
			return nil, err
		}
		for _, follower := range followers {
			if seen[follower.ID] {
				continue
			}
			seen[follower.ID] = true
			recipients = append(recipients, codec.Recipient{
				Endpoint:  inboxFor(&follower),
				PublicKey: follower.RSAPublicKey,
				FID:       follower.FID,
			})
		}
	}

	return recipients, nil
}

// publicRecipients fans out through the relay and the author's remote
// followers, deduplicated on shared inboxes.
func (d *Distributor) publicRecipients(ctx context.Context, author *types.Profile) ([]codec.Recipient, error) {
	var recipients []codec.Recipient
	seen := make(map[string]bool)

	if d.config.Relay != "" {
		seen[d.config.Relay] = true
		recipients = append(recipients, codec.Recipient{Endpoint: d.config.Relay})
	}

	followers, err := d.store.GetRemoteFollowers(ctx, author.ID)
	if err != nil {
		return nil, err
	}
	for _, follower := range followers {
		endpoint := sharedInboxFor(&follower)
		if endpoint == "" || seen[endpoint] {
			continue
		}
		seen[endpoint] = true
		recipients = append(recipients, codec.Recipient{Endpoint: endpoint})
	}

	return recipients, nil
}

// remoteRecipient resolves a single delivery target, fetching the
// profile when it is not stored yet.
func (d *Distributor) remoteRecipient(ctx context.Context, fid string) (codec.Recipient, error) {
	profile, err := d.store.GetProfileByAnyIdentifier(ctx, fid)
	if err == nil {
		if profile.IsLocal {
			return codec.Recipient{}, errors.Errorf("%q is local, nothing to deliver", fid)
		}
		return codec.Recipient{
			Endpoint:  inboxFor(&profile),
			PublicKey: profile.RSAPublicKey,
			FID:       profile.FID,
		}, nil
	}
	if !store.IsNotFound(err) {
		return codec.Recipient{}, err
	}

	remote, err := d.codec.FetchProfile(ctx, fid)
	if err != nil {
		return codec.Recipient{}, err
	}
	endpoint := remote.InboxPrivate
	if endpoint == "" {
		endpoint = remote.InboxPublic
	}
	return codec.Recipient{
		Endpoint:  endpoint,
		PublicKey: remote.PublicKey,
		FID:       remote.ID,
	}, nil
}

// ---------------------------------------------------------------------
// entity building

// entityForContent converts a local content row to its outbound entity,
// with media lifted out of the markdown body and addressing attached.
func (d *Distributor) entityForContent(ctx context.Context, content *types.Content) (codec.Entity, error) {
	if content.FID == "" {
		return nil, errors.Errorf("content %d has no fid", content.ID)
	}

	body, media := extractMedia(content.Text)

	mentions, err := d.store.GetMentions(ctx, content)
	if err != nil {
		return nil, err
	}
	var mentionFIDs []string
	for _, mention := range mentions {
		if mention.FID != "" {
			mentionFIDs = append(mentionFIDs, mention.FID)
		}
	}

	to, cc, err := d.Audience(ctx, content)
	if err != nil {
		return nil, err
	}

	common := codec.ObjectCommon{
		ID:       content.FID,
		Actor:    content.Author.FID,
		GUID:     content.GUID,
		Finger:   content.Author.Finger,
		Body:     body,
		Public:   content.Visibility == types.VisibilityPublic,
		Created:  content.CreatedAt,
		Media:    media,
		Mentions: mentionFIDs,
		To:       to,
		CC:       cc,
	}

	switch content.ContentType {
	case types.ContentTypeReply:
		if content.Parent == nil {
			return nil, errors.Errorf("reply %d has no parent", content.ID)
		}
		comment := codec.Comment{ObjectCommon: common, TargetID: content.Parent.FID}
		if content.RootParentID != nil && *content.RootParentID != content.Parent.ID {
			root, err := d.store.GetContentByID(ctx, *content.RootParentID)
			if err == nil {
				comment.RootTargetID = root.FID
			}
		}
		return comment, nil

	case types.ContentTypeShare:
		if content.ShareOf == nil {
			return nil, errors.Errorf("share %d has no target", content.ID)
		}
		return codec.Share{ObjectCommon: common, TargetID: content.ShareOf.FID}, nil
	}

	return codec.Post{ObjectCommon: common}, nil
}

func profileEntity(profile *types.Profile) *codec.Profile {
	return &codec.Profile{
		ID:             profile.FID,
		GUID:           profile.GUID,
		Handle:         profile.Handle,
		Finger:         profile.Finger,
		Name:           profile.Name,
		RemoteURL:      profile.RemoteURL,
		ImageURLLarge:  profile.ImageURLLarge,
		ImageURLMedium: profile.ImageURLMedium,
		ImageURLSmall:  profile.ImageURLSmall,
		Location:       profile.Location,
		PublicKey:      profile.RSAPublicKey,
		InboxPrivate:   profile.InboxPrivate,
		InboxPublic:    profile.InboxPublic,
		Public:         profile.Visibility == types.VisibilityPublic,
	}
}

// ---------------------------------------------------------------------
// delivery

// send is the single exit to the network: audit, live gate, codec.
func (d *Distributor) send(ctx context.Context, entity codec.Entity, author types.Profile, recipients []codec.Recipient, parentAuthor *types.Profile) error {
	if len(recipients) == 0 {
		return nil
	}

	if d.config.LogPayloads {
		body, err := json.Marshal(entity)
		if err == nil {
			err = d.store.CreatePayloadAudit(ctx, &types.PayloadAudit{
				Direction: types.DirectionOutbound,
				Protocol:  "activitypub",
				Sender:    author.FID,
				Body:      string(body),
			})
		}
		if err != nil {
			log.Printf("federation: payload audit write failed: %v", err)
		}
	}

	if !d.live {
		log.Printf("federation: distribution suppressed (not live): %s from %q to %d recipients", entity.Kind(), author.FID, len(recipients))
		return nil
	}

	return d.codec.Send(ctx, entity, author, recipients, parentAuthor)
}

// recordContentActivity writes the create or update activity row for a
// content distribution.
func (d *Distributor) recordContentActivity(ctx context.Context, content *types.Content) error {
	activityType := types.ActivityCreate
	_, err := d.store.GetLastActivityForContent(ctx, content.ID)
	if err == nil {
		activityType = types.ActivityUpdate
	} else if !store.IsNotFound(err) {
		return err
	}

	return d.store.CreateActivity(ctx, &types.Activity{
		FID:       content.FID + "/activity",
		Type:      activityType,
		ProfileID: content.AuthorID,
		ContentID: &content.ID,
	})
}

// inboxFor prefers the personal inbox for targeted delivery.
func inboxFor(profile *types.Profile) string {
	if profile.InboxPrivate != "" {
		return profile.InboxPrivate
	}
	return profile.InboxPublic
}

// sharedInboxFor prefers the shared inbox for public fanout.
func sharedInboxFor(profile *types.Profile) string {
	if profile.InboxPublic != "" {
		return profile.InboxPublic
	}
	return profile.InboxPrivate
}
