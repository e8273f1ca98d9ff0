package federation

import (
	"context"
	"log"
	"slices"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/steadyfed/stead/codec"
	"github.com/steadyfed/stead/store"
	"github.com/steadyfed/stead/types"
)

// maxIngestDepth bounds the fetch-and-ingest walk up an unknown reply
// or share chain, so a hostile ancestor chain cannot drive unbounded
// recursion and fetch amplification.
const maxIngestDepth = 8

// looksLikeFID reports whether id is a usable federation identifier.
// Legacy platforms send opaque ids; those rows keep an empty fid and are
// found through finger and remote url instead.
func looksLikeFID(id string) bool {
	return strings.HasPrefix(id, "https://") || strings.HasPrefix(id, "http://")
}

// inlineMedia prefixes the body with markdown renditions of the attached
// media so the stored text is self contained.
func inlineMedia(body string, media []codec.Media) string {
	if len(media) == 0 {
		return body
	}

	var b strings.Builder
	for _, m := range media {
		name := m.Name
		if name == "" {
			name = m.URL
		}
		switch m.Kind {
		case codec.MediaImage:
			b.WriteString("![" + name + "](" + m.URL + ")\n")
		default:
			b.WriteString("[" + name + "](" + m.URL + ")\n")
		}
	}
	b.WriteString("\n")
	b.WriteString(body)
	return b.String()
}

// ---------------------------------------------------------------------
// posts

func (s *Service) ingestPost(ctx context.Context, entity codec.Post, sender, receiving *types.Profile) error {
	ctx, span := tracer.Start(ctx, "FederationIngestPost")
	defer span.End()

	existing, err := s.lookupContent(ctx, entity.ObjectCommon)
	if err != nil {
		return err
	}
	if existing != nil && !s.remoteUpdateAllowed(existing, sender) {
		return nil
	}

	content, err := s.upsertObject(ctx, existing, entity.ObjectCommon, sender, nil, nil)
	if err != nil {
		return err
	}

	err = s.reconcileMentions(ctx, content, entity.Mentions)
	if err != nil {
		log.Printf("federation: mention reconciliation for %q: %v", content.FID, err)
	}

	if content.Visibility == types.VisibilityLimited {
		// Post edits replace the limited audience outright.
		recipients := s.localReceivers(ctx, entity.Receivers, receiving)
		err = s.store.ReplaceLimitedVisibilities(ctx, content, recipients)
		if err != nil {
			return errors.Wrap(err, "replace limited visibilities")
		}
	}

	return nil
}

// ---------------------------------------------------------------------
// comments

func (s *Service) ingestComment(ctx context.Context, entity codec.Comment, sender, receiving *types.Profile, depth int) error {
	ctx, span := tracer.Start(ctx, "FederationIngestComment")
	defer span.End()

	existing, err := s.lookupContent(ctx, entity.ObjectCommon)
	if err != nil {
		return err
	}
	if existing != nil {
		if !s.remoteUpdateAllowed(existing, sender) {
			return nil
		}
		// Re-parenting an existing reply is not a thing.
		if existing.Parent != nil && existing.Parent.FID != "" && entity.TargetID != "" && existing.Parent.FID != entity.TargetID {
			log.Printf("federation: rejecting re-parent of %q from %q to %q", existing.FID, existing.Parent.FID, entity.TargetID)
			return nil
		}
	}

	parent := s.contentWithFetch(ctx, entity.TargetID, depth)
	if parent == nil {
		log.Printf("federation: dropping reply %q, parent %q unknown", entity.ID, entity.TargetID)
		return nil
	}

	content, err := s.upsertObject(ctx, existing, entity.ObjectCommon, sender, parent, nil)
	if err != nil {
		return err
	}

	err = s.reconcileMentions(ctx, content, entity.Mentions)
	if err != nil {
		log.Printf("federation: mention reconciliation for %q: %v", content.FID, err)
	}

	if content.Visibility == types.VisibilityLimited {
		// Replies widen the existing audience, they never narrow it.
		recipients := s.localReceivers(ctx, entity.Receivers, receiving)
		err = s.store.AddLimitedVisibilities(ctx, content, recipients)
		if err != nil {
			return errors.Wrap(err, "add limited visibilities")
		}
	}

	if parent.Local {
		s.enqueueRelay(ctx, RelayJob{
			ContentID: content.ID,
			TargetID:  relayRootID(ctx, s.store, parent),
			ActorFID:  sender.FID,
		})
		s.enqueueNotify(ctx, NotifyJob{
			ProfileID: parent.AuthorID,
			Event:     "comment",
			ActorFID:  sender.FID,
			ContentID: &content.ID,
		})
	}

	return nil
}

// relayRootID prefers the local root of the reply chain over the direct
// parent, so forwarding fans out from the top of the conversation.
func relayRootID(ctx context.Context, st *store.Store, parent *types.Content) uint {
	if parent.RootParentID == nil {
		return parent.ID
	}
	root, err := st.GetContentByID(ctx, *parent.RootParentID)
	if err != nil || !root.Local {
		return parent.ID
	}
	return root.ID
}

// ---------------------------------------------------------------------
// shares

func (s *Service) ingestShare(ctx context.Context, entity codec.Share, sender *types.Profile, depth int) error {
	ctx, span := tracer.Start(ctx, "FederationIngestShare")
	defer span.End()

	target := s.shareTargetWithFetch(ctx, entity.TargetID, depth)
	if target == nil {
		log.Printf("federation: dropping share %q, target %q unknown", entity.ID, entity.TargetID)
		return nil
	}
	if target.Visibility != types.VisibilityPublic {
		log.Printf("federation: rejecting share %q of non-public content %q", entity.ID, entity.TargetID)
		return nil
	}

	existing, err := s.lookupContent(ctx, entity.ObjectCommon)
	if err != nil {
		return err
	}
	if existing != nil && !s.remoteUpdateAllowed(existing, sender) {
		return nil
	}

	content, err := s.upsertObject(ctx, existing, entity.ObjectCommon, sender, nil, target)
	if err != nil {
		return err
	}

	if target.Local {
		s.enqueueRelay(ctx, RelayJob{
			ContentID: content.ID,
			TargetID:  target.ID,
			ActorFID:  sender.FID,
		})
		s.enqueueNotify(ctx, NotifyJob{
			ProfileID: target.AuthorID,
			Event:     "share",
			ActorFID:  sender.FID,
			ContentID: &content.ID,
		})
	}

	return nil
}

// ---------------------------------------------------------------------
// retractions

func (s *Service) ingestRetraction(ctx context.Context, entity codec.Retraction, sender *types.Profile) error {
	ctx, span := tracer.Start(ctx, "FederationIngestRetraction")
	defer span.End()

	switch entity.TargetKind {
	case "", codec.KindPost, codec.KindComment, codec.KindShare:
	default:
		log.Printf("federation: dropping retraction of unsupported kind %q", entity.TargetKind)
		return nil
	}

	target, err := s.store.GetContentByFID(ctx, entity.TargetID)
	if err != nil {
		if store.IsNotFound(err) {
			log.Printf("federation: retraction target %q unknown, nothing to do", entity.TargetID)
			return nil
		}
		return err
	}

	if target.Local {
		log.Printf("federation: rejecting remote retraction of local content %q", entity.TargetID)
		return nil
	}
	if target.AuthorID != sender.ID {
		log.Printf("federation: rejecting retraction of %q by non-author %q", entity.TargetID, sender.FID)
		return nil
	}

	return s.store.DeleteContent(ctx, &target)
}

// ---------------------------------------------------------------------
// follows

func (s *Service) ingestFollow(ctx context.Context, entity codec.Follow, sender *types.Profile) error {
	ctx, span := tracer.Start(ctx, "FederationIngestFollow")
	defer span.End()

	target, err := s.store.GetProfileByAnyIdentifier(ctx, entity.TargetID)
	if err != nil {
		if store.IsNotFound(err) {
			log.Printf("federation: follow target %q unknown", entity.TargetID)
			return nil
		}
		return err
	}
	if !target.IsLocal {
		log.Printf("federation: rejecting follow of non-local profile %q", entity.TargetID)
		return nil
	}

	if !entity.Following {
		return s.store.RemoveFollowing(ctx, sender, &target)
	}

	err = s.store.AddFollowing(ctx, sender, &target)
	if err != nil {
		return err
	}

	s.enqueueNotify(ctx, NotifyJob{
		ProfileID: target.ID,
		Event:     "follow",
		ActorFID:  sender.FID,
	})
	return nil
}

// ---------------------------------------------------------------------
// profiles

// materializeProfile upserts a remote profile representation. Remote
// attributes replace stored ones wholesale; guid and handle are only
// written once and a stored key is never blanked.
func (s *Service) materializeProfile(ctx context.Context, remote *codec.Profile) (*types.Profile, error) {
	ctx, span := tracer.Start(ctx, "FederationMaterializeProfile")
	defer span.End()

	if remote == nil || remote.ID == "" {
		return nil, errors.New("profile without identifier")
	}

	existing, err := s.store.GetProfileByAnyIdentifier(ctx, remote.ID)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}

	if store.IsNotFound(err) {
		profile := &types.Profile{
			GUID:           remote.GUID,
			Handle:         remote.Handle,
			Finger:         remote.Finger,
			Name:           remote.Name,
			RemoteURL:      remote.RemoteURL,
			InboxPrivate:   remote.InboxPrivate,
			InboxPublic:    remote.InboxPublic,
			ImageURLLarge:  remote.ImageURLLarge,
			ImageURLMedium: remote.ImageURLMedium,
			ImageURLSmall:  remote.ImageURLSmall,
			Location:       remote.Location,
			RSAPublicKey:   remote.PublicKey,
			Visibility:     profileVisibility(remote.Public),
			IsLocal:        false,
		}
		if looksLikeFID(remote.ID) {
			profile.FID = remote.ID
		}

		err = s.store.CreateProfile(ctx, profile)
		if err == nil {
			return profile, nil
		}
		if !store.IsDuplicateKey(err) {
			return nil, err
		}
		// Lost the concurrent-creation race; the winning row carries
		// the state, update it below.
		won, err2 := s.store.GetProfileByAnyIdentifier(ctx, remote.ID)
		if err2 != nil {
			return nil, err
		}
		existing = won
	}

	if existing.IsLocal {
		// A remote document can never update a local profile.
		return &existing, nil
	}

	existing.Name = remote.Name
	existing.RemoteURL = remote.RemoteURL
	existing.InboxPrivate = remote.InboxPrivate
	existing.InboxPublic = remote.InboxPublic
	existing.ImageURLLarge = remote.ImageURLLarge
	existing.ImageURLMedium = remote.ImageURLMedium
	existing.ImageURLSmall = remote.ImageURLSmall
	existing.Location = remote.Location
	existing.Visibility = profileVisibility(remote.Public)
	if remote.PublicKey != "" {
		existing.RSAPublicKey = remote.PublicKey
	}
	if existing.FID == "" && looksLikeFID(remote.ID) {
		existing.FID = remote.ID
	}
	if existing.Finger == "" {
		existing.Finger = remote.Finger
	}

	err = s.store.SaveProfile(ctx, &existing)
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func profileVisibility(public bool) types.Visibility {
	if public {
		return types.VisibilityPublic
	}
	return types.VisibilityLimited
}

// resolveProfile finds a stored profile by identifier or fetches and
// materializes it. Unlike ResolveSender this accepts local profiles,
// which mentions and limited audiences legitimately point at.
func (s *Service) resolveProfile(ctx context.Context, id string) (*types.Profile, error) {
	profile, err := s.store.GetProfileByAnyIdentifier(ctx, id)
	if err == nil {
		return &profile, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}

	remote, err := s.codec.FetchProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.materializeProfile(ctx, remote)
}

// ---------------------------------------------------------------------
// shared ingestion plumbing

// remoteUpdateAllowed enforces ownership: only the original remote
// author may touch an existing row, and local rows are untouchable.
func (s *Service) remoteUpdateAllowed(existing *types.Content, sender *types.Profile) bool {
	if existing.Local {
		log.Printf("federation: rejecting remote update of local content %q", existing.FID)
		return false
	}
	if existing.AuthorID != sender.ID {
		log.Printf("federation: rejecting update of %q by non-author %q", existing.FID, sender.FID)
		return false
	}
	return true
}

// lookupContent finds an existing row by fid, falling back to the
// finger plus remote url identity. Returns nil when no row matches.
func (s *Service) lookupContent(ctx context.Context, common codec.ObjectCommon) (*types.Content, error) {
	content, err := s.store.GetContentByFID(ctx, common.ID)
	if err == nil {
		return &content, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}

	content, err = s.store.GetContentByFingerAndRemoteURL(ctx, common.Finger, common.RemoteURL)
	if err == nil {
		return &content, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}
	return nil, nil
}

// contentWithFetch returns the content row for fid, after one fetch and
// ingest attempt on a miss. The fetched row may itself need its parent
// fetched; depth bounds that walk. Returns nil when the row stays
// unknown.
func (s *Service) contentWithFetch(ctx context.Context, fid string, depth int) *types.Content {
	content, err := s.store.GetContentByFID(ctx, fid)
	if err == nil {
		return &content
	}
	if !store.IsNotFound(err) {
		log.Printf("federation: content lookup %q: %v", fid, err)
		return nil
	}

	if depth >= maxIngestDepth {
		log.Printf("federation: not fetching %q, ingest depth limit reached", fid)
		return nil
	}

	fetched, err := s.codec.FetchContent(ctx, fid)
	if err != nil {
		log.Printf("federation: content fetch %q: %v", fid, err)
		return nil
	}

	err = s.processEntityAt(ctx, fetched, nil, depth+1)
	if err != nil {
		log.Printf("federation: ingest of fetched %q: %v", fid, err)
		return nil
	}

	content, err = s.store.GetContentByFID(ctx, fid)
	if err != nil {
		return nil
	}
	return &content
}

// shareTargetWithFetch is contentWithFetch restricted to shareable
// content: shares of shares are not accepted.
func (s *Service) shareTargetWithFetch(ctx context.Context, fid string, depth int) *types.Content {
	content, err := s.store.GetShareTargetByFID(ctx, fid)
	if err == nil {
		return &content
	}
	if !store.IsNotFound(err) {
		log.Printf("federation: share target lookup %q: %v", fid, err)
		return nil
	}

	if depth >= maxIngestDepth {
		log.Printf("federation: not fetching share target %q, ingest depth limit reached", fid)
		return nil
	}

	fetched, err := s.codec.FetchContent(ctx, fid)
	if err != nil {
		log.Printf("federation: share target fetch %q: %v", fid, err)
		return nil
	}

	err = s.processEntityAt(ctx, fetched, nil, depth+1)
	if err != nil {
		log.Printf("federation: ingest of fetched share target %q: %v", fid, err)
		return nil
	}

	content, err = s.store.GetShareTargetByFID(ctx, fid)
	if err != nil {
		return nil
	}
	return &content
}

// upsertObject creates or updates the content row for an inbound post,
// comment or share. Idempotent: replaying the same entity converges on
// one row. A creation race resolves by refetching the winning row.
func (s *Service) upsertObject(
	ctx context.Context,
	existing *types.Content,
	common codec.ObjectCommon,
	sender *types.Profile,
	parent *types.Content,
	shareOf *types.Content,
) (*types.Content, error) {
	body := inlineMedia(common.Body, common.Media)

	visibility := types.VisibilityLimited
	if common.Public {
		visibility = types.VisibilityPublic
	}
	if parent != nil {
		// Replies inherit the parent's visibility.
		visibility = parent.Visibility
	}

	receivers := make(pq.StringArray, 0, len(common.Receivers))
	for _, receiver := range common.Receivers {
		receivers = append(receivers, receiver.ID)
	}

	if existing == nil {
		content := &types.Content{
			GUID:          common.GUID,
			Text:          body,
			ContentType:   types.ContentTypeContent,
			Visibility:    visibility,
			AuthorID:      sender.ID,
			Finger:        common.Finger,
			RemoteURL:     common.RemoteURL,
			Local:         false,
			Receivers:     receivers,
			RemoteCreated: common.Created,
		}
		if looksLikeFID(common.ID) {
			content.FID = common.ID
		}
		if parent != nil {
			content.ContentType = types.ContentTypeReply
			content.ParentID = &parent.ID
			if parent.RootParentID != nil {
				content.RootParentID = parent.RootParentID
			} else {
				content.RootParentID = &parent.ID
			}
		}
		if shareOf != nil {
			content.ContentType = types.ContentTypeShare
			content.ShareOfID = &shareOf.ID
		}

		err := s.store.CreateContent(ctx, content)
		if err == nil {
			return content, nil
		}
		if !store.IsDuplicateKey(err) {
			return nil, err
		}
		// Concurrent creation; converge on the winning row.
		won, err2 := s.store.GetContentByFID(ctx, content.FID)
		if err2 != nil {
			return nil, err
		}
		if won.AuthorID != sender.ID {
			return nil, errors.Errorf("conflicting row for %q held by another author", content.FID)
		}
		existing = &won
	}

	changed := false
	if existing.Text != body {
		existing.Text = body
		changed = true
	}
	if existing.Visibility != visibility {
		existing.Visibility = visibility
		changed = true
	}
	if !common.Created.IsZero() && !existing.RemoteCreated.Equal(common.Created) {
		existing.RemoteCreated = common.Created
		changed = true
	}
	if existing.FID == "" && looksLikeFID(common.ID) {
		existing.FID = common.ID
		changed = true
	}
	if common.Finger != "" && existing.Finger != common.Finger {
		existing.Finger = common.Finger
		changed = true
	}
	if common.RemoteURL != "" && existing.RemoteURL != common.RemoteURL {
		existing.RemoteURL = common.RemoteURL
		changed = true
	}
	if !slices.Equal(existing.Receivers, receivers) {
		existing.Receivers = receivers
		changed = true
	}

	if !changed {
		return existing, nil
	}
	return existing, s.store.SaveContent(ctx, existing)
}

// reconcileMentions converges the stored mention set on the entity's:
// stale mentions go, new ones are resolved and added, the intersection
// is untouched.
func (s *Service) reconcileMentions(ctx context.Context, content *types.Content, mentions []string) error {
	current, err := s.store.GetMentions(ctx, content)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(mentions))
	for _, fid := range mentions {
		want[fid] = true
	}

	for i := range current {
		if want[current[i].FID] {
			delete(want, current[i].FID)
			continue
		}
		err = s.store.RemoveMention(ctx, content, &current[i])
		if err != nil {
			return err
		}
	}

	for fid := range want {
		profile, err := s.resolveProfile(ctx, fid)
		if err != nil {
			log.Printf("federation: skipping unresolvable mention %q: %v", fid, err)
			continue
		}
		err = s.store.AddMention(ctx, content, profile)
		if err != nil {
			return err
		}
	}

	return nil
}

// localReceivers maps the entity's actor receivers to stored local
// profiles, always including the profile whose inbox took the payload.
func (s *Service) localReceivers(ctx context.Context, receivers []codec.Receiver, receiving *types.Profile) []*types.Profile {
	var out []*types.Profile
	seen := make(map[uint]bool)

	for _, receiver := range receivers {
		if receiver.Variant != codec.ReceiverActor {
			continue
		}
		profile, err := s.store.GetProfileByAnyIdentifier(ctx, receiver.ID)
		if err != nil || !profile.IsLocal || seen[profile.ID] {
			continue
		}
		seen[profile.ID] = true
		p := profile
		out = append(out, &p)
	}

	if receiving != nil && !seen[receiving.ID] {
		out = append(out, receiving)
	}
	return out
}
