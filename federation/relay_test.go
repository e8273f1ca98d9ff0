package federation

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steadyfed/stead/types"
)

func (f *fixture) remoteReply(author *types.Profile, parent *types.Content, fid string) types.Content {
	reply := types.Content{
		FID:         fid,
		ContentType: types.ContentTypeReply,
		Visibility:  types.VisibilityPublic,
		AuthorID:    author.ID,
		ParentID:    &parent.ID,
	}
	require.NoError(f.t, f.store.CreateContent(context.Background(), &reply))
	return reply
}

func (f *fixture) remoteShare(author *types.Profile, target *types.Content, fid string) types.Content {
	share := types.Content{
		FID:         fid,
		ContentType: types.ContentTypeShare,
		Visibility:  types.VisibilityPublic,
		AuthorID:    author.ID,
		ShareOfID:   &target.ID,
	}
	require.NoError(f.t, f.store.CreateContent(context.Background(), &share))
	return share
}

func TestForwardToConversationParticipants(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	author := f.localProfile("https://local.example/alice")
	commenter := f.remoteProfile("https://remote.example/commenter")
	sharer := f.remoteProfile("https://remote.example/sharer")
	deepReplier := f.remoteProfile("https://remote.example/deep")
	follower := f.remoteProfile("https://remote.example/follower")
	require.NoError(t, f.store.AddFollowing(ctx, &follower, &author))

	root := f.localContent(&author, "https://local.example/posts/1", types.VisibilityPublic)

	// The conversation: a direct reply, a share, and a reply under the
	// share. The new reply from the commenter triggers the forward.
	trigger := f.remoteReply(&commenter, &root, "https://remote.example/replies/1")
	share := f.remoteShare(&sharer, &root, "https://remote.example/shares/1")
	f.remoteReply(&deepReplier, &share, "https://remote.example/replies/2")

	err := f.dist.Forward(ctx, RelayJob{
		ContentID: trigger.ID,
		TargetID:  root.ID,
		ActorFID:  commenter.FID,
	})
	require.NoError(t, err)

	sends := f.codec.sentCalls()
	require.Len(t, sends, 1)

	// Signed by the local conversation owner.
	assert.Equal(t, author.FID, sends[0].author.FID)

	fids := recipientFIDs(sends[0].recipients)
	assert.Contains(t, fids, sharer.FID)
	assert.Contains(t, fids, deepReplier.FID)
	assert.Contains(t, fids, follower.FID)
	// The triggering actor already has the entity.
	assert.NotContains(t, fids, commenter.FID)
	assert.NotContains(t, fids, author.FID)
}

func TestForwardLimitedConversationStaysInAudience(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	author := f.localProfile("https://local.example/alice")
	commenter := f.remoteProfile("https://remote.example/commenter")
	invited := f.remoteProfile("https://remote.example/invited")
	outsider := f.remoteProfile("https://remote.example/outsider")
	require.NoError(t, f.store.AddFollowing(ctx, &outsider, &author))

	root := f.localContent(&author, "https://local.example/posts/1", types.VisibilityLimited)
	loaded := f.contentByFID(root.FID)
	require.NoError(t, f.store.ReplaceLimitedVisibilities(ctx, &loaded, []*types.Profile{&commenter, &invited}))

	trigger := f.remoteReply(&commenter, &root, "https://remote.example/replies/1")

	err := f.dist.Forward(ctx, RelayJob{
		ContentID: trigger.ID,
		TargetID:  root.ID,
		ActorFID:  commenter.FID,
	})
	require.NoError(t, err)

	sends := f.codec.sentCalls()
	require.Len(t, sends, 1)

	fids := recipientFIDs(sends[0].recipients)
	assert.Equal(t, []string{invited.FID}, fids)
}

func TestForwardRequiresLocalTarget(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	remoteAuthor := f.remoteProfile("https://remote.example/bob")
	commenter := f.remoteProfile("https://remote.example/commenter")

	root := types.Content{
		FID:      "https://remote.example/posts/1",
		AuthorID: remoteAuthor.ID,
	}
	require.NoError(t, f.store.CreateContent(ctx, &root))
	trigger := f.remoteReply(&commenter, &root, "https://remote.example/replies/1")

	err := f.dist.Forward(ctx, RelayJob{
		ContentID: trigger.ID,
		TargetID:  root.ID,
		ActorFID:  commenter.FID,
	})
	assert.Error(t, err)
	assert.Empty(t, f.codec.sentCalls())
}

func TestForwardWithNoParticipantsSendsNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	author := f.localProfile("https://local.example/alice")
	commenter := f.remoteProfile("https://remote.example/commenter")

	root := f.localContent(&author, "https://local.example/posts/1", types.VisibilityPublic)
	trigger := f.remoteReply(&commenter, &root, "https://remote.example/replies/1")

	err := f.dist.Forward(ctx, RelayJob{
		ContentID: trigger.ID,
		TargetID:  root.ID,
		ActorFID:  commenter.FID,
	})
	require.NoError(t, err)
	assert.Empty(t, f.codec.sentCalls())
}

func TestForwardShareChainIsDepthBounded(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	author := f.localProfile("https://local.example/alice")
	commenter := f.remoteProfile("https://remote.example/commenter")

	root := f.localContent(&author, "https://local.example/posts/1", types.VisibilityPublic)
	trigger := f.remoteReply(&commenter, &root, "https://remote.example/replies/0")

	// A share chain twice as deep as the walk bound; only authors
	// within the bound are reached.
	parent := root
	var sharers []types.Profile
	for i := 0; i < maxForwardDepth*2; i++ {
		sharer := f.remoteProfile(fmt.Sprintf("https://remote.example/sharer-%d", i))
		sharers = append(sharers, sharer)
		parent = f.remoteShare(&sharer, &parent, fmt.Sprintf("https://remote.example/shares/%d", i))
	}

	err := f.dist.Forward(ctx, RelayJob{
		ContentID: trigger.ID,
		TargetID:  root.ID,
		ActorFID:  commenter.FID,
	})
	require.NoError(t, err)

	sends := f.codec.sentCalls()
	require.Len(t, sends, 1)

	fids := recipientFIDs(sends[0].recipients)
	assert.Contains(t, fids, sharers[0].FID)
	assert.NotContains(t, fids, sharers[len(sharers)-1].FID)
	assert.Less(t, len(fids), maxForwardDepth*2)
}
