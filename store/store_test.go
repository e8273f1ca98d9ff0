package store

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/steadyfed/stead/types"
)

func setupStore(t *testing.T) *Store {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&types.Profile{},
		&types.Content{},
		&types.Activity{},
		&types.PayloadAudit{},
		&types.Notification{},
	)
	require.NoError(t, err)

	return NewStore(db)
}

func makeProfile(t *testing.T, s *Store, fid string, local bool) types.Profile {
	profile := types.Profile{
		FID:          fid,
		Handle:       "handle-" + fid,
		Finger:       "finger-" + fid,
		IsLocal:      local,
		RSAPublicKey: "PUBKEY-" + fid,
		Visibility:   types.VisibilityPublic,
	}
	require.NoError(t, s.CreateProfile(context.Background(), &profile))
	return profile
}

func TestProfileLookups(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	alice := makeProfile(t, s, "https://example.com/alice", true)

	byFID, err := s.GetProfileByFID(ctx, alice.FID)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, byFID.ID)

	byHandle, err := s.GetProfileByAnyIdentifier(ctx, alice.Handle)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, byHandle.ID)

	byFinger, err := s.GetProfileByAnyIdentifier(ctx, alice.Finger)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, byFinger.ID)

	_, err = s.GetProfileByAnyIdentifier(ctx, "nope")
	assert.True(t, IsNotFound(err))

	_, err = s.GetProfileByAnyIdentifier(ctx, "")
	assert.True(t, IsNotFound(err))
}

func TestKeyedProfileRequiresKey(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	keyless := types.Profile{FID: "https://example.com/keyless"}
	require.NoError(t, s.CreateProfile(ctx, &keyless))

	_, err := s.GetKeyedProfileByIdentifier(ctx, keyless.FID)
	assert.True(t, IsNotFound(err))

	keyed := makeProfile(t, s, "https://example.com/keyed", false)
	found, err := s.GetKeyedProfileByIdentifier(ctx, keyed.FID)
	require.NoError(t, err)
	assert.Equal(t, keyed.ID, found.ID)
}

func TestProfileFIDUniqueness(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	makeProfile(t, s, "https://example.com/taken", false)

	dup := types.Profile{FID: "https://example.com/taken"}
	err := s.CreateProfile(ctx, &dup)
	assert.True(t, IsDuplicateKey(err))

	// Rows with no usable fid never collide with each other.
	first := types.Profile{Handle: "legacy-1"}
	second := types.Profile{Handle: "legacy-2"}
	require.NoError(t, s.CreateProfile(ctx, &first))
	require.NoError(t, s.CreateProfile(ctx, &second))
}

func TestFollowing(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	local := makeProfile(t, s, "https://local.example/alice", true)
	remote := makeProfile(t, s, "https://remote.example/bob", false)
	localFan := makeProfile(t, s, "https://local.example/carol", true)

	require.NoError(t, s.AddFollowing(ctx, &remote, &local))
	require.NoError(t, s.AddFollowing(ctx, &localFan, &local))

	following, err := s.IsFollowing(ctx, remote.ID, local.ID)
	require.NoError(t, err)
	assert.True(t, following)

	followers, err := s.GetRemoteFollowers(ctx, local.ID)
	require.NoError(t, err)
	require.Len(t, followers, 1)
	assert.Equal(t, remote.ID, followers[0].ID)

	require.NoError(t, s.RemoveFollowing(ctx, &remote, &local))
	following, err = s.IsFollowing(ctx, remote.ID, local.ID)
	require.NoError(t, err)
	assert.False(t, following)
}

func TestContentLookups(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	author := makeProfile(t, s, "https://remote.example/bob", false)

	post := types.Content{
		FID:         "https://remote.example/posts/1",
		Text:        "hello",
		ContentType: types.ContentTypeContent,
		Visibility:  types.VisibilityPublic,
		AuthorID:    author.ID,
		Finger:      "bob@remote.example",
		RemoteURL:   "https://remote.example/p/1",
	}
	require.NoError(t, s.CreateContent(ctx, &post))

	byFID, err := s.GetContentByFID(ctx, post.FID)
	require.NoError(t, err)
	assert.Equal(t, post.ID, byFID.ID)
	assert.Equal(t, author.FID, byFID.Author.FID)

	bySecondary, err := s.GetContentByFingerAndRemoteURL(ctx, post.Finger, post.RemoteURL)
	require.NoError(t, err)
	assert.Equal(t, post.ID, bySecondary.ID)

	_, err = s.GetContentByFingerAndRemoteURL(ctx, "", post.RemoteURL)
	assert.True(t, IsNotFound(err))

	_, err = s.GetContentByFID(ctx, "")
	assert.True(t, IsNotFound(err))
}

func TestShareTargetExcludesShares(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	author := makeProfile(t, s, "https://remote.example/bob", false)

	post := types.Content{
		FID:         "https://remote.example/posts/1",
		ContentType: types.ContentTypeContent,
		AuthorID:    author.ID,
	}
	require.NoError(t, s.CreateContent(ctx, &post))

	share := types.Content{
		FID:         "https://remote.example/shares/1",
		ContentType: types.ContentTypeShare,
		AuthorID:    author.ID,
		ShareOfID:   &post.ID,
	}
	require.NoError(t, s.CreateContent(ctx, &share))

	found, err := s.GetShareTargetByFID(ctx, post.FID)
	require.NoError(t, err)
	assert.Equal(t, post.ID, found.ID)

	_, err = s.GetShareTargetByFID(ctx, share.FID)
	assert.True(t, IsNotFound(err))
}

func TestContentFIDUniqueness(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	author := makeProfile(t, s, "https://remote.example/bob", false)

	first := types.Content{FID: "https://remote.example/posts/1", AuthorID: author.ID}
	require.NoError(t, s.CreateContent(ctx, &first))

	dup := types.Content{FID: "https://remote.example/posts/1", AuthorID: author.ID}
	err := s.CreateContent(ctx, &dup)
	assert.True(t, IsDuplicateKey(err))
}

func TestMentions(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	author := makeProfile(t, s, "https://remote.example/bob", false)
	mentioned := makeProfile(t, s, "https://local.example/alice", true)

	post := types.Content{FID: "https://remote.example/posts/1", AuthorID: author.ID}
	require.NoError(t, s.CreateContent(ctx, &post))

	require.NoError(t, s.AddMention(ctx, &post, &mentioned))

	mentions, err := s.GetMentions(ctx, &post)
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	assert.Equal(t, mentioned.ID, mentions[0].ID)

	require.NoError(t, s.RemoveMention(ctx, &post, &mentioned))
	mentions, err = s.GetMentions(ctx, &post)
	require.NoError(t, err)
	assert.Empty(t, mentions)
}

func TestLimitedVisibilities(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	author := makeProfile(t, s, "https://remote.example/bob", false)
	one := makeProfile(t, s, "https://local.example/one", true)
	two := makeProfile(t, s, "https://local.example/two", true)

	post := types.Content{
		FID:        "https://remote.example/posts/1",
		AuthorID:   author.ID,
		Visibility: types.VisibilityLimited,
	}
	require.NoError(t, s.CreateContent(ctx, &post))

	require.NoError(t, s.ReplaceLimitedVisibilities(ctx, &post, []*types.Profile{&one}))

	audience, err := s.GetLimitedVisibilities(ctx, &post)
	require.NoError(t, err)
	require.Len(t, audience, 1)

	// Add unions, replace overwrites.
	require.NoError(t, s.AddLimitedVisibilities(ctx, &post, []*types.Profile{&two}))
	audience, err = s.GetLimitedVisibilities(ctx, &post)
	require.NoError(t, err)
	assert.Len(t, audience, 2)

	require.NoError(t, s.ReplaceLimitedVisibilities(ctx, &post, []*types.Profile{&two}))
	audience, err = s.GetLimitedVisibilities(ctx, &post)
	require.NoError(t, err)
	require.Len(t, audience, 1)
	assert.Equal(t, two.ID, audience[0].ID)
}

func TestRemoteRepliesAndShares(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	localAuthor := makeProfile(t, s, "https://local.example/alice", true)
	remoteAuthor := makeProfile(t, s, "https://remote.example/bob", false)

	root := types.Content{FID: "https://local.example/posts/1", AuthorID: localAuthor.ID, Local: true}
	require.NoError(t, s.CreateContent(ctx, &root))

	remoteReply := types.Content{
		FID:         "https://remote.example/replies/1",
		ContentType: types.ContentTypeReply,
		AuthorID:    remoteAuthor.ID,
		ParentID:    &root.ID,
	}
	require.NoError(t, s.CreateContent(ctx, &remoteReply))

	localReply := types.Content{
		FID:         "https://local.example/replies/1",
		ContentType: types.ContentTypeReply,
		AuthorID:    localAuthor.ID,
		ParentID:    &root.ID,
		Local:       true,
	}
	require.NoError(t, s.CreateContent(ctx, &localReply))

	remoteShare := types.Content{
		FID:         "https://remote.example/shares/1",
		ContentType: types.ContentTypeShare,
		AuthorID:    remoteAuthor.ID,
		ShareOfID:   &root.ID,
	}
	require.NoError(t, s.CreateContent(ctx, &remoteShare))

	replies, err := s.GetRemoteRepliesOf(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, remoteReply.ID, replies[0].ID)
	assert.Equal(t, remoteAuthor.FID, replies[0].Author.FID)

	shares, err := s.GetRemoteSharesOf(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, remoteShare.ID, shares[0].ID)
}

func TestDeleteContentClearsAssociations(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	author := makeProfile(t, s, "https://remote.example/bob", false)
	mentioned := makeProfile(t, s, "https://local.example/alice", true)

	post := types.Content{FID: "https://remote.example/posts/1", AuthorID: author.ID}
	require.NoError(t, s.CreateContent(ctx, &post))
	require.NoError(t, s.AddMention(ctx, &post, &mentioned))
	require.NoError(t, s.AddLimitedVisibilities(ctx, &post, []*types.Profile{&mentioned}))

	require.NoError(t, s.DeleteContent(ctx, &post))

	_, err := s.GetContentByFID(ctx, post.FID)
	assert.True(t, IsNotFound(err))
}

func TestActivityHistory(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	author := makeProfile(t, s, "https://local.example/alice", true)
	post := types.Content{FID: "https://local.example/posts/1", AuthorID: author.ID, Local: true}
	require.NoError(t, s.CreateContent(ctx, &post))

	_, err := s.GetLastActivityForContent(ctx, post.ID)
	assert.True(t, IsNotFound(err))

	require.NoError(t, s.CreateActivity(ctx, &types.Activity{
		Type:      types.ActivityCreate,
		ProfileID: author.ID,
		ContentID: &post.ID,
	}))
	require.NoError(t, s.CreateActivity(ctx, &types.Activity{
		Type:      types.ActivityUpdate,
		ProfileID: author.ID,
		ContentID: &post.ID,
	}))

	last, err := s.GetLastActivityForContent(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActivityUpdate, last.Type)
}
