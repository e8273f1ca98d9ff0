package fedclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steadyfed/stead/codec"
	"github.com/steadyfed/stead/types"
)

var testAuthor = types.Profile{
	FID:     "https://local.example/alice",
	IsLocal: true,
}

func TestWireActivityPost(t *testing.T) {
	post := codec.Post{ObjectCommon: codec.ObjectCommon{
		ID:      "https://local.example/posts/1",
		Actor:   testAuthor.FID,
		Body:    "hello",
		Public:  true,
		Created: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		To:      []string{codec.PublicNamespace},
		CC:      []string{testAuthor.FID + "/followers"},
		Media: []codec.Media{
			{Kind: codec.MediaImage, URL: "https://local.example/pic.png", Name: "pic"},
		},
		Mentions: []string{"https://remote.example/bob"},
	}}

	activity, err := wireActivity(post, testAuthor, nil)
	require.NoError(t, err)
	assert.Equal(t, "Create", activity["type"])
	assert.Equal(t, testAuthor.FID, activity["actor"])
	assert.Equal(t, []string{codec.PublicNamespace}, activity["to"])

	obj, ok := activity["object"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Note", obj["type"])
	assert.Equal(t, post.ID, obj["id"])
	assert.Equal(t, "hello", obj["content"])
	assert.Nil(t, obj["inReplyTo"])

	tags, ok := obj["tag"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, tags, 1)
	assert.Equal(t, "Mention", tags[0]["type"])

	attachments, ok := obj["attachment"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, attachments, 1)
	assert.Equal(t, "Image", attachments[0]["type"])
}

func TestWireActivityComment(t *testing.T) {
	comment := codec.Comment{
		ObjectCommon: codec.ObjectCommon{
			ID:    "https://local.example/replies/1",
			Actor: testAuthor.FID,
			Body:  "a reply",
		},
		TargetID: "https://remote.example/posts/1",
	}

	activity, err := wireActivity(comment, testAuthor, nil)
	require.NoError(t, err)

	obj := activity["object"].(map[string]any)
	assert.Equal(t, comment.TargetID, obj["inReplyTo"])
}

func TestWireActivityShare(t *testing.T) {
	share := codec.Share{
		ObjectCommon: codec.ObjectCommon{
			ID:    "https://local.example/shares/1",
			Actor: testAuthor.FID,
		},
		TargetID: "https://remote.example/posts/1",
	}

	activity, err := wireActivity(share, testAuthor, nil)
	require.NoError(t, err)
	assert.Equal(t, "Announce", activity["type"])
	assert.Equal(t, share.TargetID, activity["object"])
}

func TestWireActivityRetraction(t *testing.T) {
	retraction := codec.Retraction{
		Actor:    testAuthor.FID,
		TargetID: "https://local.example/posts/1",
	}

	activity, err := wireActivity(retraction, testAuthor, nil)
	require.NoError(t, err)
	assert.Equal(t, "Delete", activity["type"])

	obj := activity["object"].(map[string]any)
	assert.Equal(t, "Tombstone", obj["type"])
	assert.Equal(t, retraction.TargetID, obj["id"])
}

func TestWireActivityFollowAndUndo(t *testing.T) {
	follow := codec.Follow{
		Actor:     testAuthor.FID,
		TargetID:  "https://remote.example/bob",
		Following: true,
	}

	activity, err := wireActivity(follow, testAuthor, nil)
	require.NoError(t, err)
	assert.Equal(t, "Follow", activity["type"])
	assert.Equal(t, follow.TargetID, activity["object"])

	follow.Following = false
	activity, err = wireActivity(follow, testAuthor, nil)
	require.NoError(t, err)
	assert.Equal(t, "Undo", activity["type"])

	inner := activity["object"].(map[string]any)
	assert.Equal(t, "Follow", inner["type"])
	assert.Equal(t, follow.TargetID, inner["object"])
}

func TestWireActivityProfile(t *testing.T) {
	profile := &codec.Profile{
		ID:            testAuthor.FID,
		Name:          "Alice",
		PublicKey:     "PEM",
		InboxPrivate:  testAuthor.FID + "/inbox",
		InboxPublic:   "https://local.example/inbox",
		ImageURLLarge: "https://local.example/avatar.png",
	}

	activity, err := wireActivity(profile, testAuthor, nil)
	require.NoError(t, err)
	assert.Equal(t, "Update", activity["type"])

	person := activity["object"].(map[string]any)
	assert.Equal(t, "Person", person["type"])
	assert.Equal(t, "Alice", person["name"])

	key := person["publicKey"].(map[string]any)
	assert.Equal(t, "PEM", key["publicKeyPem"])
	assert.Equal(t, testAuthor.FID+"#main-key", key["id"])
}
