package fedclient

import (
	"time"

	"github.com/pkg/errors"

	"github.com/steadyfed/stead/codec"
	"github.com/steadyfed/stead/types"
)

const activityContext = "https://www.w3.org/ns/activitystreams"

// wireActivity converts an outbound entity to its activity document.
func wireActivity(entity codec.Entity, author types.Profile, parentAuthor *types.Profile) (map[string]any, error) {
	switch e := entity.(type) {
	case codec.Post:
		return map[string]any{
			"@context": activityContext,
			"type":     "Create",
			"id":       e.ID + "/activity",
			"actor":    author.FID,
			"to":       e.To,
			"cc":       e.CC,
			"object":   wireObject(e.ObjectCommon, ""),
		}, nil

	case codec.Comment:
		obj := wireObject(e.ObjectCommon, e.TargetID)
		activity := map[string]any{
			"@context": activityContext,
			"type":     "Create",
			"id":       e.ID + "/activity",
			"actor":    author.FID,
			"to":       e.To,
			"cc":       e.CC,
			"object":   obj,
		}
		return activity, nil

	case codec.Share:
		return map[string]any{
			"@context":  activityContext,
			"type":      "Announce",
			"id":        e.ID + "/activity",
			"actor":     author.FID,
			"to":        e.To,
			"cc":        e.CC,
			"object":    e.TargetID,
			"published": e.Created.Format(time.RFC3339),
		}, nil

	case codec.Retraction:
		return map[string]any{
			"@context": activityContext,
			"type":     "Delete",
			"id":       e.TargetID + "/delete",
			"actor":    author.FID,
			"object": map[string]any{
				"type": "Tombstone",
				"id":   e.TargetID,
			},
		}, nil

	case codec.Follow:
		follow := map[string]any{
			"@context": activityContext,
			"type":     "Follow",
			"id":       author.FID + "/follows/" + e.TargetID,
			"actor":    author.FID,
			"object":   e.TargetID,
		}
		if e.Following {
			return follow, nil
		}
		delete(follow, "@context")
		return map[string]any{
			"@context": activityContext,
			"type":     "Undo",
			"id":       author.FID + "/follows/" + e.TargetID + "/undo",
			"actor":    author.FID,
			"object":   follow,
		}, nil

	case *codec.Profile:
		return map[string]any{
			"@context": activityContext,
			"type":     "Update",
			"id":       e.ID + "#updates/" + time.Now().UTC().Format("20060102150405"),
			"actor":    author.FID,
			"to":       []string{codec.PublicNamespace},
			"object":   wirePerson(e),
		}, nil
	}

	return nil, errors.Errorf("fedclient: cannot encode entity kind %q", entity.Kind())
}

func wireObject(common codec.ObjectCommon, inReplyTo string) map[string]any {
	obj := map[string]any{
		"type":         "Note",
		"id":           common.ID,
		"attributedTo": common.Actor,
		"content":      common.Body,
		"published":    common.Created.Format(time.RFC3339),
		"to":           common.To,
		"cc":           common.CC,
	}
	if inReplyTo != "" {
		obj["inReplyTo"] = inReplyTo
	}

	var tags []map[string]any
	for _, mention := range common.Mentions {
		tags = append(tags, map[string]any{
			"type": "Mention",
			"href": mention,
		})
	}
	if tags != nil {
		obj["tag"] = tags
	}

	var attachments []map[string]any
	for _, media := range common.Media {
		attachments = append(attachments, map[string]any{
			"type":      wireMediaType(media.Kind),
			"url":       media.URL,
			"name":      media.Name,
			"mediaType": wireMediaMIME(media.Kind),
		})
	}
	if attachments != nil {
		obj["attachment"] = attachments
	}

	return obj
}

func wireMediaType(kind codec.MediaKind) string {
	switch kind {
	case codec.MediaAudio:
		return "Audio"
	case codec.MediaVideo:
		return "Video"
	}
	return "Image"
}

func wireMediaMIME(kind codec.MediaKind) string {
	switch kind {
	case codec.MediaAudio:
		return "audio/mpeg"
	case codec.MediaVideo:
		return "video/mp4"
	}
	return "image/png"
}

func wirePerson(profile *codec.Profile) map[string]any {
	person := map[string]any{
		"type":      "Person",
		"id":        profile.ID,
		"name":      profile.Name,
		"url":       profile.RemoteURL,
		"inbox":     profile.InboxPrivate,
		"endpoints": map[string]any{"sharedInbox": profile.InboxPublic},
	}
	if profile.PublicKey != "" {
		person["publicKey"] = map[string]any{
			"id":           profile.ID + "#main-key",
			"owner":        profile.ID,
			"publicKeyPem": profile.PublicKey,
		}
	}
	if profile.ImageURLLarge != "" {
		person["icon"] = map[string]any{
			"type":      "Image",
			"mediaType": "image/png",
			"url":       profile.ImageURLLarge,
		}
	}
	return person
}
