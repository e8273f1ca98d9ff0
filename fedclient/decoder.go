package fedclient

import (
	"bytes"
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/totegamma/httpsig"

	"github.com/steadyfed/stead/codec"
)

// DecodeAndAuthenticate verifies the envelope signature through fetchKey
// and maps the activity document to typed entities.
func (c Client) DecodeAndAuthenticate(ctx context.Context, env codec.Envelope, fetchKey codec.KeyFetcher) (*codec.Payload, error) {
	ctx, span := tracer.Start(ctx, "DecodeAndAuthenticate")
	defer span.End()

	obj, err := loadWireObj(env.Body)
	if err != nil {
		return nil, errors.Wrap(codec.ErrUnsupportedFormat, err.Error())
	}

	sender := obj.mustGetString("actor")
	if sender == "" {
		sender = obj.mustGetString("attributedTo")
	}
	if sender == "" {
		return nil, errors.Wrap(codec.ErrUnsupportedFormat, "no actor")
	}

	err = c.verifyEnvelope(ctx, env, fetchKey)
	if err != nil {
		return nil, err
	}

	entities, err := activityEntities(obj)
	if err != nil {
		return nil, err
	}

	return &codec.Payload{
		Sender:   sender,
		Protocol: "activitypub",
		Entities: entities,
	}, nil
}

// verifyEnvelope rebuilds the original request from the captured method,
// target and headers and checks its http signature.
func (c Client) verifyEnvelope(ctx context.Context, env codec.Envelope, fetchKey codec.KeyFetcher) error {
	req, err := http.NewRequest(env.Method, "https://"+env.Header.Get("Host")+env.Target, bytes.NewReader(env.Body))
	if err != nil {
		return errors.Wrap(codec.ErrUnsupportedFormat, err.Error())
	}
	req.Header = env.Header.Clone()

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return errors.Wrap(codec.ErrInvalidSignature, err.Error())
	}

	key, err := fetchKey(ctx, verifier.KeyId())
	if err != nil || key == nil {
		return errors.Wrap(codec.ErrNoVerificationKey, verifier.KeyId())
	}

	err = verifier.Verify(key, httpsig.RSA_SHA256)
	if err != nil {
		return errors.Wrap(codec.ErrInvalidSignature, err.Error())
	}

	return nil
}

// activityEntities maps a decoded activity to the closed entity set.
func activityEntities(obj *wireObj) ([]codec.Entity, error) {
	actor := obj.mustGetString("actor")

	switch obj.mustGetString("type") {
	case "Create", "Update":
		inner, ok := obj.getObj("object")
		if !ok {
			return nil, errors.Wrap(codec.ErrUnsupportedFormat, "missing activity object")
		}
		switch inner.mustGetString("type") {
		case "Person", "Service", "Application":
			return []codec.Entity{profileFromWire(inner)}, nil
		case "Note", "Article", "Page":
			entity, err := objectEntity(inner, actor)
			if err != nil {
				return nil, err
			}
			return []codec.Entity{entity}, nil
		}
		return nil, errors.Wrapf(codec.ErrUnsupportedFormat, "object type %q", inner.mustGetString("type"))

	case "Announce":
		targetID := obj.mustGetString("object")
		if targetID == "" {
			targetID = obj.mustGetString("object.id")
		}
		share := codec.Share{
			ObjectCommon: objectCommon(obj, actor),
			TargetID:     targetID,
		}
		return []codec.Entity{share}, nil

	case "Delete":
		targetID := obj.mustGetString("object")
		if targetID == "" {
			targetID = obj.mustGetString("object.id")
		}
		if targetID == "" {
			return nil, errors.Wrap(codec.ErrUnsupportedFormat, "delete without target")
		}
		return []codec.Entity{codec.Retraction{Actor: actor, TargetID: targetID}}, nil

	case "Follow":
		return []codec.Entity{codec.Follow{
			Actor:     actor,
			TargetID:  obj.mustGetString("object"),
			Following: true,
		}}, nil

	case "Undo":
		inner, ok := obj.getObj("object")
		if !ok {
			return nil, errors.Wrap(codec.ErrUnsupportedFormat, "undo without object")
		}
		switch inner.mustGetString("type") {
		case "Follow":
			return []codec.Entity{codec.Follow{
				Actor:     actor,
				TargetID:  inner.mustGetString("object"),
				Following: false,
			}}, nil
		case "Announce":
			return []codec.Entity{codec.Retraction{
				Actor:      actor,
				TargetID:   inner.mustGetString("id"),
				TargetKind: codec.KindShare,
			}}, nil
		}
		return nil, errors.Wrapf(codec.ErrUnsupportedFormat, "undo of %q", inner.mustGetString("type"))

	case "Person", "Service", "Application":
		return []codec.Entity{profileFromWire(obj)}, nil
	}

	return nil, errors.Wrapf(codec.ErrUnsupportedFormat, "activity type %q", obj.mustGetString("type"))
}

// objectEntity maps a Note-like object to a post or a comment.
func objectEntity(obj *wireObj, actor string) (codec.Entity, error) {
	common := objectCommon(obj, actor)
	if common.ID == "" {
		return nil, errors.Wrap(codec.ErrUnsupportedFormat, "object without id")
	}

	if target := obj.mustGetString("inReplyTo"); target != "" {
		return codec.Comment{
			ObjectCommon: common,
			TargetID:     target,
			RootTargetID: obj.mustGetString("rootInReplyTo"),
		}, nil
	}
	return codec.Post{ObjectCommon: common}, nil
}

func objectCommon(obj *wireObj, actor string) codec.ObjectCommon {
	if a := obj.mustGetString("attributedTo"); a != "" {
		actor = a
	}

	body := obj.mustGetString("content")
	if body != "" {
		if converted, err := htmlToMarkdown(body); err == nil {
			body = converted
		}
	}

	created, err := time.Parse(time.RFC3339, obj.mustGetString("published"))
	if err != nil {
		created = time.Now()
	}

	to := obj.getStringSlice("to")
	cc := obj.getStringSlice("cc")

	common := codec.ObjectCommon{
		ID:        obj.mustGetString("id"),
		Actor:     actor,
		GUID:      obj.mustGetString("guid"),
		Handle:    obj.mustGetString("handle"),
		Finger:    obj.mustGetString("finger"),
		RemoteURL: obj.mustGetString("url"),
		Body:      body,
		Public:    slices.Contains(to, codec.PublicNamespace) || slices.Contains(cc, codec.PublicNamespace),
		Created:   created,
		To:        to,
		CC:        cc,
	}

	for _, addr := range append(append([]string{}, to...), cc...) {
		if addr == codec.PublicNamespace {
			continue
		}
		variant := codec.ReceiverActor
		if strings.HasSuffix(addr, "/followers") {
			variant = codec.ReceiverFollowers
		}
		common.Receivers = append(common.Receivers, codec.Receiver{ID: addr, Variant: variant})
	}

	for _, tag := range obj.getObjSlice("tag") {
		if tag.mustGetString("type") == "Mention" && tag.mustGetString("href") != "" {
			common.Mentions = append(common.Mentions, tag.mustGetString("href"))
		}
	}

	for _, attachment := range obj.getObjSlice("attachment") {
		media, ok := mediaFromWire(attachment)
		if ok {
			common.Media = append(common.Media, media)
		}
	}

	return common
}

func mediaFromWire(obj *wireObj) (codec.Media, bool) {
	url := obj.mustGetString("url")
	if url == "" {
		return codec.Media{}, false
	}

	mediaType := obj.mustGetString("mediaType")
	var kind codec.MediaKind
	switch {
	case strings.HasPrefix(mediaType, "image/"), obj.mustGetString("type") == "Image":
		kind = codec.MediaImage
	case strings.HasPrefix(mediaType, "audio/"), obj.mustGetString("type") == "Audio":
		kind = codec.MediaAudio
	case strings.HasPrefix(mediaType, "video/"), obj.mustGetString("type") == "Video":
		kind = codec.MediaVideo
	case obj.mustGetString("type") == "Document":
		kind = codec.MediaImage
	default:
		return codec.Media{}, false
	}

	return codec.Media{
		Kind: kind,
		URL:  url,
		Name: obj.mustGetString("name"),
	}, true
}

func profileFromWire(obj *wireObj) *codec.Profile {
	id := obj.mustGetString("id")
	name := obj.mustGetString("name")
	if name == "" {
		name = obj.mustGetString("preferredUsername")
	}
	finger := fingerFor(obj.mustGetString("preferredUsername"), id)

	icon := obj.mustGetString("icon.url")

	return &codec.Profile{
		ID:             id,
		GUID:           obj.mustGetString("guid"),
		Handle:         finger,
		Finger:         finger,
		Name:           name,
		RemoteURL:      obj.mustGetString("url"),
		ImageURLLarge:  icon,
		ImageURLMedium: icon,
		ImageURLSmall:  icon,
		Location:       obj.mustGetString("vcard:Address"),
		PublicKey:      obj.mustGetString("publicKey.publicKeyPem"),
		InboxPrivate:   obj.mustGetString("inbox"),
		InboxPublic:    obj.mustGetString("endpoints.sharedInbox"),
		Public:         true,
	}
}
