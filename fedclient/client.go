// Package fedclient is the production implementation of the codec
// boundary: httpsig-signed fetch and delivery over HTTP plus envelope
// verification and decoding.
package fedclient

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
	"github.com/totegamma/httpsig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/steadyfed/stead/codec"
	"github.com/steadyfed/stead/types"
)

var UserAgent = "Stead/1.0 (federation)"

var tracer = otel.Tracer("fedclient")

const profileCacheSeconds = 1800 // 30 minutes

// Client implements codec.Codec over HTTP.
type Client struct {
	mc     *memcache.Client
	config types.NodeConfig
}

func NewClient(mc *memcache.Client, config types.NodeConfig) *Client {
	return &Client{
		mc,
		config,
	}
}

func parsePrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the key")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, errors.Wrap(err, "failed to parse DER encoded private key")
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return rsaKey, nil
	}

	return priv, nil
}

// ParsePublicKey parses a PEM encoded RSA public key.
func ParsePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the key")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return rsaKey, nil
	}

	return x509.ParsePKCS1PublicKey(block.Bytes)
}

func (c Client) signRequest(req *http.Request, keyID, privPEM string, body []byte) error {
	priv, err := parsePrivateKey(privPEM)
	if err != nil {
		return err
	}

	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
	digestAlgorithm := httpsig.DigestSha256
	headersToSign := []string{httpsig.RequestTarget, "date", "host"}
	if body != nil {
		headersToSign = append(headersToSign, "digest")
	}
	signer, _, err := httpsig.NewSigner(prefs, digestAlgorithm, headersToSign, httpsig.Signature, 0)
	if err != nil {
		return err
	}
	return signer.SignRequest(priv, keyID, req, body)
}

func (c Client) getObject(ctx context.Context, target string) (*wireObj, error) {
	req, err := http.NewRequest("GET", target, nil)
	if err != nil {
		return nil, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Host", req.URL.Host)

	if c.config.SystemKeyPEM != "" {
		err = c.signRequest(req, c.config.SystemKeyID, c.config.SystemKeyPEM, nil)
		if err != nil {
			log.Println(err)
			return nil, err
		}
	}

	client := new(http.Client)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, errors.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return loadWireObj(body)
}

// FetchProfile fetches a remote profile, with a memcache-backed cache.
func (c Client) FetchProfile(ctx context.Context, id string) (*codec.Profile, error) {
	ctx, span := tracer.Start(ctx, "FetchProfile")
	defer span.End()

	// try cache
	cache, err := c.mc.Get(id)
	if err == nil {
		var profile codec.Profile
		if json.Unmarshal(cache.Value, &profile) == nil {
			return &profile, nil
		}
	}

	obj, err := c.getObject(ctx, id)
	if err != nil {
		return nil, err
	}

	profile := profileFromWire(obj)
	if profile.ID == "" {
		return nil, errors.New("remote document is not an actor")
	}

	profileBytes, err := json.Marshal(profile)
	if err == nil {
		c.mc.Set(&memcache.Item{
			Key:        id,
			Value:      profileBytes,
			Expiration: profileCacheSeconds,
		})
	}

	return profile, nil
}

// FetchContent fetches a remote post, comment or share by fid.
func (c Client) FetchContent(ctx context.Context, fid string) (codec.Entity, error) {
	ctx, span := tracer.Start(ctx, "FetchContent")
	defer span.End()

	obj, err := c.getObject(ctx, fid)
	if err != nil {
		return nil, err
	}

	return objectEntity(obj, obj.mustGetString("attributedTo"))
}

// Send converts the entity to its wire form and posts it to every
// recipient inbox. Per-recipient failures are logged, not surfaced.
func (c Client) Send(ctx context.Context, entity codec.Entity, author types.Profile, recipients []codec.Recipient, parentAuthor *types.Profile) error {
	ctx, span := tracer.Start(ctx, "Send")
	defer span.End()

	activity, err := wireActivity(entity, author, parentAuthor)
	if err != nil {
		return err
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return errors.Wrap(err, "json marshal error")
	}

	for _, recipient := range recipients {
		if recipient.Endpoint == "" {
			continue
		}
		err = c.postToInbox(ctx, recipient.Endpoint, body, author)
		if err != nil {
			log.Printf("fedclient send %s: %v", recipient.Endpoint, err)
		}
	}

	return nil
}

func (c Client) postToInbox(ctx context.Context, inbox string, body []byte, author types.Profile) error {
	req, err := http.NewRequest("POST", inbox, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	err = c.signRequest(req, author.FID+"#main-key", author.RSAPrivateKey, body)
	if err != nil {
		log.Println(err)
		return err
	}

	client := new(http.Client)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Println(err)
	}
	log.Printf("POST %s [%d]: %s", inbox, resp.StatusCode, string(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return errors.Errorf("error posting to inbox: %d", resp.StatusCode)
	}

	return nil
}

// fingerFor builds the user@host finger form from a preferred username
// and an actor url.
func fingerFor(preferredUsername, actorURL string) string {
	if preferredUsername == "" {
		return ""
	}
	u, err := url.Parse(actorURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(preferredUsername + "@" + u.Host)
}
