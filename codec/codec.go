// Package codec defines the boundary contract between the federation
// pipeline and the wire protocol implementation. The pipeline only ever
// sees typed, authenticated entities; parsing and signature work happen
// behind the Codec interface.
package codec

import (
	"context"
	"crypto/rsa"
	"net/http"

	"github.com/pkg/errors"

	"github.com/steadyfed/stead/types"
)

// PublicNamespace is the public addressing pseudo-recipient.
const PublicNamespace = "https://www.w3.org/ns/activitystreams#Public"

var (
	ErrUnsupportedFormat = errors.New("codec: unsupported payload format")
	ErrNoVerificationKey = errors.New("codec: no verification key found")
	ErrInvalidSignature  = errors.New("codec: invalid signature")
)

// KeyFetcher resolves a signature key id to a public key. The federation
// sender resolver doubles as the production implementation.
type KeyFetcher func(ctx context.Context, keyID string) (*rsa.PublicKey, error)

// Envelope is the serializable capture of one inbound request: enough of
// the original HTTP exchange to verify its signature later, off-request.
type Envelope struct {
	Method string      `json:"method"`
	Target string      `json:"target"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// Payload is the decoded, authenticated result of one envelope.
type Payload struct {
	Sender   string
	Protocol string
	Entities []Entity
}

// Recipient is one delivery destination. PublicKey and FID are empty for
// public delivery; private delivery carries the full tuple.
type Recipient struct {
	Endpoint  string `json:"endpoint"`
	PublicKey string `json:"publicKey,omitempty"`
	FID       string `json:"fid,omitempty"`
}

// Codec is the wire protocol boundary consumed by the pipeline.
type Codec interface {
	// DecodeAndAuthenticate verifies the envelope through fetchKey and
	// yields typed entities. Fails with ErrUnsupportedFormat,
	// ErrNoVerificationKey or ErrInvalidSignature.
	DecodeAndAuthenticate(ctx context.Context, env Envelope, fetchKey KeyFetcher) (*Payload, error)

	// Send delivers an entity to each recipient on behalf of the local
	// author. Delivery is fire and forget; per-recipient failures are
	// not surfaced. parentAuthor is an addressing hint for protocols
	// that relay replies through the parent's author, may be nil.
	Send(ctx context.Context, entity Entity, author types.Profile, recipients []Recipient, parentAuthor *types.Profile) error

	// FetchContent retrieves a remote post, comment or share by fid.
	FetchContent(ctx context.Context, fid string) (Entity, error)

	// FetchProfile retrieves a remote profile by fid or handle.
	FetchProfile(ctx context.Context, id string) (*Profile, error)
}
