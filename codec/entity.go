package codec

import "time"

type Kind string

const (
	KindPost       Kind = "post"
	KindComment    Kind = "comment"
	KindShare      Kind = "share"
	KindRetraction Kind = "retraction"
	KindFollow     Kind = "follow"
	KindProfile    Kind = "profile"
)

// Entity is the closed set of decoded protocol entities. Every variant
// reports the actor it claims to originate from.
type Entity interface {
	Kind() Kind
	ActorID() string
}

type ReceiverVariant string

const (
	ReceiverActor     ReceiverVariant = "actor"
	ReceiverFollowers ReceiverVariant = "followers"
)

// Receiver is one addressee of an inbound entity.
type Receiver struct {
	ID      string          `json:"id"`
	Variant ReceiverVariant `json:"variant"`
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Media is an attached media child of a post or comment.
type Media struct {
	Kind MediaKind `json:"kind"`
	URL  string    `json:"url"`
	Name string    `json:"name,omitempty"`
}

// ObjectCommon carries the fields shared by posts, comments and shares.
type ObjectCommon struct {
	ID        string     `json:"id"`
	Actor     string     `json:"actor"`
	GUID      string     `json:"guid,omitempty"`
	Handle    string     `json:"handle,omitempty"`
	Finger    string     `json:"finger,omitempty"`
	RemoteURL string     `json:"remoteUrl,omitempty"`
	Body      string     `json:"body,omitempty"`
	Public    bool       `json:"public"`
	Created   time.Time  `json:"created"`
	Media     []Media    `json:"media,omitempty"`
	Mentions  []string   `json:"mentions,omitempty"`
	Receivers []Receiver `json:"receivers,omitempty"`

	// To and CC carry the computed wire addressing on outbound
	// entities; inbound consumers use Receivers instead.
	To []string `json:"to,omitempty"`
	CC []string `json:"cc,omitempty"`
}

func (o ObjectCommon) ActorID() string { return o.Actor }

type Post struct {
	ObjectCommon
}

func (Post) Kind() Kind { return KindPost }

type Comment struct {
	ObjectCommon

	// TargetID is the fid of the parent, RootTargetID the top of the
	// reply chain when the producer knows it.
	TargetID     string `json:"targetId"`
	RootTargetID string `json:"rootTargetId,omitempty"`
}

func (Comment) Kind() Kind { return KindComment }

type Share struct {
	ObjectCommon

	// TargetID is the fid of the shared content.
	TargetID string `json:"targetId"`
}

func (Share) Kind() Kind { return KindShare }

// Retraction asks for the removal of a previously federated object.
type Retraction struct {
	Actor    string `json:"actor"`
	TargetID string `json:"targetId"`

	// TargetKind is what the producer believes it retracts; only
	// post, comment, share and the empty generic value are honored.
	TargetKind Kind `json:"targetKind,omitempty"`
}

func (Retraction) Kind() Kind        { return KindRetraction }
func (r Retraction) ActorID() string { return r.Actor }

type Follow struct {
	Actor    string `json:"actor"`
	TargetID string `json:"targetId"`

	// Following is false for an unfollow.
	Following bool `json:"following"`
}

func (Follow) Kind() Kind        { return KindFollow }
func (f Follow) ActorID() string { return f.Actor }

// Profile is a full remote profile representation; consumers replace
// their stored attributes from it rather than patching.
type Profile struct {
	ID             string `json:"id"`
	GUID           string `json:"guid,omitempty"`
	Handle         string `json:"handle,omitempty"`
	Finger         string `json:"finger,omitempty"`
	Name           string `json:"name,omitempty"`
	RemoteURL      string `json:"remoteUrl,omitempty"`
	ImageURLLarge  string `json:"imageUrlLarge,omitempty"`
	ImageURLMedium string `json:"imageUrlMedium,omitempty"`
	ImageURLSmall  string `json:"imageUrlSmall,omitempty"`
	Location       string `json:"location,omitempty"`
	PublicKey      string `json:"publicKey,omitempty"`
	InboxPrivate   string `json:"inboxPrivate,omitempty"`
	InboxPublic    string `json:"inboxPublic,omitempty"`
	Public         bool   `json:"public"`
}

func (Profile) Kind() Kind        { return KindProfile }
func (p Profile) ActorID() string { return p.ID }
