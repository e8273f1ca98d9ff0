package types

import (
	"time"

	"github.com/lib/pq"
)

type ContentType string

const (
	ContentTypeContent ContentType = "content"
	ContentTypeReply   ContentType = "reply"
	ContentTypeShare   ContentType = "share"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityLimited Visibility = "limited"
	VisibilitySite    Visibility = "site"
	VisibilitySelf    Visibility = "self"
)

// Profile is a db model of a local or remote actor.
// A profile holding a private key is always local; remote profiles never do.
type Profile struct {
	ID             uint   `json:"id" gorm:"primaryKey"`
	FID            string `json:"fid" gorm:"column:fid;type:text;uniqueIndex:uniq_profile_fid,where:fid <> ''"`
	GUID           string `json:"guid" gorm:"column:guid;type:text;index"`
	Handle         string `json:"handle" gorm:"type:text;index"`
	Finger         string `json:"finger" gorm:"type:text;index"`
	Name           string `json:"name" gorm:"type:text"`
	RemoteURL      string `json:"remoteUrl" gorm:"type:text"`
	InboxPrivate   string `json:"inboxPrivate" gorm:"type:text"`
	InboxPublic    string `json:"inboxPublic" gorm:"type:text"`
	ImageURLLarge  string `json:"imageUrlLarge" gorm:"type:text"`
	ImageURLMedium string `json:"imageUrlMedium" gorm:"type:text"`
	ImageURLSmall  string `json:"imageUrlSmall" gorm:"type:text"`
	Location       string `json:"location" gorm:"type:text"`
	RSAPublicKey   string `json:"-" gorm:"column:rsa_public_key;type:text"`
	RSAPrivateKey  string `json:"-" gorm:"column:rsa_private_key;type:text"`
	Visibility     Visibility `json:"visibility" gorm:"type:text;default:'public'"`
	IsLocal        bool       `json:"isLocal" gorm:"index"`

	// Following holds the profiles this profile follows.
	Following []*Profile `json:"-" gorm:"many2many:profile_following"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Content is a db model of a post, a reply or a share.
// Exactly one of the three shapes holds: no parent and no share target,
// ParentID set (reply), or ShareOfID set (share).
type Content struct {
	ID          uint        `json:"id" gorm:"primaryKey"`
	FID         string      `json:"fid" gorm:"column:fid;type:text;uniqueIndex:uniq_content_fid,where:fid <> ''"`
	GUID        string      `json:"guid" gorm:"column:guid;type:text;index"`
	Text        string      `json:"text" gorm:"type:text"`
	ContentType ContentType `json:"contentType" gorm:"type:text;index"`
	Visibility  Visibility  `json:"visibility" gorm:"type:text;default:'public'"`

	AuthorID uint    `json:"authorId" gorm:"index"`
	Author   Profile `json:"author"`

	ParentID     *uint    `json:"parentId" gorm:"index"`
	Parent       *Content `json:"-"`
	RootParentID *uint    `json:"rootParentId" gorm:"index"`
	ShareOfID    *uint    `json:"shareOfId" gorm:"index"`
	ShareOf      *Content `json:"-"`

	// Secondary identity for platforms that rotate the fid while keeping
	// finger and remote url stable.
	Finger    string `json:"finger" gorm:"type:text;index:idx_content_finger_url"`
	RemoteURL string `json:"remoteUrl" gorm:"type:text;index:idx_content_finger_url"`

	// Local is derived from the author having a local account.
	Local bool `json:"local" gorm:"index"`

	// IncludeFollowing widens a limited audience with the author's
	// followers when the local author asked for it.
	IncludeFollowing bool `json:"includeFollowing"`

	// Receivers keeps the raw receiver fids of the inbound entity.
	Receivers pq.StringArray `json:"receivers" gorm:"type:text[]"`

	Mentions            []*Profile `json:"-" gorm:"many2many:content_mentions"`
	LimitedVisibilities []*Profile `json:"-" gorm:"many2many:content_limited_visibilities"`

	RemoteCreated time.Time `json:"remoteCreated"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type ActivityType string

const (
	ActivityCreate   ActivityType = "create"
	ActivityUpdate   ActivityType = "update"
	ActivityRetract  ActivityType = "retract"
	ActivityFollow   ActivityType = "follow"
	ActivityUnfollow ActivityType = "unfollow"
)

// Activity links a local mutation to the federation activity that
// announced it, so retraction addressing can find the last federated
// action on an object.
type Activity struct {
	ID        uint         `json:"id" gorm:"primaryKey"`
	FID       string       `json:"fid" gorm:"column:fid;type:text;index"`
	Type      ActivityType `json:"type" gorm:"type:text"`
	ProfileID uint         `json:"profileId" gorm:"index"`
	ContentID *uint        `json:"contentId" gorm:"index"`
	CreatedAt time.Time    `json:"createdAt"`
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// PayloadAudit is a write-only log row of a processed payload.
type PayloadAudit struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Direction string    `json:"direction" gorm:"type:text;index"`
	Protocol  string    `json:"protocol" gorm:"type:text"`
	Sender    string    `json:"sender" gorm:"type:text"`
	Body      string    `json:"body" gorm:"type:text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notification is persisted by the low priority notify job.
type Notification struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	ProfileID uint      `json:"profileId" gorm:"index"`
	Event     string    `json:"event" gorm:"type:text"`
	ActorFID  string    `json:"actorFid" gorm:"column:actor_fid;type:text"`
	ContentID *uint     `json:"contentId"`
	CreatedAt time.Time `json:"createdAt"`
}
