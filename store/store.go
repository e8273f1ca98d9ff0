package store

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/steadyfed/stead/types"
)

var tracer = otel.Tracer("store")

// Store is the repository for federation state.
type Store struct {
	db *gorm.DB
}

// NewStore returns a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// IsDuplicateKey reports whether err is an identifier uniqueness
// conflict. Requires gorm's TranslateError to be enabled.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// IsNotFound reports whether err is a missing-row result.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// ---------------------------------------------------------------------
// profiles

// GetProfileByID returns a profile by primary key.
func (s *Store) GetProfileByID(ctx context.Context, id uint) (types.Profile, error) {
	ctx, span := tracer.Start(ctx, "StoreGetProfileByID")
	defer span.End()

	var profile types.Profile
	result := s.db.WithContext(ctx).First(&profile, id)
	return profile, result.Error
}

// GetProfileByFID returns a profile by federation identifier.
func (s *Store) GetProfileByFID(ctx context.Context, fid string) (types.Profile, error) {
	ctx, span := tracer.Start(ctx, "StoreGetProfileByFID")
	defer span.End()

	var profile types.Profile
	result := s.db.WithContext(ctx).Where("fid = ? AND fid <> ''", fid).First(&profile)
	return profile, result.Error
}

// GetProfileByAnyIdentifier returns a profile matching fid, guid, handle
// or finger.
func (s *Store) GetProfileByAnyIdentifier(ctx context.Context, id string) (types.Profile, error) {
	ctx, span := tracer.Start(ctx, "StoreGetProfileByAnyIdentifier")
	defer span.End()

	if id == "" {
		return types.Profile{}, gorm.ErrRecordNotFound
	}

	var profile types.Profile
	result := s.db.WithContext(ctx).
		Where("fid = ? OR guid = ? OR handle = ? OR finger = ?", id, id, id, id).
		First(&profile)
	return profile, result.Error
}

// GetKeyedProfileByIdentifier is GetProfileByAnyIdentifier restricted to
// profiles with a known public key, the only ones a signature can be
// attributed to.
func (s *Store) GetKeyedProfileByIdentifier(ctx context.Context, id string) (types.Profile, error) {
	ctx, span := tracer.Start(ctx, "StoreGetKeyedProfileByIdentifier")
	defer span.End()

	if id == "" {
		return types.Profile{}, gorm.ErrRecordNotFound
	}

	var profile types.Profile
	result := s.db.WithContext(ctx).
		Where("(fid = ? OR guid = ? OR handle = ? OR finger = ?) AND rsa_public_key <> ''", id, id, id, id).
		First(&profile)
	return profile, result.Error
}

// CreateProfile creates a profile.
func (s *Store) CreateProfile(ctx context.Context, profile *types.Profile) error {
	ctx, span := tracer.Start(ctx, "StoreCreateProfile")
	defer span.End()

	return s.db.WithContext(ctx).Create(profile).Error
}

// SaveProfile updates a profile in place.
func (s *Store) SaveProfile(ctx context.Context, profile *types.Profile) error {
	ctx, span := tracer.Start(ctx, "StoreSaveProfile")
	defer span.End()

	return s.db.WithContext(ctx).Omit("Following").Save(profile).Error
}

// AddFollowing records that follower now follows followed.
func (s *Store) AddFollowing(ctx context.Context, follower, followed *types.Profile) error {
	ctx, span := tracer.Start(ctx, "StoreAddFollowing")
	defer span.End()

	return s.db.WithContext(ctx).Model(follower).Association("Following").Append(followed)
}

// RemoveFollowing removes followed from follower's following set.
func (s *Store) RemoveFollowing(ctx context.Context, follower, followed *types.Profile) error {
	ctx, span := tracer.Start(ctx, "StoreRemoveFollowing")
	defer span.End()

	return s.db.WithContext(ctx).Model(follower).Association("Following").Delete(followed)
}

// GetRemoteFollowers returns the remote profiles following the given
// profile.
func (s *Store) GetRemoteFollowers(ctx context.Context, profileID uint) ([]types.Profile, error) {
	ctx, span := tracer.Start(ctx, "StoreGetRemoteFollowers")
	defer span.End()

	var followers []types.Profile
	err := s.db.WithContext(ctx).
		Joins("JOIN profile_following pf ON pf.profile_id = profiles.id").
		Where("pf.following_id = ? AND profiles.is_local = ?", profileID, false).
		Find(&followers).Error
	return followers, err
}

// IsFollowing reports whether follower follows followed.
func (s *Store) IsFollowing(ctx context.Context, followerID, followedID uint) (bool, error) {
	ctx, span := tracer.Start(ctx, "StoreIsFollowing")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).Table("profile_following").
		Where("profile_id = ? AND following_id = ?", followerID, followedID).
		Count(&count).Error
	return count > 0, err
}

// ---------------------------------------------------------------------
// content

// GetContentByID returns content by primary key, with author and parent
// preloaded.
func (s *Store) GetContentByID(ctx context.Context, id uint) (types.Content, error) {
	ctx, span := tracer.Start(ctx, "StoreGetContentByID")
	defer span.End()

	var content types.Content
	result := s.db.WithContext(ctx).
		Preload("Author").Preload("Parent").Preload("Parent.Author").Preload("ShareOf").Preload("ShareOf.Author").
		First(&content, id)
	return content, result.Error
}

// GetContentByFID returns content by federation identifier.
func (s *Store) GetContentByFID(ctx context.Context, fid string) (types.Content, error) {
	ctx, span := tracer.Start(ctx, "StoreGetContentByFID")
	defer span.End()

	if fid == "" {
		return types.Content{}, gorm.ErrRecordNotFound
	}

	var content types.Content
	result := s.db.WithContext(ctx).
		Preload("Author").Preload("Parent").Preload("Parent.Author").Preload("ShareOf").Preload("ShareOf.Author").
		Where("fid = ?", fid).First(&content)
	return content, result.Error
}

// GetShareTargetByFID returns content by fid excluding shares, which can
// not themselves be share targets.
func (s *Store) GetShareTargetByFID(ctx context.Context, fid string) (types.Content, error) {
	ctx, span := tracer.Start(ctx, "StoreGetShareTargetByFID")
	defer span.End()

	if fid == "" {
		return types.Content{}, gorm.ErrRecordNotFound
	}

	var content types.Content
	result := s.db.WithContext(ctx).Preload("Author").
		Where("fid = ? AND content_type <> ?", fid, types.ContentTypeShare).
		First(&content)
	return content, result.Error
}

// GetContentByFingerAndRemoteURL is the secondary identity match for
// platforms that rotate fids.
func (s *Store) GetContentByFingerAndRemoteURL(ctx context.Context, finger, remoteURL string) (types.Content, error) {
	ctx, span := tracer.Start(ctx, "StoreGetContentByFingerAndRemoteURL")
	defer span.End()

	if finger == "" || remoteURL == "" {
		return types.Content{}, gorm.ErrRecordNotFound
	}

	var content types.Content
	result := s.db.WithContext(ctx).Preload("Author").Preload("Parent").
		Where("finger = ? AND remote_url = ?", finger, remoteURL).
		First(&content)
	return content, result.Error
}

// CreateContent creates content. A duplicate-key error here is the
// concurrent-creation race; callers refetch the winning row.
func (s *Store) CreateContent(ctx context.Context, content *types.Content) error {
	ctx, span := tracer.Start(ctx, "StoreCreateContent")
	defer span.End()

	return s.db.WithContext(ctx).Omit("Author", "Parent", "ShareOf", "Mentions", "LimitedVisibilities").Create(content).Error
}

// SaveContent updates content in place.
func (s *Store) SaveContent(ctx context.Context, content *types.Content) error {
	ctx, span := tracer.Start(ctx, "StoreSaveContent")
	defer span.End()

	return s.db.WithContext(ctx).Omit("Author", "Parent", "ShareOf", "Mentions", "LimitedVisibilities").Save(content).Error
}

// DeleteContent removes content and its association rows.
func (s *Store) DeleteContent(ctx context.Context, content *types.Content) error {
	ctx, span := tracer.Start(ctx, "StoreDeleteContent")
	defer span.End()

	err := s.db.WithContext(ctx).Model(content).Association("Mentions").Clear()
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Model(content).Association("LimitedVisibilities").Clear()
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(content).Error
}

// GetMentions returns the stored mention set of a content row.
func (s *Store) GetMentions(ctx context.Context, content *types.Content) ([]types.Profile, error) {
	ctx, span := tracer.Start(ctx, "StoreGetMentions")
	defer span.End()

	var mentions []types.Profile
	err := s.db.WithContext(ctx).Model(content).Association("Mentions").Find(&mentions)
	return mentions, err
}

// AddMention adds one profile to the mention set.
func (s *Store) AddMention(ctx context.Context, content *types.Content, profile *types.Profile) error {
	ctx, span := tracer.Start(ctx, "StoreAddMention")
	defer span.End()

	return s.db.WithContext(ctx).Model(content).Association("Mentions").Append(profile)
}

// RemoveMention removes one profile from the mention set.
func (s *Store) RemoveMention(ctx context.Context, content *types.Content, profile *types.Profile) error {
	ctx, span := tracer.Start(ctx, "StoreRemoveMention")
	defer span.End()

	return s.db.WithContext(ctx).Model(content).Association("Mentions").Delete(profile)
}

// GetLimitedVisibilities returns the limited-audience recipient set.
func (s *Store) GetLimitedVisibilities(ctx context.Context, content *types.Content) ([]types.Profile, error) {
	ctx, span := tracer.Start(ctx, "StoreGetLimitedVisibilities")
	defer span.End()

	var profiles []types.Profile
	err := s.db.WithContext(ctx).Model(content).Association("LimitedVisibilities").Find(&profiles)
	return profiles, err
}

// ReplaceLimitedVisibilities replaces the limited-audience set.
func (s *Store) ReplaceLimitedVisibilities(ctx context.Context, content *types.Content, profiles []*types.Profile) error {
	ctx, span := tracer.Start(ctx, "StoreReplaceLimitedVisibilities")
	defer span.End()

	return s.db.WithContext(ctx).Model(content).Association("LimitedVisibilities").Replace(profiles)
}

// AddLimitedVisibilities unions profiles into the limited-audience set.
func (s *Store) AddLimitedVisibilities(ctx context.Context, content *types.Content, profiles []*types.Profile) error {
	ctx, span := tracer.Start(ctx, "StoreAddLimitedVisibilities")
	defer span.End()

	if len(profiles) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(content).Association("LimitedVisibilities").Append(profiles)
}

// GetRemoteRepliesOf returns the remote-authored direct replies of a
// content row, with authors preloaded.
func (s *Store) GetRemoteRepliesOf(ctx context.Context, contentID uint) ([]types.Content, error) {
	ctx, span := tracer.Start(ctx, "StoreGetRemoteRepliesOf")
	defer span.End()

	var replies []types.Content
	err := s.db.WithContext(ctx).Preload("Author").
		Where("parent_id = ? AND local = ?", contentID, false).
		Find(&replies).Error
	return replies, err
}

// GetRemoteSharesOf returns the remote-authored shares of a content row,
// with authors preloaded.
func (s *Store) GetRemoteSharesOf(ctx context.Context, contentID uint) ([]types.Content, error) {
	ctx, span := tracer.Start(ctx, "StoreGetRemoteSharesOf")
	defer span.End()

	var shares []types.Content
	err := s.db.WithContext(ctx).Preload("Author").
		Where("share_of_id = ? AND local = ?", contentID, false).
		Find(&shares).Error
	return shares, err
}

// ---------------------------------------------------------------------
// activities, audits, notifications

// CreateActivity records a federated action.
func (s *Store) CreateActivity(ctx context.Context, activity *types.Activity) error {
	ctx, span := tracer.Start(ctx, "StoreCreateActivity")
	defer span.End()

	return s.db.WithContext(ctx).Create(activity).Error
}

// GetLastActivityForContent returns the most recent activity recorded
// for a content row.
func (s *Store) GetLastActivityForContent(ctx context.Context, contentID uint) (types.Activity, error) {
	ctx, span := tracer.Start(ctx, "StoreGetLastActivityForContent")
	defer span.End()

	var activity types.Activity
	result := s.db.WithContext(ctx).Where("content_id = ?", contentID).
		Order("id DESC").First(&activity)
	return activity, result.Error
}

// CreatePayloadAudit writes one audit row. Audit rows never mutate
// domain state.
func (s *Store) CreatePayloadAudit(ctx context.Context, audit *types.PayloadAudit) error {
	ctx, span := tracer.Start(ctx, "StoreCreatePayloadAudit")
	defer span.End()

	return s.db.WithContext(ctx).Create(audit).Error
}

// CreateNotification writes one notification row.
func (s *Store) CreateNotification(ctx context.Context, notification *types.Notification) error {
	ctx, span := tracer.Start(ctx, "StoreCreateNotification")
	defer span.End()

	return s.db.WithContext(ctx).Create(notification).Error
}
