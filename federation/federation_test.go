package federation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/steadyfed/stead/codec"
	"github.com/steadyfed/stead/queue"
	"github.com/steadyfed/stead/store"
	"github.com/steadyfed/stead/types"
)

// fakeCodec satisfies codec.Codec with canned remote state and a record
// of every send.
type fakeCodec struct {
	mu       sync.Mutex
	profiles map[string]*codec.Profile
	contents map[string]codec.Entity
	sends    []sendCall
	fetches  int
}

type sendCall struct {
	entity       codec.Entity
	author       types.Profile
	recipients   []codec.Recipient
	parentAuthor *types.Profile
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{
		profiles: make(map[string]*codec.Profile),
		contents: make(map[string]codec.Entity),
	}
}

func (f *fakeCodec) DecodeAndAuthenticate(context.Context, codec.Envelope, codec.KeyFetcher) (*codec.Payload, error) {
	return nil, errors.New("not used in tests")
}

func (f *fakeCodec) Send(_ context.Context, entity codec.Entity, author types.Profile, recipients []codec.Recipient, parentAuthor *types.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{entity, author, recipients, parentAuthor})
	return nil
}

func (f *fakeCodec) FetchContent(_ context.Context, fid string) (codec.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	entity, ok := f.contents[fid]
	if !ok {
		return nil, errors.Errorf("no such content %q", fid)
	}
	return entity, nil
}

func (f *fakeCodec) FetchProfile(_ context.Context, id string) (*codec.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[id]
	if !ok {
		return nil, errors.Errorf("no such profile %q", id)
	}
	return profile, nil
}

func (f *fakeCodec) sentCalls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall{}, f.sends...)
}

func (f *fakeCodec) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// fixture wires the pipeline against sqlite, miniredis and a fakeCodec.
type fixture struct {
	t       *testing.T
	service *Service
	dist    *Distributor
	store   *store.Store
	codec   *fakeCodec
	queue   *queue.Queue
	rdb     *redis.Client
	db      *gorm.DB
	config  types.NodeConfig
}

func setup(t *testing.T) *fixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Profile{},
		&types.Content{},
		&types.Activity{},
		&types.PayloadAudit{},
		&types.Notification{},
	))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	fc := newFakeCodec()
	st := store.NewStore(db)
	q := queue.NewQueue(rdb, "test", 1)
	config := types.NodeConfig{FQDN: "local.example", Live: true}

	return &fixture{
		t:       t,
		service: NewService(st, fc, q, config),
		dist:    NewDistributor(st, fc, q, config, true),
		store:   st,
		codec:   fc,
		queue:   q,
		rdb:     rdb,
		db:      db,
		config:  config,
	}
}

// jobsIn returns the decoded jobs waiting in a priority tier, oldest
// first.
func (f *fixture) jobsIn(priority queue.Priority) []queue.Job {
	raw, err := f.rdb.LRange(context.Background(), "test:queue:"+string(priority), 0, -1).Result()
	require.NoError(f.t, err)

	jobs := make([]queue.Job, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- { // LPUSH order, reverse to FIFO
		var job queue.Job
		require.NoError(f.t, json.Unmarshal([]byte(raw[i]), &job))
		jobs = append(jobs, job)
	}
	return jobs
}

func (f *fixture) jobsOfType(priority queue.Priority, jobType string) []queue.Job {
	var out []queue.Job
	for _, job := range f.jobsIn(priority) {
		if job.Type == jobType {
			out = append(out, job)
		}
	}
	return out
}

func (f *fixture) remoteProfile(fid string) types.Profile {
	profile := types.Profile{
		FID:          fid,
		Finger:       "finger:" + fid,
		RSAPublicKey: "PUB-" + fid,
		InboxPrivate: fid + "/inbox",
		InboxPublic:  "https://remote.example/inbox",
		Visibility:   types.VisibilityPublic,
	}
	require.NoError(f.t, f.store.CreateProfile(context.Background(), &profile))
	return profile
}

func (f *fixture) localProfile(fid string) types.Profile {
	profile := types.Profile{
		FID:           fid,
		Finger:        "finger:" + fid,
		RSAPublicKey:  "PUB-" + fid,
		RSAPrivateKey: "PRIV-" + fid,
		IsLocal:       true,
		Visibility:    types.VisibilityPublic,
	}
	require.NoError(f.t, f.store.CreateProfile(context.Background(), &profile))
	return profile
}

func (f *fixture) localContent(author *types.Profile, fid string, visibility types.Visibility) types.Content {
	content := types.Content{
		FID:         fid,
		Text:        "body of " + fid,
		ContentType: types.ContentTypeContent,
		Visibility:  visibility,
		AuthorID:    author.ID,
		Local:       true,
	}
	require.NoError(f.t, f.store.CreateContent(context.Background(), &content))
	return content
}

func (f *fixture) contentByFID(fid string) types.Content {
	content, err := f.store.GetContentByFID(context.Background(), fid)
	require.NoError(f.t, err)
	return content
}

func (f *fixture) contentCount() int64 {
	var count int64
	require.NoError(f.t, f.db.Model(&types.Content{}).Count(&count).Error)
	return count
}

func postEntity(id, actor, body string, public bool, receivers ...codec.Receiver) codec.Post {
	return codec.Post{ObjectCommon: codec.ObjectCommon{
		ID:        id,
		Actor:     actor,
		Body:      body,
		Public:    public,
		Created:   time.Now().UTC().Truncate(time.Second),
		Receivers: receivers,
	}}
}

func commentEntity(id, actor, target, body string, receivers ...codec.Receiver) codec.Comment {
	return codec.Comment{
		ObjectCommon: codec.ObjectCommon{
			ID:        id,
			Actor:     actor,
			Body:      body,
			Created:   time.Now().UTC().Truncate(time.Second),
			Receivers: receivers,
		},
		TargetID: target,
	}
}

func shareEntity(id, actor, target string) codec.Share {
	return codec.Share{
		ObjectCommon: codec.ObjectCommon{
			ID:      id,
			Actor:   actor,
			Public:  true,
			Created: time.Now().UTC().Truncate(time.Second),
		},
		TargetID: target,
	}
}
