package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/steadyfed/stead/federation"
	"github.com/steadyfed/stead/queue"
	"github.com/steadyfed/stead/store"
	"github.com/steadyfed/stead/types"
)

func setupHandler(t *testing.T) (Handler, *store.Store, *redis.Client) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Profile{}, &types.Content{}, &types.Activity{}, &types.PayloadAudit{}, &types.Notification{}))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.NewStore(db)
	q := queue.NewQueue(rdb, "test", 1)
	service := federation.NewService(st, nil, q, types.NodeConfig{FQDN: "local.example"})

	return NewHandler(service, st), st, rdb
}

func inboxJobs(t *testing.T, rdb *redis.Client) int64 {
	count, err := rdb.LLen(context.Background(), "test:queue:high").Result()
	require.NoError(t, err)
	return count
}

func TestSharedInboxAcceptsAndEnqueues(t *testing.T) {
	h, _, rdb := setupHandler(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(`{"type":"Create"}`))
	req.Header.Set("Signature", "sig")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.SharedInbox(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int64(1), inboxJobs(t, rdb))
}

func TestUserInboxTargetsProfile(t *testing.T) {
	h, st, rdb := setupHandler(t)

	profile := types.Profile{FID: "https://local.example/alice", Handle: "alice", IsLocal: true}
	require.NoError(t, st.CreateProfile(context.Background(), &profile))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/users/alice/inbox", strings.NewReader(`{"type":"Create"}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("alice")

	require.NoError(t, h.UserInbox(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int64(1), inboxJobs(t, rdb))
}

func TestUserInboxUnknownProfile(t *testing.T) {
	h, _, rdb := setupHandler(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/users/nobody/inbox", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("nobody")

	require.NoError(t, h.UserInbox(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, int64(0), inboxJobs(t, rdb))
}

func TestUserInboxRejectsRemoteProfile(t *testing.T) {
	h, st, rdb := setupHandler(t)

	profile := types.Profile{FID: "https://remote.example/bob", Handle: "bob", IsLocal: false}
	require.NoError(t, st.CreateProfile(context.Background(), &profile))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/users/bob/inbox", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("bob")

	require.NoError(t, h.UserInbox(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, int64(0), inboxJobs(t, rdb))
}
