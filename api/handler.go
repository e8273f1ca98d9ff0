// Package api exposes the inbound HTTP surface: the shared inbox and
// the per-profile inboxes. Handlers only capture the request into an
// envelope and enqueue it; all real work is asynchronous.
package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"

	"github.com/steadyfed/stead/codec"
	"github.com/steadyfed/stead/federation"
	"github.com/steadyfed/stead/store"
)

var tracer = otel.Tracer("api")

type Handler struct {
	service *federation.Service
	store   *store.Store
}

func NewHandler(service *federation.Service, store *store.Store) Handler {
	return Handler{service, store}
}

// Register mounts the inbox routes.
func (h Handler) Register(e *echo.Echo) {
	e.POST("/inbox", h.SharedInbox)
	e.POST("/users/:id/inbox", h.UserInbox)
}

// SharedInbox takes a payload addressed to the node as a whole.
func (h Handler) SharedInbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ApSharedInbox")
	defer span.End()

	env, err := captureEnvelope(c)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, "Invalid request body")
	}

	err = h.service.Receive(ctx, env, nil)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error")
	}

	return c.String(http.StatusAccepted, "ok")
}

// UserInbox takes a payload addressed to one local profile. The profile
// id rides along so limited audiences can fall back to it.
func (h Handler) UserInbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ApUserInbox")
	defer span.End()

	profile, err := h.store.GetProfileByAnyIdentifier(ctx, c.Param("id"))
	if err != nil || !profile.IsLocal {
		return c.String(http.StatusNotFound, "Profile not found")
	}

	env, err := captureEnvelope(c)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, "Invalid request body")
	}

	err = h.service.Receive(ctx, env, &profile.ID)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error")
	}

	return c.String(http.StatusAccepted, "ok")
}

// captureEnvelope snapshots the request for off-request signature
// verification. The Host header is re-added because go's server strips
// it into Request.Host.
func captureEnvelope(c echo.Context) (codec.Envelope, error) {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return codec.Envelope{}, err
	}

	header := req.Header.Clone()
	if header.Get("Host") == "" {
		header.Set("Host", req.Host)
	}

	return codec.Envelope{
		Method: req.Method,
		Target: req.URL.RequestURI(),
		Header: header,
		Body:   body,
	}, nil
}
