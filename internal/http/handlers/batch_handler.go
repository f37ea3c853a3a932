// Batch HTTP handlers.
//
// This file exposes the ingestion endpoints:
//   - POST /users/{platform_id}/batches    (open a batch)
//   - POST /users/{platform_id}/resources  (record into open batch or standalone)
//   - GET  /batches/{id}                   (batch with its resources)
//   - POST /batches/{id}/resources         (attach to an open batch)
//   - POST /batches/{id}/commit
//   - POST /batches/{id}/rollback
//   - PUT  /batches/{id}/title
//
// Handlers are transport-thin: they validate input, call the services, and
// translate results into HTTP responses.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-watchbot/internal/domain"
	"github.com/tbourn/go-watchbot/internal/repo"
	"github.com/tbourn/go-watchbot/internal/services"
	"github.com/tbourn/go-watchbot/internal/utils"
)

// IngestService is the per-user side of ingestion.
type IngestService interface {
	EnsureUser(ctx context.Context, platformID int64, username, displayName string) (*domain.User, error)
	Begin(ctx context.Context, userID int64) (*domain.Batch, error)
	Record(ctx context.Context, userID int64, in services.ResourceInput) (*domain.Resource, error)
}

// BatchService drives batch transitions by id.
type BatchService interface {
	GetBatch(ctx context.Context, batchID int64) (*domain.Batch, error)
	Resources(ctx context.Context, batchID int64) ([]domain.Resource, error)
	AttachResource(ctx context.Context, batchID int64, in services.ResourceInput) (*domain.Resource, error)
	Commit(ctx context.Context, batchID int64, title string) (*domain.Batch, error)
	Rollback(ctx context.Context, batchID int64) (*domain.Batch, error)
	SetTitle(ctx context.Context, batchID int64, title string) (*domain.Batch, error)
}

// OutboxReader exposes queue state to operators.
type OutboxReader interface {
	Stats(ctx context.Context) (*repo.OutboxStats, error)
	FailuresPage(ctx context.Context, page, pageSize int) ([]domain.DeliveryFailure, int64, error)
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	ingest  IngestService
	batches BatchService
	outbox  OutboxReader
}

// New constructs Handlers bound to the given services.
func New(ingest IngestService, batches BatchService, outbox OutboxReader) *Handlers {
	return &Handlers{ingest: ingest, batches: batches, outbox: outbox}
}

// UserRequest optionally carries presentation fields for a new user.
type UserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// ResourceRequest is the payload of one ingested item.
type ResourceRequest struct {
	UserRequest
	Kind      domain.ResourceKind `json:"kind"       binding:"required"`
	Content   string              `json:"content"    binding:"required"`
	MessageID int64               `json:"message_id"`
	Text      string              `json:"text"`
	MediaName string              `json:"media_name"`
	MediaURL  string              `json:"media_url"`
}

func (r ResourceRequest) input() services.ResourceInput {
	return services.ResourceInput{
		Kind:      r.Kind,
		Content:   r.Content,
		MessageID: r.MessageID,
		Text:      r.Text,
		MediaName: r.MediaName,
		MediaURL:  r.MediaURL,
	}
}

// CommitRequest optionally titles the batch on commit.
type CommitRequest struct {
	Title string `json:"title"`
}

// TitleRequest sets the title of an open batch.
type TitleRequest struct {
	Title string `json:"title" binding:"required,min=1,max=255"`
}

// BatchResponse is a batch with its resources.
type BatchResponse struct {
	*domain.Batch
	Resources []domain.Resource `json:"resources"`
}

func int64Param(c *gin.Context, name string) (int64, bool) {
	v, ok := utils.PositiveID(c.Param(name))
	if !ok {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

// bindOptional binds a JSON body when one is present.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handlers) user(c *gin.Context, req UserRequest) (*domain.User, bool) {
	pid, okID := int64Param(c, "platform_id")
	if !okID {
		return nil, false
	}
	u, err := h.ingest.EnsureUser(c.Request.Context(), pid, strings.TrimSpace(req.Username), strings.TrimSpace(req.DisplayName))
	if err != nil {
		failService(c, err)
		return nil, false
	}
	return u, true
}

// OpenBatch godoc
// @ID          openBatch
// @Summary     Open a batch
// @Description Opens a batch for the platform user, creating the user on first contact. 409 when a batch is already open.
// @Tags        Batches
// @Accept      json
// @Produce     json
//
// @Param       platform_id  path  int                   true   "Platform user id"
// @Param       body         body  handlers.UserRequest  false  "Optional user presentation fields"
//
// @Success     201  {object}  domain.Batch
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse  "Batch already open"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users/{platform_id}/batches [post]
func (h *Handlers) OpenBatch(c *gin.Context) {
	var req UserRequest
	if !bindOptional(c, &req) {
		return
	}
	u, okUser := h.user(c, req)
	if !okUser {
		return
	}
	b, err := h.ingest.Begin(c.Request.Context(), u.ID)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusCreated, b)
}

// RecordResource godoc
// @ID          recordResource
// @Summary     Record a resource
// @Description Routes one item the way a chat message would be: into the open batch, or standalone with immediate delivery.
// @Tags        Resources
// @Accept      json
// @Produce     json
//
// @Param       platform_id  path  int                       true  "Platform user id"
// @Param       body         body  handlers.ResourceRequest  true  "Resource payload"
//
// @Success     201  {object}  domain.Resource
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse  "Duplicate resource"
// @Failure     422  {object}  handlers.ErrorResponse  "Validation failed"
// @Router      /users/{platform_id}/resources [post]
func (h *Handlers) RecordResource(c *gin.Context) {
	var req ResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	u, okUser := h.user(c, req.UserRequest)
	if !okUser {
		return
	}
	r, err := h.ingest.Record(c.Request.Context(), u.ID, req.input())
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusCreated, r)
}

// GetBatch godoc
// @ID          getBatch
// @Summary     Get a batch
// @Description Returns a batch and its resources in sequence order.
// @Tags        Batches
// @Produce     json
//
// @Param       id  path  int  true  "Batch id"
//
// @Success     200  {object}  handlers.BatchResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Router      /batches/{id} [get]
func (h *Handlers) GetBatch(c *gin.Context) {
	id, okID := int64Param(c, "id")
	if !okID {
		return
	}
	b, err := h.batches.GetBatch(c.Request.Context(), id)
	if err != nil {
		failService(c, err)
		return
	}
	items, err := h.batches.Resources(c.Request.Context(), id)
	if err != nil {
		failService(c, err)
		return
	}
	if items == nil {
		items = []domain.Resource{}
	}
	ok(c, http.StatusOK, BatchResponse{Batch: b, Resources: items})
}

// AttachResource godoc
// @ID          attachResource
// @Summary     Attach a resource
// @Description Adds an item to an open batch with the next sequence number.
// @Tags        Resources
// @Accept      json
// @Produce     json
//
// @Param       id    path  int                       true  "Batch id"
// @Param       body  body  handlers.ResourceRequest  true  "Resource payload"
//
// @Success     201  {object}  domain.Resource
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Batch not open or duplicate"
// @Router      /batches/{id}/resources [post]
func (h *Handlers) AttachResource(c *gin.Context) {
	id, okID := int64Param(c, "id")
	if !okID {
		return
	}
	var req ResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	r, err := h.batches.AttachResource(c.Request.Context(), id, req.input())
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusCreated, r)
}

// CommitBatch godoc
// @ID          commitBatch
// @Summary     Commit a batch
// @Description Commits an open batch, optionally titling it, and enqueues its delivery.
// @Tags        Batches
// @Accept      json
// @Produce     json
//
// @Param       id    path  int                     true   "Batch id"
// @Param       body  body  handlers.CommitRequest  false  "Optional title"
//
// @Success     200  {object}  domain.Batch
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Batch not open"
// @Router      /batches/{id}/commit [post]
func (h *Handlers) CommitBatch(c *gin.Context) {
	id, okID := int64Param(c, "id")
	if !okID {
		return
	}
	var req CommitRequest
	if !bindOptional(c, &req) {
		return
	}
	b, err := h.batches.Commit(c.Request.Context(), id, req.Title)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, b)
}

// RollbackBatch godoc
// @ID          rollbackBatch
// @Summary     Roll back a batch
// @Description Rolls back an open batch and detaches its resources. Nothing is delivered.
// @Tags        Batches
// @Produce     json
//
// @Param       id  path  int  true  "Batch id"
//
// @Success     200  {object}  domain.Batch
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Batch not open"
// @Router      /batches/{id}/rollback [post]
func (h *Handlers) RollbackBatch(c *gin.Context) {
	id, okID := int64Param(c, "id")
	if !okID {
		return
	}
	b, err := h.batches.Rollback(c.Request.Context(), id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, b)
}

// SetTitle godoc
// @ID          setBatchTitle
// @Summary     Set the batch title
// @Tags        Batches
// @Accept      json
// @Produce     json
//
// @Param       id    path  int                    true  "Batch id"
// @Param       body  body  handlers.TitleRequest  true  "Title payload"
//
// @Success     200  {object}  domain.Batch
// @Failure     400  {object}  handlers.ErrorResponse  "Title is required"
// @Failure     409  {object}  handlers.ErrorResponse  "Batch not open"
// @Router      /batches/{id}/title [put]
func (h *Handlers) SetTitle(c *gin.Context) {
	id, okID := int64Param(c, "id")
	if !okID {
		return
	}
	var req TitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title is required")
		return
	}
	b, err := h.batches.SetTitle(c.Request.Context(), id, req.Title)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, b)
}
