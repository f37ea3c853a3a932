// Outbox HTTP handlers.
//
//   - GET /outbox/stats     (queue depth, cursor, failure count)
//   - GET /outbox/failures  (terminal delivery failures, newest first)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-watchbot/internal/domain"
)

// ListFailuresResponse wraps a page of delivery failures.
type ListFailuresResponse struct {
	Failures   []domain.DeliveryFailure `json:"failures"`
	Pagination Pagination               `json:"pagination"`
}

// OutboxStats godoc
// @ID          outboxStats
// @Summary     Outbox statistics
// @Description Reports queue depth, the due cursor and the failure count.
// @Tags        Outbox
// @Produce     json
// @Success     200  {object}  repo.OutboxStats
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /outbox/stats [get]
func (h *Handlers) OutboxStats(c *gin.Context) {
	st, err := h.outbox.Stats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, "could not read outbox stats")
		return
	}
	ok(c, http.StatusOK, st)
}

// ListFailures godoc
// @ID          listFailures
// @Summary     List delivery failures (paginated)
// @Description Returns terminal delivery failures, newest first.
// @Tags        Outbox
// @Produce     json
//
// @Param       page       query  int  false  "Page (1-based)"  default(1)
// @Param       page_size  query  int  false  "Page size"       default(20)
//
// @Success     200  {object}  handlers.ListFailuresResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /outbox/failures [get]
func (h *Handlers) ListFailures(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.outbox.FailuresPage(c.Request.Context(), page, pageSize)
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, "could not list failures")
		return
	}
	if items == nil {
		items = []domain.DeliveryFailure{}
	}
	ok(c, http.StatusOK, ListFailuresResponse{
		Failures:   items,
		Pagination: newPagination(page, pageSize, total),
	})
}
