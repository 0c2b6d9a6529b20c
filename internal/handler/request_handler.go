package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/coi-workflow/internal/dto"
	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/internal/service"
	"github.com/noah-isme/coi-workflow/pkg/response"
)

type requestQuerier interface {
	List(ctx context.Context, query dto.RequestQuery) ([]models.Request, *models.Pagination, error)
	Get(ctx context.Context, id string) (*models.Request, error)
	Events(ctx context.Context, id string) ([]models.RequestEvent, error)
	Export(ctx context.Context, query dto.RequestQuery, format string) (*service.ExportFile, error)
}

// RequestHandler exposes operator inspection endpoints.
type RequestHandler struct {
	requests requestQuerier
}

// NewRequestHandler constructs the handler.
func NewRequestHandler(requests requestQuerier) *RequestHandler {
	return &RequestHandler{requests: requests}
}

// List godoc
// @Summary List COI requests
// @Tags Requests
// @Produce json
// @Security BearerAuth
// @Param state query string false "Comma separated states"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /requests [get]
func (h *RequestHandler) List(c *gin.Context) {
	items, pagination, err := h.requests.List(c.Request.Context(), parseRequestQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Get godoc
// @Summary Get a COI request
// @Tags Requests
// @Produce json
// @Security BearerAuth
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id} [get]
func (h *RequestHandler) Get(c *gin.Context) {
	req, err := h.requests.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req, nil)
}

// Events godoc
// @Summary Transition history of a COI request
// @Tags Requests
// @Produce json
// @Security BearerAuth
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id}/events [get]
func (h *RequestHandler) Events(c *gin.Context) {
	events, err := h.requests.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, nil)
}

// Export godoc
// @Summary Export COI requests
// @Tags Requests
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param state query string false "Comma separated states"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /requests/export [get]
func (h *RequestHandler) Export(c *gin.Context) {
	file, err := h.requests.Export(c.Request.Context(), parseRequestQuery(c), c.DefaultQuery("format", service.ExportFormatCSV))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Data)
}

func parseRequestQuery(c *gin.Context) dto.RequestQuery {
	query := dto.RequestQuery{}
	if raw := c.Query("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				query.States = append(query.States, models.RequestState(strings.ToLower(trimmed)))
			}
		}
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		query.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		query.PageSize = size
	}
	return query
}
