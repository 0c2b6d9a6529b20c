package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/coi-workflow/internal/service"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
	"github.com/noah-isme/coi-workflow/pkg/response"
)

type downloadResolver interface {
	ResolveDownload(ctx context.Context, token string) (*service.CertificateDownload, error)
}

// CertificateHandler serves issued certificates behind signed links.
type CertificateHandler struct {
	downloads downloadResolver
}

// NewCertificateHandler constructs the handler.
func NewCertificateHandler(downloads downloadResolver) *CertificateHandler {
	return &CertificateHandler{downloads: downloads}
}

// Download godoc
// @Summary Download an issued certificate
// @Tags Certificates
// @Produce application/pdf
// @Param token path string true "Signed download token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /certificates/{token} [get]
func (h *CertificateHandler) Download(c *gin.Context) {
	token := c.Param("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	result, err := h.downloads.ResolveDownload(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.File.Close() //nolint:errcheck

	info, err := result.File.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read certificate"))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, info.Size(), "application/pdf", result.File, nil)
}
