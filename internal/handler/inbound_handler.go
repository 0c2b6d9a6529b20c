package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-workflow/internal/dto"
	"github.com/noah-isme/coi-workflow/internal/service"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
	"github.com/noah-isme/coi-workflow/pkg/response"
)

type notificationHandler interface {
	HandleNotification(ctx context.Context, change dto.MailboxChange) (*service.AdmitResult, error)
}

// InboundHandler receives mailbox change notifications pushed by the watch subscription.
type InboundHandler struct {
	workflow notificationHandler
	logger   *zap.Logger
}

// NewInboundHandler constructs the handler.
func NewInboundHandler(workflow notificationHandler, logger *zap.Logger) *InboundHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InboundHandler{workflow: workflow, logger: logger}
}

// Push godoc
// @Summary Receive a mailbox push notification
// @Description Admits the mailbox change at most once. Any 2xx acknowledges the delivery; 503 asks the source to redeliver.
// @Tags Inbound
// @Accept json
// @Produce json
// @Param token query string false "Push verification token"
// @Param payload body dto.PushEnvelope true "Push envelope"
// @Success 202 {object} response.Envelope
// @Success 204 {string} string "empty notification"
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /pubsub/mailbox [post]
func (h *InboundHandler) Push(c *gin.Context) {
	var envelope dto.PushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid push envelope"))
		return
	}
	if strings.TrimSpace(envelope.Message.Data) == "" {
		response.NoContent(c)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(envelope.Message.Data)
	}
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "push data is not base64"))
		return
	}
	var change dto.MailboxChange
	if err := json.Unmarshal(raw, &change); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "push data is not a mailbox change"))
		return
	}

	result, err := h.workflow.HandleNotification(c.Request.Context(), change)
	if err != nil {
		log := h.logger.Sugar().Infow
		if appErrors.Temporary(err) {
			log = h.logger.Sugar().Warnw
		}
		log("mailbox notification not admitted", "delivery_id", envelope.Message.MessageID, "error", err)
		response.Error(c, err)
		return
	}
	response.Accepted(c, dto.AdmitResponse{RequestID: result.RequestID, Outcome: string(result.Outcome)})
}
