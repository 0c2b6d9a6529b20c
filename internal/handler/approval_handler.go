package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-workflow/internal/dto"
	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/internal/service"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
	"github.com/noah-isme/coi-workflow/pkg/response"
)

type decisionHandler interface {
	HandleDecision(ctx context.Context, in service.DecisionInput) (*service.DecisionResult, error)
}

type callbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// ApprovalHandler accepts reviewer decisions from the chat bot and from operators.
type ApprovalHandler struct {
	decisions decisionHandler
	callbacks callbackAnswerer
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewApprovalHandler constructs the handler. callbacks may be nil when no bot is configured.
func NewApprovalHandler(decisions decisionHandler, callbacks callbackAnswerer, validate *validator.Validate, logger *zap.Logger) *ApprovalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &ApprovalHandler{decisions: decisions, callbacks: callbacks, validate: validate, logger: logger}
}

// TelegramWebhook godoc
// @Summary Receive a Telegram bot update
// @Description Applies inline keyboard decisions. Every callback query is answered.
// @Tags Approvals
// @Accept json
// @Produce json
// @Param X-Telegram-Bot-Api-Secret-Token header string true "Webhook secret"
// @Param payload body dto.TelegramUpdate true "Bot update"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /telegram/webhook [post]
func (h *ApprovalHandler) TelegramWebhook(c *gin.Context) {
	var update dto.TelegramUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		// Bot API retries non-2xx updates forever; a malformed one is dropped.
		h.logger.Sugar().Warnw("malformed telegram update dropped", "error", err)
		c.Status(http.StatusOK)
		return
	}
	query := update.CallbackQuery
	if query == nil {
		c.Status(http.StatusOK)
		return
	}

	action, token, ok := service.ParseCallbackData(query.Data)
	if !ok {
		h.answer(c, query.ID, "Unknown action")
		c.Status(http.StatusOK)
		return
	}
	decision := models.DecisionApproved
	if action == service.CallbackReject {
		decision = models.DecisionRejected
	}

	result, err := h.decisions.HandleDecision(c.Request.Context(), service.DecisionInput{
		Token:    token,
		Decision: decision,
		Actor:    query.From.Actor(),
	})
	if err != nil {
		h.answer(c, query.ID, "Could not record the decision, please try again")
		response.Error(c, err)
		return
	}
	h.answer(c, query.ID, callbackText(result, decision))
	response.JSON(c, http.StatusOK, decisionResponse(result), nil)
}

// Decide godoc
// @Summary Submit a reviewer decision
// @Tags Approvals
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body dto.DecisionRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /approvals/decision [post]
func (h *ApprovalHandler) Decide(c *gin.Context) {
	var req dto.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid decision payload"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload"))
		return
	}
	actor := "operator"
	if claims := operatorFromContext(c); claims != nil {
		actor = "operator:" + claims.OperatorID
	}

	result, err := h.decisions.HandleDecision(c.Request.Context(), service.DecisionInput{
		Token:    req.Token,
		Decision: req.Decision,
		Actor:    actor,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	if result.Outcome == service.DecisionUnknownToken {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "no pending request for this approval token"))
		return
	}
	response.JSON(c, http.StatusOK, decisionResponse(result), nil)
}

func (h *ApprovalHandler) answer(c *gin.Context, callbackID, text string) {
	if h.callbacks == nil {
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.callbacks.AnswerCallback(ctx, callbackID, text); err != nil {
		h.logger.Sugar().Warnw("failed to answer callback query", "callback_id", callbackID, "error", err)
	}
}

func decisionResponse(result *service.DecisionResult) dto.DecisionResponse {
	return dto.DecisionResponse{RequestID: result.RequestID, Outcome: string(result.Outcome), State: result.State}
}

func callbackText(result *service.DecisionResult, decision models.DecisionValue) string {
	switch result.Outcome {
	case service.DecisionApplied:
		if decision == models.DecisionRejected {
			return "Okay, the COI will not be sent"
		}
		return "Sending the COI"
	case service.DecisionExpired:
		return "The approval window has closed"
	case service.DecisionUnknownToken:
		return "Request not found"
	default:
		return "Request is already processed"
	}
}
