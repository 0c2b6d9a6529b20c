package handler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-workflow/internal/middleware"
	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/internal/service"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
)

type decisionMock struct {
	result *service.DecisionResult
	err    error
	inputs []service.DecisionInput
}

func (m *decisionMock) HandleDecision(_ context.Context, in service.DecisionInput) (*service.DecisionResult, error) {
	m.inputs = append(m.inputs, in)
	return m.result, m.err
}

type answerRecorder struct {
	answers map[string]string
}

func (a *answerRecorder) AnswerCallback(_ context.Context, callbackID, text string) error {
	if a.answers == nil {
		a.answers = map[string]string{}
	}
	a.answers[callbackID] = text
	return nil
}

const approvalToken = "6f1c2a43-9b8e-4d6f-a1b2-3c4d5e6f7a8b"

func callbackUpdate(data string) *bytes.Buffer {
	return bytes.NewBufferString(`{"update_id":1,"callback_query":{"id":"cb-1","from":{"id":7,"username":"reviewer"},"data":"` + data + `"}}`)
}

func runApproval(fn func(*gin.Context), body *bytes.Buffer, claims *models.OperatorClaims) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	if claims != nil {
		c.Set(middleware.ContextOperatorKey, claims)
	}
	fn(c)
	return w
}

func TestTelegramWebhookAppliesDecision(t *testing.T) {
	decisions := &decisionMock{result: &service.DecisionResult{RequestID: "r-1", Outcome: service.DecisionApplied, State: models.RequestStateApproved}}
	answers := &answerRecorder{}
	handler := NewApprovalHandler(decisions, answers, nil, nil)

	w := runApproval(handler.TelegramWebhook, callbackUpdate("approve:"+approvalToken), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decisions.inputs, 1)
	assert.Equal(t, service.DecisionInput{Token: approvalToken, Decision: models.DecisionApproved, Actor: "telegram:@reviewer"}, decisions.inputs[0])
	assert.Equal(t, "Sending the COI", answers.answers["cb-1"])
}

func TestTelegramWebhookDuplicateAnswersAlreadyProcessed(t *testing.T) {
	decisions := &decisionMock{result: &service.DecisionResult{RequestID: "r-1", Outcome: service.DecisionDuplicate, State: models.RequestStateIssued}}
	answers := &answerRecorder{}
	handler := NewApprovalHandler(decisions, answers, nil, nil)

	w := runApproval(handler.TelegramWebhook, callbackUpdate("nosend:"+approvalToken), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.DecisionRejected, decisions.inputs[0].Decision)
	assert.Equal(t, "Request is already processed", answers.answers["cb-1"])
}

func TestTelegramWebhookIgnoresOtherUpdates(t *testing.T) {
	decisions := &decisionMock{}
	answers := &answerRecorder{}
	handler := NewApprovalHandler(decisions, answers, nil, nil)

	w := runApproval(handler.TelegramWebhook, bytes.NewBufferString(`{"update_id":2,"message":{"message_id":1,"chat":{"id":42},"text":"hi"}}`), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = runApproval(handler.TelegramWebhook, callbackUpdate("archive:x"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Unknown action", answers.answers["cb-1"])
	assert.Empty(t, decisions.inputs)
}

func TestTelegramWebhookStoreFailureIsRetried(t *testing.T) {
	decisions := &decisionMock{err: appErrors.Wrap(errors.New("db down"), appErrors.ErrServiceUnavailable.Code, appErrors.ErrServiceUnavailable.Status, "request store unavailable")}
	handler := NewApprovalHandler(decisions, &answerRecorder{}, nil, nil)

	w := runApproval(handler.TelegramWebhook, callbackUpdate("approve:"+approvalToken), nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOperatorDecision(t *testing.T) {
	decisions := &decisionMock{result: &service.DecisionResult{RequestID: "r-1", Outcome: service.DecisionApplied, State: models.RequestStateRejected}}
	handler := NewApprovalHandler(decisions, nil, nil, nil)

	body := bytes.NewBufferString(`{"token":"` + approvalToken + `","decision":"rejected"}`)
	w := runApproval(handler.Decide, body, &models.OperatorClaims{OperatorID: "op-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "operator:op-1", decisions.inputs[0].Actor)
	assert.Contains(t, w.Body.String(), `"state":"rejected"`)
}

func TestOperatorDecisionValidation(t *testing.T) {
	handler := NewApprovalHandler(&decisionMock{}, nil, nil, nil)
	for _, body := range []string{`{"token":"abc","decision":"approved"}`, `{"token":"` + approvalToken + `","decision":"maybe"}`, `{`} {
		w := runApproval(handler.Decide, bytes.NewBufferString(body), nil)
		require.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestOperatorDecisionUnknownToken(t *testing.T) {
	decisions := &decisionMock{result: &service.DecisionResult{Outcome: service.DecisionUnknownToken}}
	handler := NewApprovalHandler(decisions, nil, nil, nil)
	body := bytes.NewBufferString(`{"token":"` + approvalToken + `","decision":"approved"}`)
	w := runApproval(handler.Decide, body, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
