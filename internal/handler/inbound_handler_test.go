package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-workflow/internal/dto"
	"github.com/noah-isme/coi-workflow/internal/service"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
)

type notificationMock struct {
	result *service.AdmitResult
	err    error
	last   *dto.MailboxChange
}

func (m *notificationMock) HandleNotification(_ context.Context, change dto.MailboxChange) (*service.AdmitResult, error) {
	m.last = &change
	return m.result, m.err
}

func pushBody(t *testing.T, data string) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(dto.PushEnvelope{Message: dto.PushMessage{Data: data, MessageID: "d-1"}, Subscription: "projects/x/subscriptions/mail"})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func encodedChange(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(dto.MailboxChange{EmailAddress: "coi@agency.test", MessageID: "m-1", Subject: "COI needed"})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func runPush(handler *InboundHandler, body *bytes.Buffer) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/pubsub/mailbox", body)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	handler.Push(c)
	c.Writer.WriteHeaderNow()
	return w
}

func TestInboundHandlerAcceptsNotification(t *testing.T) {
	mock := &notificationMock{result: &service.AdmitResult{RequestID: "r-1", Outcome: service.AdmitNew}}
	w := runPush(NewInboundHandler(mock, nil), pushBody(t, encodedChange(t)))

	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, mock.last)
	assert.Equal(t, "coi@agency.test", mock.last.EmailAddress)
	assert.Contains(t, w.Body.String(), `"requestId":"r-1"`)
}

func TestInboundHandlerAcceptsWatchNotification(t *testing.T) {
	mock := &notificationMock{result: &service.AdmitResult{RequestID: "r-2", Outcome: service.AdmitNew}}
	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"tony@lioninsurance.us","historyId":9876}`))
	w := runPush(NewInboundHandler(mock, nil), pushBody(t, data))

	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, mock.last)
	assert.Equal(t, "tony@lioninsurance.us", mock.last.EmailAddress)
	assert.Equal(t, "9876", mock.last.HistoryID.String())
	assert.Empty(t, mock.last.MessageID)
}

func TestInboundHandlerDuplicateIsAcknowledged(t *testing.T) {
	mock := &notificationMock{result: &service.AdmitResult{RequestID: "r-1", Outcome: service.AdmitDuplicate}}
	w := runPush(NewInboundHandler(mock, nil), pushBody(t, encodedChange(t)))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"duplicate"`)
}

func TestInboundHandlerEmptyData(t *testing.T) {
	mock := &notificationMock{}
	w := runPush(NewInboundHandler(mock, nil), pushBody(t, ""))
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Nil(t, mock.last)
}

func TestInboundHandlerMalformed(t *testing.T) {
	cases := map[string]*bytes.Buffer{
		"not json":     bytes.NewBufferString(`{"message":`),
		"not base64":   pushBody(t, "%%%"),
		"not a change": pushBody(t, base64.StdEncoding.EncodeToString([]byte("hello"))),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			mock := &notificationMock{}
			w := runPush(NewInboundHandler(mock, nil), body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Nil(t, mock.last)
		})
	}
}

func TestInboundHandlerStoreFailureAsksForRedelivery(t *testing.T) {
	mock := &notificationMock{err: appErrors.Wrap(errors.New("db down"), appErrors.ErrServiceUnavailable.Code, appErrors.ErrServiceUnavailable.Status, "request store unavailable")}
	w := runPush(NewInboundHandler(mock, nil), pushBody(t, encodedChange(t)))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestInboundHandlerValidationFailure(t *testing.T) {
	mock := &notificationMock{err: appErrors.Clone(appErrors.ErrValidation, "invalid mailbox change")}
	w := runPush(NewInboundHandler(mock, nil), pushBody(t, encodedChange(t)))
	require.Equal(t, http.StatusBadRequest, w.Code)
}
