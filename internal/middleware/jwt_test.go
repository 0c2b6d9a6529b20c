package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-workflow/internal/models"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
)

type stubValidator struct{}

func (stubValidator) ValidateToken(token string) (*models.OperatorClaims, error) {
	if token != "good" {
		return nil, appErrors.ErrUnauthorized
	}
	return &models.OperatorClaims{OperatorID: "op-1"}, nil
}

func newGuardedRouter(guard gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Any("/x", guard, func(c *gin.Context) {
		if v, ok := c.Get(ContextOperatorKey); ok {
			c.String(http.StatusOK, v.(*models.OperatorClaims).OperatorID)
			return
		}
		c.Status(http.StatusOK)
	})
	return r
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestOperatorJWT(t *testing.T) {
	r := newGuardedRouter(OperatorJWT(stubValidator{}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	require.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req.Header.Set("Authorization", "Bearer bad")
	require.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req.Header.Set("Authorization", "Bearer good")
	rec := serve(r, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "op-1", rec.Body.String())
}

func TestPushToken(t *testing.T) {
	r := newGuardedRouter(PushToken("s3cret"))
	require.Equal(t, http.StatusUnauthorized, serve(r, httptest.NewRequest(http.MethodPost, "/x", nil)).Code)
	require.Equal(t, http.StatusUnauthorized, serve(r, httptest.NewRequest(http.MethodPost, "/x?token=nope", nil)).Code)
	require.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodPost, "/x?token=s3cret", nil)).Code)

	open := newGuardedRouter(PushToken(""))
	require.Equal(t, http.StatusOK, serve(open, httptest.NewRequest(http.MethodPost, "/x", nil)).Code)
}

func TestTelegramSecret(t *testing.T) {
	r := newGuardedRouter(TelegramSecret("hook"))
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	require.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
	req.Header.Set(TelegramSecretHeader, "hook")
	require.Equal(t, http.StatusOK, serve(r, req).Code)
}
