package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/coi-workflow/internal/models"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
	"github.com/noah-isme/coi-workflow/pkg/response"
)

// ContextOperatorKey is the gin context key storing operator claims.
const ContextOperatorKey = "currentOperator"

// TelegramSecretHeader carries the secret registered with setWebhook.
const TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

type tokenValidator interface {
	ValidateToken(token string) (*models.OperatorClaims, error)
}

// OperatorJWT protects operator routes by requiring a valid bearer token.
func OperatorJWT(auth tokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims, err := auth.ValidateToken(token)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextOperatorKey, claims)
		c.Next()
	}
}

// PushToken checks the shared token a push subscription appends to its endpoint
// as ?token=. An empty expected token disables the check.
func PushToken(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got, _ = bearerToken(c)
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid push token"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// TelegramSecret verifies webhook calls originate from the Bot API.
func TelegramSecret(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}
		got := c.GetHeader(TelegramSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid webhook secret"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
