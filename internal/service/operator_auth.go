package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/coi-workflow/internal/models"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
)

const operatorIssuer = "coi-workflow"

// OperatorAuthService mints and validates operator bearer tokens.
type OperatorAuthService struct {
	secret []byte
	now    func() time.Time
}

// NewOperatorAuthService constructs the service for an HMAC secret.
func NewOperatorAuthService(secret string) (*OperatorAuthService, error) {
	if secret == "" {
		return nil, errors.New("operator auth: AUTH_JWT_SECRET is required")
	}
	return &OperatorAuthService{secret: []byte(secret), now: time.Now}, nil
}

// IssueToken signs a token for operatorID valid for ttl.
func (s *OperatorAuthService) IssueToken(operatorID, name string, ttl time.Duration) (string, time.Time, error) {
	if operatorID == "" {
		return "", time.Time{}, errors.New("operator id required")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	issuedAt := s.now().UTC()
	expiresAt := issuedAt.Add(ttl)
	claims := &models.OperatorClaims{
		OperatorID: operatorID,
		Name:       name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    operatorIssuer,
			Subject:   operatorID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken parses an operator token and returns its claims.
func (s *OperatorAuthService) ValidateToken(tokenString string) (*models.OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(operatorIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}
	claims, ok := token.Claims.(*models.OperatorClaims)
	if !ok || !token.Valid || claims.OperatorID == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}
	return claims, nil
}
