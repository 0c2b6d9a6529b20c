package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
)

func TestOperatorAuthRoundTrip(t *testing.T) {
	svc, err := NewOperatorAuthService("secret")
	require.NoError(t, err)

	token, expiresAt, err := svc.IssueToken("op-1", "Dana", time.Hour)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "op-1", claims.OperatorID)
	require.Equal(t, "Dana", claims.Name)
}

func TestOperatorAuthRejectsForeignAndExpiredTokens(t *testing.T) {
	svc, err := NewOperatorAuthService("secret")
	require.NoError(t, err)
	other, err := NewOperatorAuthService("other-secret")
	require.NoError(t, err)

	foreign, _, err := other.IssueToken("op-1", "", time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(foreign)
	require.Equal(t, appErrors.ErrUnauthorized.Status, appErrors.FromError(err).Status)

	issued := time.Now().Add(-2 * time.Hour)
	svc.now = func() time.Time { return issued }
	stale, _, err := svc.IssueToken("op-1", "", time.Hour)
	require.NoError(t, err)
	svc.now = time.Now
	_, err = svc.ValidateToken(stale)
	require.Error(t, err)

	_, err = NewOperatorAuthService("")
	require.Error(t, err)
}
