package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/carvalue-api/internal/models"
	appErrors "github.com/noah-isme/carvalue-api/pkg/errors"
)

type stubParser struct {
	claims *models.JWTClaims
	err    error
}

func (s stubParser) Parse(string) (*models.JWTClaims, error) {
	return s.claims, s.err
}

type stubChecker struct {
	revoked bool
	err     error
	calls   int
}

func (s *stubChecker) IsRevoked(context.Context, int64, string, string, int64) (bool, error) {
	s.calls++
	return s.revoked, s.err
}

func validClaims() *models.JWTClaims {
	claims := &models.JWTClaims{Email: "a@example.com", SessionID: "fam", RefreshTokenID: "7", TokenVersion: 1, Type: models.AccessTokenType}
	claims.Subject = "12"
	return claims
}

func TestAuthVerifierAcceptsLiveToken(t *testing.T) {
	checker := &stubChecker{}
	verifier := NewAuthVerifier(stubParser{claims: validClaims()}, checker, nil)

	current, err := verifier.VerifyRequest(context.Background(), " token ")
	require.NoError(t, err)
	assert.Equal(t, int64(12), current.ID)
	assert.Equal(t, "fam", current.SessionID)
	assert.Equal(t, "7", current.RefreshTokenID)
	assert.Equal(t, 1, checker.calls)
}

func TestAuthVerifierRejections(t *testing.T) {
	badSubject := validClaims()
	badSubject.Subject = "abc"
	noSession := validClaims()
	noSession.SessionID = ""

	cases := []struct {
		name    string
		token   string
		parser  stubParser
		checker *stubChecker
		want    *appErrors.Error
	}{
		{"missing token", "", stubParser{claims: validClaims()}, &stubChecker{}, appErrors.ErrUnauthorized},
		{"parse failure", "x", stubParser{err: appErrors.Clone(appErrors.ErrUnauthorized, "invalid access token")}, &stubChecker{}, appErrors.ErrUnauthorized},
		{"bad subject", "x", stubParser{claims: badSubject}, &stubChecker{}, appErrors.ErrUnauthorized},
		{"missing session", "x", stubParser{claims: noSession}, &stubChecker{}, appErrors.ErrUnauthorized},
		{"revoked", "x", stubParser{claims: validClaims()}, &stubChecker{revoked: true}, appErrors.ErrUnauthorized},
		{"index down", "x", stubParser{claims: validClaims()}, &stubChecker{err: appErrors.Clone(appErrors.ErrUnavailable, "revocation index unavailable")}, appErrors.ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifier := NewAuthVerifier(tc.parser, tc.checker, nil)
			current, err := verifier.VerifyRequest(context.Background(), tc.token)
			assert.Nil(t, current)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestAuthVerifierHonoursSessionRevocation(t *testing.T) {
	h := newAuthHarness(t)
	h.addUser(t, "a@example.com", "correct-horse-battery")
	resp := h.login(t, "a@example.com", "correct-horse-battery", "web")
	ctx := context.Background()

	current, err := h.verifier.VerifyRequest(ctx, resp.AccessToken)
	require.NoError(t, err)

	require.NoError(t, h.revocation.MarkSessionRevoked(ctx, current.ID, current.SessionID))
	_, err = h.verifier.VerifyRequest(ctx, resp.AccessToken)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}
