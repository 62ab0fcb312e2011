package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/carvalue-api/internal/middleware"
	"github.com/noah-isme/carvalue-api/internal/models"
	appErrors "github.com/noah-isme/carvalue-api/pkg/errors"
)

type authServiceMock struct {
	loginReq   models.LoginRequest
	refreshReq models.RefreshTokenRequest
	logoutReq  models.LogoutRequest
	logoutUser *models.CurrentUser
	revokedID  int64
	err        error
}

func (m *authServiceMock) Signup(_ context.Context, req models.SignupRequest) (*models.UserInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.UserInfo{ID: 1, Email: req.Email, Name: req.Name, Roles: []models.UserRole{models.RoleUser}}, nil
}

func (m *authServiceMock) Login(_ context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	m.loginReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.AuthResponse{AccessToken: "access", RefreshToken: "1.secret", TokenType: "Bearer", ExpiresIn: 900}, nil
}

func (m *authServiceMock) Refresh(_ context.Context, req models.RefreshTokenRequest) (*models.AuthResponse, error) {
	m.refreshReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.AuthResponse{AccessToken: "access-2", RefreshToken: "2.secret", TokenType: "Bearer", ExpiresIn: 900}, nil
}

func (m *authServiceMock) Logout(_ context.Context, current *models.CurrentUser, req models.LogoutRequest) error {
	m.logoutUser = current
	m.logoutReq = req
	return m.err
}

func (m *authServiceMock) RevokeAllSessions(_ context.Context, _ *models.CurrentUser, userID int64) error {
	m.revokedID = userID
	return m.err
}

func (m *authServiceMock) CurrentUser(_ context.Context, current *models.CurrentUser) (*models.UserInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.UserInfo{ID: current.ID, Email: current.Email}, nil
}

func newTestContext(method, path string, body interface{}) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var reader *bytes.Reader
	if raw, ok := body.(string); ok {
		reader = bytes.NewReader([]byte(raw))
	} else {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	}
	req, _ := http.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handler-test")
	c.Request = req
	return c, w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) appErrors.Error {
	t.Helper()
	var body struct {
		Error appErrors.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestAuthHandlerSignup(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{})
	c, w := newTestContext(http.MethodPost, "/auth/signup", models.SignupRequest{Email: "a@example.com", Name: "A", Password: "long-enough-pass"})

	handler.Signup(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"email":"a@example.com"`)
}

func TestAuthHandlerSignupConflict(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{err: appErrors.Clone(appErrors.ErrConflict, "user with this e-mail already exists")})
	c, w := newTestContext(http.MethodPost, "/auth/signup", models.SignupRequest{Email: "a@example.com"})

	handler.Signup(c)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", decodeError(t, w).Code)
}

func TestAuthHandlerLoginPassesClientMetadata(t *testing.T) {
	svc := &authServiceMock{}
	handler := NewAuthHandler(svc)
	c, w := newTestContext(http.MethodPost, "/auth/login", map[string]string{"email": "a@example.com", "password": "pw", "client_id": "web"})

	handler.Login(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "web", svc.loginReq.ClientID)
	assert.Equal(t, "handler-test", svc.loginReq.UserAgent)
	assert.Contains(t, w.Body.String(), `"refresh_token":"1.secret"`)
}

func TestAuthHandlerLoginBadJSON(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{})
	c, w := newTestContext(http.MethodPost, "/auth/login", "{not json")

	handler.Login(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, w).Code)
}

func TestAuthHandlerRefreshErrors(t *testing.T) {
	cases := []struct {
		err    *appErrors.Error
		status int
	}{
		{appErrors.ErrTokenNotFound, http.StatusUnauthorized},
		{appErrors.ErrTokenExpired, http.StatusUnauthorized},
		{appErrors.ErrTokenInvalid, http.StatusForbidden},
		{appErrors.ErrUserGone, http.StatusForbidden},
		{appErrors.ErrUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.err.Code, func(t *testing.T) {
			handler := NewAuthHandler(&authServiceMock{err: appErrors.Clone(tc.err, "")})
			c, w := newTestContext(http.MethodPost, "/auth/refresh-token", map[string]string{"refresh_token": "1.x", "client_id": "web"})

			handler.RefreshToken(c)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.err.Code, decodeError(t, w).Code)
		})
	}
}

func TestAuthHandlerLogout(t *testing.T) {
	svc := &authServiceMock{}
	handler := NewAuthHandler(svc)
	c, _ := newTestContext(http.MethodPost, "/auth/logout", map[string]string{"refresh_token": "1.x", "client_id": "web"})
	c.Set(middleware.ContextUserKey, &models.CurrentUser{ID: 3, SessionID: "fam"})

	handler.Logout(c)

	assert.Equal(t, http.StatusNoContent, c.Writer.Status())
	assert.Equal(t, int64(3), svc.logoutUser.ID)
	assert.Equal(t, "1.x", svc.logoutReq.RefreshToken)
}

func TestAuthHandlerLogoutRequiresIdentity(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{})
	c, w := newTestContext(http.MethodPost, "/auth/logout", map[string]string{"refresh_token": "1.x", "client_id": "web"})

	handler.Logout(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandlerRevokeSessions(t *testing.T) {
	svc := &authServiceMock{}
	handler := NewAuthHandler(svc)
	c, _ := newTestContext(http.MethodDelete, "/auth/users/5/sessions", nil)
	c.Params = gin.Params{{Key: "id", Value: "5"}}
	c.Set(middleware.ContextUserKey, &models.CurrentUser{ID: 1, Roles: []models.UserRole{models.RoleAdmin}})

	handler.RevokeSessions(c)

	assert.Equal(t, http.StatusNoContent, c.Writer.Status())
	assert.Equal(t, int64(5), svc.revokedID)

	c, w := newTestContext(http.MethodDelete, "/auth/users/x/sessions", nil)
	c.Params = gin.Params{{Key: "id", Value: "x"}}
	c.Set(middleware.ContextUserKey, &models.CurrentUser{ID: 1})
	handler.RevokeSessions(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandlerCurrentUser(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{})
	c, w := newTestContext(http.MethodGet, "/auth/current-user", nil)
	c.Set(middleware.ContextUserKey, &models.CurrentUser{ID: 9, Email: "me@example.com"})

	handler.CurrentUser(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"email":"me@example.com"`)
}
