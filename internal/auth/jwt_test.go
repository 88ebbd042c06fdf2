package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lobbyx/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	require.NoError(t, err)
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := testManager(t)

	now := time.Unix(1700000000, 0).UTC()
	id := Identity{UserID: "user-1", DisplayName: "Ada", AvatarURL: "https://cdn.example/ada.png", Role: "user"}
	pair, err := m.IssuePair(now, id)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(1*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, id, claims.Identity())

	refresh, err := m.Verify(pair.RefreshToken, TokenTypeRefresh, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, refresh.Role, "refresh token must not carry profile")
	assert.Empty(t, refresh.DisplayName, "refresh token must not carry profile")
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m, err := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	require.NoError(t, err)
	p, err := m.IssuePair(time.Now(), Identity{UserID: "u", Role: "user"})
	require.NoError(t, err)

	_, err = m.Verify(p.RefreshToken, TokenTypeAccess, time.Now())
	assert.Error(t, err, "expected token_type mismatch")
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := testManager(t)
	now := time.Unix(1700000000, 0).UTC()
	p, err := m.IssuePair(now, Identity{UserID: "u", Role: "user"})
	require.NoError(t, err)

	_, err = m.Verify(p.AccessToken, TokenTypeAccess, now.Add(time.Hour))
	assert.Error(t, err, "expected expiry error")
}

func TestRequireAccessToken_HeaderAndQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := testManager(t)
	p, err := m.IssuePair(time.Now(), Identity{UserID: "u1", DisplayName: "Ada", Role: "user"})
	require.NoError(t, err)

	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		id, err := IdentityFrom(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, id.DisplayName)
	})

	cases := []struct {
		name string
		req  func() *http.Request
		want int
	}{
		{"header", func() *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			req.Header.Set("Authorization", "Bearer "+p.AccessToken)
			return req
		}, http.StatusOK},
		{"query", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/x?access_token="+p.AccessToken, nil)
		}, http.StatusOK},
		{"missing", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/x", nil)
		}, http.StatusUnauthorized},
		{"garbage", func() *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			req.Header.Set("Authorization", "Bearer nope")
			return req
		}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, tc.req())
			require.Equal(t, tc.want, w.Code)
			if tc.want == http.StatusOK {
				assert.Equal(t, "Ada", w.Body.String())
			}
		})
	}
}
