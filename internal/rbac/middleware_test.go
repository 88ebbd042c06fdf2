package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"lobbyx/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func withRole(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), auth.Identity{UserID: userID, Role: role})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func serve(r *gin.Engine, path string) int {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w.Code
}

func okHandler(c *gin.Context) { c.Status(http.StatusOK) }

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", withRole("u", RoleAdmin), RequireAnyRole("moderator"), okHandler)

	assert.Equal(t, http.StatusOK, serve(r, "/x"))
}

func TestRequireAnyRole_UserDenied(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", withRole("u", RoleUser), RequireAnyRole(RoleAdmin), okHandler)

	assert.Equal(t, http.StatusForbidden, serve(r, "/x"))
}

func TestRequireAnyRole_RoleRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", RequireAnyRole(RoleUser), okHandler)

	assert.Equal(t, http.StatusUnauthorized, serve(r, "/x"))
}

func TestRequireSelfOrAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		user, role, path string
		want             int
	}{
		{"alice", RoleUser, "/users/alice", http.StatusOK},
		{"alice", RoleUser, "/users/bob", http.StatusForbidden},
		{"root", RoleAdmin, "/users/bob", http.StatusOK},
	}
	for _, tc := range cases {
		r := gin.New()
		r.GET("/users/:user_id", withRole(tc.user, tc.role), RequireSelfOrAdmin("user_id"), okHandler)
		assert.Equal(t, tc.want, serve(r, tc.path), "%s as %s on %s", tc.user, tc.role, tc.path)
	}
}
