package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"contact-center/internal/auth"

	"github.com/gin-gonic/gin"
)

func identity(userID, agentID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, agentID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func serve(t *testing.T, path, target string, handlers ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) { c.Status(200) })
	r.GET(path, handlers...)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	code := serve(t, "/x", "/x", identity("u", "", RoleSuperAdmin), RequireIdentity(), RequireAnyRole(RoleOwner))
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_HiddenRoleDeniedUnlessAllowed(t *testing.T) {
	if code := serve(t, "/x", "/x", identity("u", "", RoleSystem), RequireAnyRole(RoleSupervisor)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(t, "/x", "/x", identity("u", "", RoleSystem), RequireAnyRole(RoleSystem)); code != 200 {
		t.Fatalf("expected 200 when allowed, got %d", code)
	}
}

func TestRequireIdentity_UserRequired(t *testing.T) {
	code := serve(t, "/x", "/x", identity("", "", RoleOwner), RequireIdentity(), RequireAnyRole(RoleOwner))
	if code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequireAgentSelf(t *testing.T) {
	cases := []struct {
		name   string
		ident  gin.HandlerFunc
		target string
		want   int
	}{
		{"own session", identity("u1", "a1", RoleAgent), "/agents/a1", 200},
		{"other agent", identity("u1", "a1", RoleAgent), "/agents/a2", 403},
		{"supervisor", identity("u2", "", RoleSupervisor), "/agents/a2", 200},
		{"no role", identity("u3", "a3", ""), "/agents/a3", 401},
	}
	for _, tc := range cases {
		if code := serve(t, "/agents/:agent_id", tc.target, tc.ident, RequireAgentSelf("agent_id")); code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, code)
		}
	}
}
