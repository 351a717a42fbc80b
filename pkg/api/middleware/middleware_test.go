package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lenrd/pkg/auth"
	. "lenrd/pkg/api/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextRequestIDKey)) })

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	generated := rec.Header().Get("X-Request-ID")
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = serve(r, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodySizeLimit(8))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	rec := serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("this body is too long")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ok")))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestShutdownGuard(t *testing.T) {
	down := false
	r := gin.New()
	r.Use(ShutdownGuard(func() bool { return down }))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	down = true
	rec := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "shutting down")
}

func TestAuthenticate(t *testing.T) {
	cfg := auth.DefaultJWTConfig()
	cfg.SecretKey = "test-secret"
	cfg.TokenExpiry = time.Hour
	svc, err := auth.NewJWTService(cfg)
	require.NoError(t, err)

	r := gin.New()
	r.Use(Authenticate(svc))
	r.GET("/read", RequireRole(auth.RoleViewer), func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})
	r.POST("/write", RequireRole(auth.RoleOperator), func(c *gin.Context) { c.Status(http.StatusOK) })

	viewer, err := svc.GenerateToken("dashboard", auth.RoleViewer)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, serve(r, httptest.NewRequest(http.MethodGet, "/read", nil)).Code)

	req := httptest.NewRequest(http.MethodGet, "/read", nil)
	req.Header.Set(AuthHeaderKey, "Bearer "+viewer)
	rec := serve(r, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dashboard", rec.Body.String())

	// event streams pass the token as a query parameter
	rec = serve(r, httptest.NewRequest(http.MethodGet, "/read?access_token="+viewer, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/write", nil)
	req.Header.Set(AuthHeaderKey, "bearer "+viewer)
	assert.Equal(t, http.StatusForbidden, serve(r, req).Code)
}

func TestMetricsAndTracingPassThrough(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Tracing("lenrd-test"), Metrics(), RequestLogger(zap.NewNop()))
	r.GET("/jobs/:id", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/jobs/42", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, http.StatusNotFound, serve(r, httptest.NewRequest(http.MethodGet, "/nope", nil)).Code)
}
