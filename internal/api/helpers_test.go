package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/hub"
	"github.com/streamgate/streamgate/internal/middleware"
	"github.com/streamgate/streamgate/internal/models"
)

const (
	testJWTSecret     = "jwt-secret-for-tests-0123456789abcdef"
	testPublishSecret = "publish-secret-for-tests"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)

	return l
}

func testToken(t *testing.T, user string, projects ...string) string {
	t.Helper()

	token, err := middleware.NewTokenVerifier(testJWTSecret).Issue(user, projects, time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}

	return token
}

// newAuthedRouter creates a gin engine that authenticates with the test secret.
func newAuthedRouter() *gin.Engine {
	r := gin.New()
	r.Use(middleware.JWTAuth(middleware.NewTokenVerifier(testJWTSecret), testLogger(), nil))

	return r
}

// doRequest performs an HTTP request against the test router and returns the recorder.
func doRequest(r http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}

	for k, v := range header {
		req.Header[k] = v
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	return w
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// fakeHub implements api.Hub without a backing store.
type fakeHub struct {
	attachFn  func(ctx context.Context, req *hub.AttachRequest) (*hub.Stream, error)
	publishFn func(ctx context.Context, req *models.PublishRequest) (*models.PublishResult, error)
	count     int
}

func (f *fakeHub) Attach(ctx context.Context, req *hub.AttachRequest) (*hub.Stream, error) {
	return f.attachFn(ctx, req)
}

func (f *fakeHub) ConnectionCount() int { return f.count }

func (f *fakeHub) Publish(ctx context.Context, req *models.PublishRequest) (*models.PublishResult, error) {
	return f.publishFn(ctx, req)
}

// fakePinger reports err from HealthCheck.
type fakePinger struct{ err error }

func (p fakePinger) HealthCheck(context.Context) error { return p.err }
