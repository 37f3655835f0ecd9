package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/middleware"
	"github.com/streamgate/streamgate/internal/security"
)

const testSecret = "test-secret-at-least-32-bytes-long!!"

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func mustIssue(t *testing.T, v *middleware.TokenVerifier, user string, projects []string, ttl time.Duration) string {
	t.Helper()

	token, err := v.Issue(user, projects, ttl)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func TestJWTAuth(t *testing.T) {
	v := middleware.NewTokenVerifier(testSecret)
	other := middleware.NewTokenVerifier("another-secret-that-is-also-long!!")

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing none token: %v", err)
	}

	tests := []struct {
		name       string
		authHeader string
		query      string
		wantStatus int
	}{
		{"missing header", "", "", http.StatusUnauthorized},
		{"no bearer prefix", mustIssue(t, v, "u1", nil, time.Hour), "", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + mustIssue(t, other, "u1", nil, time.Hour), "", http.StatusUnauthorized},
		{"expired", "Bearer " + mustIssue(t, v, "u1", nil, -time.Hour), "", http.StatusUnauthorized},
		{"alg none", "Bearer " + none, "", http.StatusUnauthorized},
		{"empty subject", "Bearer " + mustIssue(t, v, "", nil, time.Hour), "", http.StatusUnauthorized},
		{"valid header", "Bearer " + mustIssue(t, v, "u1", nil, time.Hour), "", http.StatusOK},
		{"valid query", "", "?access_token=" + mustIssue(t, v, "u1", nil, time.Hour), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(middleware.JWTAuth(v, quietLogger(), nil))
			r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/test"+tt.query, http.NoBody)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestJWTAuth_SetsUserID(t *testing.T) {
	v := middleware.NewTokenVerifier(testSecret)

	var gotUser string

	r := gin.New()
	r.Use(middleware.JWTAuth(v, quietLogger(), nil))
	r.GET("/test", func(c *gin.Context) {
		gotUser = c.GetString(middleware.UserIDKey)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+mustIssue(t, v, "u1", nil, time.Hour))
	r.ServeHTTP(w, req)

	if gotUser != "u1" {
		t.Fatalf("user_id = %q, want u1", gotUser)
	}
}

func TestJWTAuth_RepeatedFailuresLockOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := quietLogger()
	policy := security.Policy{MaxFailures: 3, Window: time.Minute, Lockout: time.Minute}
	lockouts := security.NewMemoryLockouts(ctx, policy)
	v := middleware.NewTokenVerifier(testSecret)
	good := "Bearer " + mustIssue(t, v, "u1", nil, time.Hour)

	r := gin.New()
	r.Use(middleware.RejectLockedOut(lockouts, log), middleware.JWTAuth(v, log, lockouts))
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(auth string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
		req.RemoteAddr = "9.9.9.9:1000"
		req.Header.Set("Authorization", auth)
		r.ServeHTTP(w, req)
		return w
	}

	// A success in between starts the count over.
	for range policy.MaxFailures - 1 {
		call("Bearer nope")
	}
	if w := call(good); w.Code != http.StatusOK {
		t.Fatalf("status = %d before lockout, want 200", w.Code)
	}

	for range policy.MaxFailures {
		call("Bearer nope")
	}

	w := call(good)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
}

func TestSession(t *testing.T) {
	v := middleware.NewTokenVerifier(testSecret)

	tests := []struct {
		name       string
		projects   []string
		project    string
		wantStatus int
	}{
		{"granted", []string{"p1", "p2"}, "p2", http.StatusOK},
		{"wildcard", []string{"*"}, "anything", http.StatusOK},
		{"not granted", []string{"p1"}, "p3", http.StatusForbidden},
		{"no projects", nil, "p1", http.StatusForbidden},
		{"missing project", []string{"*"}, "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(middleware.JWTAuth(v, quietLogger(), nil))
			r.GET("/test", func(c *gin.Context) {
				key, ok := middleware.Session(c, c.Query("project"))
				if !ok {
					return
				}
				if key.UserID != "u1" || key.ProjectID != tt.project {
					t.Errorf("session = %+v", key)
				}
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/test?project="+tt.project, http.NoBody)
			req.Header.Set("Authorization", "Bearer "+mustIssue(t, v, "u1", tt.projects, time.Hour))
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"abc123", ""},
		{"", ""},
		{"Bearer ", ""},
		{"bearer abc", ""},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			got := middleware.ExtractBearerToken(c)
			if got != tt.want {
				t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}
