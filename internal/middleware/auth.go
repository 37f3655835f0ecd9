package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/models"
	"github.com/streamgate/streamgate/internal/security"
)

// Context keys set by JWTAuth.
const (
	UserIDKey = "user_id"
	claimsKey = "claims"
)

// allProjects in the projects claim grants every project (service tokens).
const allProjects = "*"

// authTimingFloor is the minimum response time of a rejected request so
// failures cannot be told apart by latency.
const authTimingFloor = 50 * time.Millisecond

// tokenLeeway tolerates clock skew between the issuer and this server.
const tokenLeeway = 30 * time.Second

var errNoSubject = errors.New("token has no subject")

// Claims is the JWT body: sub is the user, projects lists the projects the
// user may stream.
type Claims struct {
	Projects []string `json:"projects,omitempty"`
	jwt.RegisteredClaims
}

// AllowsProject reports whether the token grants projectID.
func (c *Claims) AllowsProject(projectID string) bool {
	return slices.Contains(c.Projects, allProjects) || slices.Contains(c.Projects, projectID)
}

// TokenVerifier validates HS256 tokens signed with a shared secret.
type TokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenVerifier creates a TokenVerifier for secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(tokenLeeway),
		),
	}
}

// Verify parses and validates token.
func (v *TokenVerifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}

	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	if claims.Subject == "" {
		return nil, errNoSubject
	}

	return claims, nil
}

// Issue signs a token for userID valid for ttl.
func (v *TokenVerifier) Issue(userID string, projects []string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := &Claims{
		Projects: projects,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return token, nil
}

// enforceTimingFloor sleeps if needed so the response takes at least authTimingFloor.
func enforceTimingFloor(start time.Time) {
	if elapsed := time.Since(start); elapsed < authTimingFloor {
		time.Sleep(authTimingFloor - elapsed)
	}
}

// JWTAuth authenticates requests by bearer token. Failures are counted per
// client address when lockouts is set.
func JWTAuth(v *TokenVerifier, log *logrus.Logger, lockouts security.Lockouts) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		defer func() {
			if c.Writer.Status() == http.StatusUnauthorized {
				enforceTimingFloor(start)
			}
		}()

		token := ExtractToken(c)
		if token == "" {
			respondError(c, http.StatusUnauthorized, codeUnauthorized, "missing or invalid authorization header")
			return
		}

		claims, err := v.Verify(token)
		if err != nil {
			logAuthFailure(log, c, err)

			recordAuthFailure(c, lockouts, log)

			respondError(c, http.StatusUnauthorized, codeUnauthorized, "invalid token")
			return
		}

		clearAuthFailures(c, lockouts, log)

		c.Set(UserIDKey, claims.Subject)
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ExtractToken returns the bearer token from the Authorization header, or
// from the access_token query parameter for clients such as EventSource that
// cannot set headers.
func ExtractToken(c *gin.Context) string {
	if token := ExtractBearerToken(c); token != "" {
		return token
	}

	return c.Query("access_token")
}

// ExtractBearerToken extracts the token from the Authorization header.
func ExtractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return ""
	}

	return strings.TrimPrefix(header, "Bearer ")
}

// Session resolves the session of an authenticated request for projectID.
// It responds 400 or 403 and returns false when the caller may not stream it.
func Session(c *gin.Context, projectID string) (models.SessionKey, bool) {
	v, _ := c.Get(claimsKey)

	claims, ok := v.(*Claims)
	if !ok {
		respondError(c, http.StatusUnauthorized, codeUnauthorized, "not authenticated")
		return models.SessionKey{}, false
	}

	key := models.SessionKey{UserID: claims.Subject, ProjectID: projectID}
	if err := key.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return models.SessionKey{}, false
	}

	if !claims.AllowsProject(projectID) {
		respondError(c, http.StatusForbidden, codeForbidden, "project not granted by token")
		return models.SessionKey{}, false
	}

	return key, true
}

// logAuthFailure logs a failed authentication attempt.
func logAuthFailure(log *logrus.Logger, c *gin.Context, err error) {
	log.WithError(err).WithFields(logrus.Fields{
		"client_ip":  c.ClientIP(),
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
		"user_agent": c.Request.UserAgent(),
		"request_id": c.GetString(RequestIDKey),
	}).Warn("authentication failed")
}
