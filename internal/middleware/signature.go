package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/security"
)

// SignatureHeader carries the HMAC of an internal request body.
const SignatureHeader = "X-Signature"

const signaturePrefix = "sha256="

// Sign returns the X-Signature value of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// validSignature compares header against the expected HMAC in constant time.
func validSignature(secret string, body []byte, header string) bool {
	hexSum, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}

	got, err := hex.DecodeString(hexSum)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hmac.Equal(got, mac.Sum(nil))
}

// RequireSignature authenticates internal callers by an HMAC-SHA256 of the
// raw request body. The body is restored for the handler.
func RequireSignature(secret string, log *logrus.Logger, lockouts security.Lockouts) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondError(c, http.StatusRequestEntityTooLarge, codeTooLarge, "request body too large")
				return
			}

			respondError(c, http.StatusBadRequest, codeInvalidRequest, "unreadable body")
			return
		}

		if !validSignature(secret, body, c.GetHeader(SignatureHeader)) {
			log.WithFields(logrus.Fields{
				"client_ip":  c.ClientIP(),
				"path":       c.Request.URL.Path,
				"request_id": c.GetString(RequestIDKey),
			}).Warn("rejected request with bad signature")

			recordAuthFailure(c, lockouts, log)

			respondError(c, http.StatusUnauthorized, codeUnauthorized, "invalid signature")
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
