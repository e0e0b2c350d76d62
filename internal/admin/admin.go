// Package admin provides operator endpoints for inspecting and refreshing
// platform certificates and checking payment forwarding.
package admin

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderSecret carries the admin secret.
const HeaderSecret = "X-Admin-Secret"

// CertificateView is one platform certificate as reported to operators.
type CertificateView struct {
	Serial      string     `json:"serial"`
	EffectiveAt *time.Time `json:"effectiveAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// GatewayCertificates is the certificate table of one gateway.
type GatewayCertificates struct {
	Gateway      string            `json:"gateway"`
	Certificates []CertificateView `json:"certificates"`
	Count        int               `json:"count"`
	LastRefresh  *time.Time        `json:"lastRefresh,omitempty"`
}

// RequireSecret rejects requests without the configured secret. An empty
// secret locks the endpoints instead of opening them.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "ADMIN_SECRET is not configured",
			})
			return
		}
		got := c.GetHeader(HeaderSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing " + HeaderSecret})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "invalid admin secret"})
			return
		}
		c.Next()
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
