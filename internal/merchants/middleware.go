package merchants

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/stablegate/stablegate/internal/apierr"
	"github.com/stablegate/stablegate/internal/platform/db"
)

const (
	// Header is the name of the header we check for merchant authentication.
	Header = "Authorization"
	// Scheme is the required prefix of the Authorization header value.
	Scheme = "ApiKey "
	// ContextKey is the Gin context key the authenticated merchant is
	// stored under.
	ContextKey = "merchant"
)

// GetMiddleware returns a Gin middleware that authenticates a merchant
// from an "Authorization: ApiKey <key>" header and stores the resolved
// Merchant in the Gin context under ContextKey.
func GetMiddleware(database *db.DB, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(Header)
		if header == "" {
			apierr.PublicErr(c, apierr.ErrMissingAuthHeader)
			return
		}
		if !strings.HasPrefix(header, Scheme) {
			apierr.PublicErr(c, apierr.ErrMalformedApiKey)
			return
		}

		rawKey := strings.TrimPrefix(header, Scheme)
		if rawKey == "" {
			apierr.PublicErr(c, apierr.ErrMalformedApiKey)
			return
		}

		merchant, err := GetByAPIKeyHash(database, HashAPIKey(rawKey))
		if err != nil {
			log.WithError(err).Trace("rejected API key")
			apierr.PublicErr(c, apierr.ErrApiKeyNotFound)
			return
		}

		c.Set(ContextKey, merchant)
		c.Next()
	}
}

// FromContext retrieves the authenticated merchant set by GetMiddleware.
func FromContext(c *gin.Context) (Merchant, bool) {
	value, ok := c.Get(ContextKey)
	if !ok {
		return Merchant{}, false
	}
	merchant, ok := value.(Merchant)
	return merchant, ok
}
