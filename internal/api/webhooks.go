package api

import (
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stablegate/stablegate/internal/apierr"
	"github.com/stablegate/stablegate/internal/httptypes"
	"github.com/stablegate/stablegate/internal/idempotency"
	"github.com/stablegate/stablegate/internal/ingress"
	"github.com/stablegate/stablegate/internal/provider"
	"github.com/stablegate/stablegate/internal/signing"
)

var (
	errMissingTimestampHeader = apierr.NewValidationError(
		"missing "+signing.HeaderTimestamp+" header", "ERR_MISSING_WEBHOOK_TIMESTAMP")
	errMalformedTimestampHeader = apierr.NewValidationError(
		signing.HeaderTimestamp+" header is not a valid unix timestamp", "ERR_MALFORMED_WEBHOOK_TIMESTAMP")
	errInvalidWebhookSignature = apierr.NewValidationError(
		"webhook signature is invalid or expired", "ERR_INVALID_WEBHOOK_SIGNATURE")
	errMalformedWebhookBody = apierr.NewValidationError(
		"webhook body could not be parsed into a transfer event", "ERR_MALFORMED_WEBHOOK_BODY")
)

// receiveProviderWebhook implements `POST /webhooks/provider`: the
// provider signs its push notifications the same way we sign merchant
// callbacks, so this handler reuses internal/signing
// symmetrically for the inbound side. A verified, well-formed envelope
// is normalized and handed to ingress.Accept inside one transaction;
// any duplicate delivery (same Idempotency-Key, or the same transfer's
// natural key inside Accept itself) is idempotent by construction.
func (r *RestServer) receiveProviderWebhook() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := ioutil.ReadAll(c.Request.Body)
		if err != nil {
			_ = c.Error(err)
			return
		}

		timestampHeader := c.GetHeader(signing.HeaderTimestamp)
		if timestampHeader == "" {
			publicValidationErr(c, errMissingTimestampHeader)
			return
		}
		timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
		if err != nil {
			publicValidationErr(c, errMalformedTimestampHeader)
			return
		}

		sigHeader := c.GetHeader(signing.HeaderSignature)
		if err := signing.VerifyWithSkew(r.cfg.ProviderWebhookSecret, timestamp, body, sigHeader, time.Now().UTC()); err != nil {
			log.WithError(err).Warn("rejected provider webhook with invalid signature")
			publicValidationErr(c, errInvalidWebhookSignature)
			return
		}

		key := c.GetHeader(signing.HeaderIdempotencyKey)
		if key != "" {
			fingerprint := idempotency.Fingerprint(body)
			record, err := idempotency.Check(r.db, idempotency.ScopeWebhook, key, fingerprint)
			if err != nil && err != idempotency.ErrConflict {
				_ = c.Error(err)
				return
			}
			if record != nil {
				c.JSON(http.StatusOK, httptypes.Response(gin.H{"accepted": true}))
				return
			}
		}

		evt, err := provider.Normalize(body)
		if err != nil {
			log.WithError(err).Warn("rejected malformed provider webhook")
			publicValidationErr(c, errMalformedWebhookBody)
			return
		}

		if err := ingress.Accept(r.db, evt); err != nil {
			_ = c.Error(err)
			return
		}

		if key != "" {
			fingerprint := idempotency.Fingerprint(body)
			if err := idempotency.Store(r.db, idempotency.ScopeWebhook, key, fingerprint,
				gin.H{"accepted": true}, idempotency.DefaultTTL); err != nil {
				log.WithError(err).Warn("could not store idempotency record for provider webhook")
			}
		}

		c.JSON(http.StatusOK, httptypes.Response(gin.H{"accepted": true}))
	}
}

// publicValidationErr reports a NewValidationError-built error (the
// error interface NewValidationError returns, rather than the
// unexported apiError type apierr.PublicErr expects) back to the
// caller with the 400 status every validation error uses.
func publicValidationErr(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, httptypes.StandardErrorResponse{
		ErrorField: httptypes.StandardError{Message: err.Error(), Code: "ERR_VALIDATION"},
	})
}
