package api

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	uuid "github.com/satori/go.uuid"

	"github.com/stablegate/stablegate/internal/apierr"
	"github.com/stablegate/stablegate/internal/engine"
	"github.com/stablegate/stablegate/internal/httptypes"
	"github.com/stablegate/stablegate/internal/idempotency"
	"github.com/stablegate/stablegate/internal/ingress"
	"github.com/stablegate/stablegate/internal/intents"
	"github.com/stablegate/stablegate/internal/invoices"
	"github.com/stablegate/stablegate/internal/merchants"
	"github.com/stablegate/stablegate/internal/money"
	"github.com/stablegate/stablegate/internal/outbox"
	"github.com/stablegate/stablegate/internal/platform/db"
)

func (r *RestServer) registerInvoiceRoutes(group *gin.RouterGroup) {
	group.POST("/invoices", r.createInvoice())
	group.GET("/invoices/:id", r.getInvoice())
	group.GET("/invoices/:id/status", r.getInvoiceStatus())
	group.POST("/invoices/:id/intents", r.createIntent())
	group.POST("/invoices/:id/cancel", r.cancelInvoice())
}

func merchantOrReject(c *gin.Context) (merchants.Merchant, bool) {
	merchant, ok := merchants.FromContext(c)
	if !ok {
		apierr.PublicErr(c, apierr.ErrMissingAuthHeader)
		return merchants.Merchant{}, false
	}
	return merchant, true
}

// invoiceIDOrReject parses the :id path param. A malformed UUID is
// reported as ErrInvoiceNotFound rather than a dedicated validation
// error, since it's indistinguishable from "no invoice with this id"
// to the caller.
func invoiceIDOrReject(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.FromString(c.Param("id"))
	if err != nil {
		apierr.PublicErr(c, apierr.ErrInvoiceNotFound)
		return uuid.UUID{}, false
	}
	return id, true
}

// invoiceResponse is the wire shape returned by createInvoice and
// getInvoice.
type invoiceResponse struct {
	InvoiceID string    `json:"invoiceId"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expiresAt"`
	PayURL    string    `json:"payUrl,omitempty"`
}

func payURL(invoiceID uuid.UUID) string {
	return fmt.Sprintf("https://pay.stablegate.io/%s", invoiceID)
}

// createInvoice implements `POST /api/invoices`: requires an
// Idempotency-Key header, replays the stored response on a matching
// retry, and rejects a key reused with a different body.
func (r *RestServer) createInvoice() gin.HandlerFunc {
	type option struct {
		Token string `json:"token" binding:"required"`
		Chain string `json:"chain" binding:"required"`
	}
	type request struct {
		MerchantOrderID string          `json:"merchantOrderId" binding:"required,max=256"`
		FiatAmount      money.FiatCents `json:"fiatAmount" binding:"required,gt=0"`
		Currency        string          `json:"currency"`
		AllowedOptions  []option        `json:"allowedOptions" binding:"required,min=1,dive"`
		CallbackURL     string          `json:"callbackUrl" binding:"omitempty,url"`
		ExpirySeconds   int64           `json:"expirySeconds"`
	}

	return func(c *gin.Context) {
		merchant, ok := merchantOrReject(c)
		if !ok {
			return
		}

		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			apierr.PublicErr(c, apierr.ErrMissingIdempotencyKey)
			return
		}

		body, err := ioutil.ReadAll(c.Request.Body)
		if err != nil {
			_ = c.Error(err)
			return
		}
		fingerprint := idempotency.Fingerprint(body)

		record, err := idempotency.Check(r.db, idempotency.ScopeCreateInvoice, key, fingerprint)
		if err != nil {
			if err == idempotency.ErrConflict {
				apierr.PublicErr(c, apierr.ErrIdempotencyKeyReused)
				return
			}
			_ = c.Error(err)
			return
		}
		if record != nil {
			var cached invoiceResponse
			if err := record.Response(&cached); err != nil {
				_ = c.Error(err)
				return
			}
			c.JSON(http.StatusOK, httptypes.Response(cached))
			return
		}

		var req request
		c.Request.Body = ioutil.NopCloser(bytes.NewReader(body))
		if c.BindJSON(&req) != nil {
			return
		}

		expiry := r.cfg.InvoiceDefaultExpiry
		if req.ExpirySeconds > 0 {
			expiry = time.Duration(req.ExpirySeconds) * time.Second
		}

		options := make([]invoices.Option, len(req.AllowedOptions))
		for i, o := range req.AllowedOptions {
			options[i] = invoices.Option{Token: o.Token, Chain: o.Chain}
		}

		invoice, err := invoices.Create(r.db, invoices.CreateParams{
			MerchantID:      merchant.ID,
			MerchantOrderID: req.MerchantOrderID,
			FiatAmountCents: req.FiatAmount,
			Currency:        req.Currency,
			AllowedOptions:  options,
			CallbackURL:     req.CallbackURL,
			ExpiresAt:       time.Now().UTC().Add(expiry),
		})
		if err != nil {
			if _, getErr := invoices.GetByMerchantOrderID(r.db, merchant.ID, req.MerchantOrderID); getErr == nil {
				apierr.PublicErr(c, apierr.ErrMerchantOrderIdAlreadyUsed)
				return
			}
			_ = c.Error(err)
			return
		}

		resp := invoiceResponse{
			InvoiceID: invoice.ID.String(),
			Status:    engine.WireStatusForInvoice(invoice.Status, "", false),
			ExpiresAt: invoice.ExpiresAt,
			PayURL:    payURL(invoice.ID),
		}

		if err := idempotency.Store(r.db, idempotency.ScopeCreateInvoice, key, fingerprint, resp, idempotency.DefaultTTL); err != nil {
			log.WithError(err).Warn("could not store idempotency record for invoice create")
		}

		c.JSON(http.StatusOK, httptypes.Response(resp))
	}
}

func (r *RestServer) getInvoice() gin.HandlerFunc {
	return func(c *gin.Context) {
		merchant, ok := merchantOrReject(c)
		if !ok {
			return
		}
		id, ok := invoiceIDOrReject(c)
		if !ok {
			return
		}

		invoice, err := invoices.GetByID(r.db, merchant.ID, id)
		if err != nil {
			apierr.PublicErr(c, apierr.ErrInvoiceNotFound)
			return
		}

		fundingIntent, hasFunding, err := intents.GetFundingIntent(r.db, id)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, httptypes.Response(invoiceResponse{
			InvoiceID: invoice.ID.String(),
			Status:    engine.WireStatusForInvoice(invoice.Status, fundingIntent.Status, hasFunding),
			ExpiresAt: invoice.ExpiresAt,
			PayURL:    payURL(invoice.ID),
		}))
	}
}

// getInvoiceStatus is the lightweight status poll: just the wire
// status, without the rest of the invoice view.
func (r *RestServer) getInvoiceStatus() gin.HandlerFunc {
	type response struct {
		InvoiceID string `json:"invoiceId"`
		Status    string `json:"status"`
	}
	return func(c *gin.Context) {
		merchant, ok := merchantOrReject(c)
		if !ok {
			return
		}
		id, ok := invoiceIDOrReject(c)
		if !ok {
			return
		}

		invoice, err := invoices.GetByID(r.db, merchant.ID, id)
		if err != nil {
			apierr.PublicErr(c, apierr.ErrInvoiceNotFound)
			return
		}

		fundingIntent, hasFunding, err := intents.GetFundingIntent(r.db, id)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, httptypes.Response(response{
			InvoiceID: invoice.ID.String(),
			Status:    engine.WireStatusForInvoice(invoice.Status, fundingIntent.Status, hasFunding),
		}))
	}
}

// createIntent implements `POST /api/invoices/{id}/intents`: binds a
// buyer's chosen (token, chain) to a fresh deposit address and prices
// the invoice's fiat amount into that token's atomic units, then
// replays any transfers that arrived at this address before the intent
// existed.
func (r *RestServer) createIntent() gin.HandlerFunc {
	type request struct {
		Token string `json:"token" binding:"required"`
		Chain string `json:"chain" binding:"required"`
	}
	type response struct {
		IntentID       string    `json:"intentId"`
		DepositAddress string    `json:"depositAddress"`
		AtomicAmount   string    `json:"atomicAmount"`
		Token          string    `json:"token"`
		Chain          string    `json:"chain"`
		ExpiresAt      time.Time `json:"expiresAt"`
	}

	return func(c *gin.Context) {
		merchant, ok := merchantOrReject(c)
		if !ok {
			return
		}
		id, ok := invoiceIDOrReject(c)
		if !ok {
			return
		}

		invoice, err := invoices.GetByID(r.db, merchant.ID, id)
		if err != nil {
			apierr.PublicErr(c, apierr.ErrInvoiceNotFound)
			return
		}
		if invoice.Status.Terminal() {
			apierr.PublicErr(c, apierr.ErrInvoiceTerminal)
			return
		}

		var req request
		if c.BindJSON(&req) != nil {
			return
		}
		if !invoice.AllowsOption(req.Token, req.Chain) {
			apierr.PublicErr(c, apierr.ErrUnsupportedOption)
			return
		}

		intent, err := intents.Create(c.Request.Context(), r.db, r.allocator, r.pricing,
			invoice.FiatAmountCents, invoice.Currency, intents.CreateParams{
				InvoiceID: invoice.ID,
				Token:     req.Token,
				Chain:     req.Chain,
			})
		if err != nil {
			_ = c.Error(err)
			return
		}

		if err := ingress.RebindUnmatched(r.db, intent.Chain, intent.Token, intent.DepositAddress); err != nil {
			log.WithError(err).WithField("intentId", intent.ID).Error("could not rebind unmatched transfers to new intent")
		}

		c.JSON(http.StatusOK, httptypes.Response(response{
			IntentID:       intent.ID.String(),
			DepositAddress: intent.DepositAddress,
			AtomicAmount:   intent.TargetAtomicAmount.String(),
			Token:          intent.Token,
			Chain:          intent.Chain,
			ExpiresAt:      invoice.ExpiresAt,
		}))
	}
}

// cancelInvoice is the administrative cancel operation:
// PENDING/UNDERPAID -> CANCELLED, no-op on a PAID or terminal invoice.
func (r *RestServer) cancelInvoice() gin.HandlerFunc {
	return func(c *gin.Context) {
		merchant, ok := merchantOrReject(c)
		if !ok {
			return
		}
		id, ok := invoiceIDOrReject(c)
		if !ok {
			return
		}

		if _, err := invoices.GetByID(r.db, merchant.ID, id); err != nil {
			apierr.PublicErr(c, apierr.ErrInvoiceNotFound)
			return
		}

		if err := cancelInvoiceTx(r.db, id); err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, httptypes.Response(gin.H{"invoiceId": id.String(), "status": engine.WireCancelled}))
	}
}

func cancelInvoiceTx(database *db.DB, id uuid.UUID) error {
	tx, err := database.BeginTx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	invoice, err := invoices.LockForUpdate(tx, id)
	if err != nil {
		return err
	}

	result := engine.ApplyCancel(invoice.ID, invoice.Status)
	if !result.Cancelled {
		return tx.Commit()
	}

	if err := invoices.UpdateStatus(tx, invoice.ID, result.NewInvoiceStatus); err != nil {
		return err
	}
	if err := outbox.Insert(tx, result.Records); err != nil {
		return err
	}
	return tx.Commit()
}
