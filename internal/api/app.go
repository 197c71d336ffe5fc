// Package api wires the merchant-facing REST surface and the provider
// webhook receiver onto the state engine: RestServer holds a
// *gin.Engine, grouped routes, and the same Recovery/logging/CORS/
// error-handler middleware stack, fronting stablecoin invoices and
// payment intents.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/stablegate/stablegate/build"
	"github.com/stablegate/stablegate/internal/apierr"
	"github.com/stablegate/stablegate/internal/intents"
	"github.com/stablegate/stablegate/internal/merchants"
	"github.com/stablegate/stablegate/internal/platform/db"
	"github.com/stablegate/stablegate/internal/validation"

	"github.com/gin-gonic/gin/binding"
	validator "gopkg.in/go-playground/validator.v8"
)

var log = build.AddSubLogger("API")

// Config is the handful of runtime knobs the API layer itself needs, a
// subset of internal/config.Config threaded through at NewApp time
// rather than the whole process config.
type Config struct {
	LogLevel             logrus.Level
	ProviderWebhookSecret string
	InvoiceDefaultExpiry time.Duration
}

// RestServer is the rest server for our app. It pairs a Gin router with
// the database connection every handler ultimately reads and writes
// through.
type RestServer struct {
	Router *gin.Engine
	db     *db.DB
	cfg    Config

	allocator intents.AddressAllocator
	pricing   intents.PricingCalculator
}

func getCorsConfig() cors.Config {
	return cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:    []string{"Accept", "Content-Type", "Authorization", "Idempotency-Key"},
	}
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus and
// applying CORS configuration.
func getGinEngine() *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying Gin logging middleware")
	engine.Use(build.GinLoggingMiddleWare(log))

	log.Debug("Applying CORS middleware")
	engine.Use(cors.New(getCorsConfig()))

	log.Debug("Applying error handler middleware")
	engine.Use(apierr.GetMiddleware(log))
	return engine
}

// NewApp builds the gateway's HTTP surface: the merchant API, the
// provider webhook receiver, and a ping route. Only the /api merchant
// routes are guarded by merchant API-key auth; /ping, the webhook
// receiver and the not-found handler are not.
func NewApp(database *db.DB, cfg Config) (*RestServer, error) {
	build.SetLogLevel("API", cfg.LogLevel)

	g := getGinEngine()

	engine, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil, errors.New("gin validator engine was not validator.Validate")
	}
	registered := validation.RegisterAllValidators(engine)
	log.Infof("Registered custom validators: %s", registered)

	r := &RestServer{
		Router:    g,
		db:        database,
		cfg:       cfg,
		allocator: staticAllocator{},
		pricing:   fixedRatePricing{},
	}

	r.Router.GET("/ping", func(c *gin.Context) {
		c.String(200, "pong")
	})
	r.Router.POST("/webhooks/provider", r.receiveProviderWebhook())

	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	merchantRoutes := r.Router.Group("/api")
	merchantRoutes.Use(merchants.GetMiddleware(database, log))
	r.registerInvoiceRoutes(merchantRoutes)

	return r, nil
}
