package bootstrap

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/contentguard/scanner/adapter/in/proto"
	"github.com/contentguard/scanner/config"
	"github.com/contentguard/scanner/infra/middleware"
	"github.com/contentguard/scanner/pkg/logger"
	"github.com/contentguard/scanner/pkg/ratelimit"
)

// NewAPI builds the Fiber ingress app (§6.1) plus the /health and
// /metrics introspection surface, following the teacher's
// fiber.New(fiber.Config{...}) + middleware stack + feature-handler
// Register pattern, trimmed to what this service actually needs (no
// auth/session middleware, since that subsystem belongs to the
// teacher's own domain, not this one's).
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.ParseLevel(cfg.LogLevel)
	}
	logger.Init(logger.Config{Level: logLevel, Service: "scanner-api"})

	sc, err := NewScanner(cfg)
	if err != nil {
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             10 * 1024 * 1024,
		ServerHeader:          "",
		DisableDefaultDate:    true,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(compress.New())
	app.Use(cors.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		if err := sc.Service.Ping(c.Context()); err != nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		}
		return c.JSON(fiber.Map{"status": "ok", "worker_id": cfg.WorkerID})
	})
	app.Get("/metrics", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"symbols": sc.symbolsCount()})
	})
	app.Get("/history", func(c *fiber.Ctx) error {
		n := c.QueryInt("n", 100)
		return c.JSON(sc.Service.History(n))
	})

	guardClient := goredis.NewClient(&goredis.Options{Addr: cfg.UpstreamAddrs[0]})
	guard := ratelimit.NewIngressGuard(guardClient, &ratelimit.Config{
		MaxConcurrent:     cfg.IngressMaxConcurrent,
		RequestsPerSecond: cfg.IngressRequestsPerSec,
		BurstSize:         cfg.IngressBurstSize,
		DebounceDuration:  time.Duration(cfg.IngressDebounceSec) * time.Second,
		MaxPayloadSize:    cfg.IngressMaxHeaderRepeats,
	})
	memGuard := ratelimit.NewMemoryGuard(cfg.IngressMaxHeaderRepeats)

	handler := proto.NewHandler(sc.Service, cfg.ScanTimeout, memGuard)
	handler.Register(app, guard)

	cleanup := func() {
		sc.Close()
		guardClient.Close()
	}

	logger.Info("api bootstrapped, listen=%s timeout=%s", cfg.ListenAddr, cfg.ScanTimeout)

	return app, cleanup, nil
}
