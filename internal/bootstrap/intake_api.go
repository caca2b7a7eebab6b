package bootstrap

import (
	"intake_server/adapter/in/http"
	"intake_server/infra/middleware"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/redis/go-redis/v9"
)

// NewAPI builds the fiber app on top of already wired dependencies.
func NewAPI(deps *Dependencies) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             2 * 1024 * 1024,
		ServerHeader:          "",
	})

	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.Recover())

	allowOrigins := cfg.AllowedOriginsHeader()
	allowCredentials := allowOrigins != "" && allowOrigins != "*"
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// A typed nil *redis.Client would look configured to the health check.
	var rdb redis.UniversalClient
	if deps.Redis != nil {
		rdb = deps.Redis
	}
	http.NewHealthHandler(deps.DB, rdb).Register(app)

	api := app.Group("/api/v1", middleware.JWTAuth(cfg.JWTSecret))
	http.NewAccountHandler(deps.AccountService).Register(api)
	http.NewEmailHandler(deps.VisibilityService, deps.Processor, deps.AttachmentStore).Register(api)

	return app
}
