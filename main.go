package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"deid-viewer/annotate"
	"deid-viewer/backend"
	"deid-viewer/imaging"
	"deid-viewer/internal/constants"
	"deid-viewer/overlay"
	"deid-viewer/workflow"
)

// Global Variables and Constants
var (

	// Logger
	log = logrus.New()

	validate = validator.New()

	// Environment Variables, read by readEnvVars
	backendURL       string
	backendAPIToken  string
	backendRPM       float64
	requestTimeout   = constants.DefaultRequestTimeout
	listenAddress    = constants.DefaultListenAddress
	logLevel         string
	sessionTTL       = constants.DefaultSessionTTL
	dbPath           = constants.DefaultDBPath
	previewMaxWidth  = constants.DefaultPreviewMaxWidth
	previewMaxHeight = constants.DefaultPreviewMaxHeight
	numWorkers       = constants.DefaultWorkers
	disablePreview   bool
)

// App struct to hold dependencies
type App struct {
	Backend  backend.Backend
	Database *gorm.DB
	Imaging  imaging.Adapter
	Sessions *SessionStore
}

func main() {
	// Load .env if present
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("Failed to load .env file: %v", err)
	}

	readEnvVars()

	// Initialize logrus logger
	initLogger()

	// Validate Environment Variables
	if err := validateEnvVars(); err != nil {
		log.Fatal(err)
	}

	loadSettings()

	if err := loadPageTemplates(); err != nil {
		log.Fatalf("Failed to parse page templates: %v", err)
	}

	app := &App{
		Backend:  createBackend(),
		Database: InitializeDB(dbPath),
		Imaging:  createImaging(),
		Sessions: newSessionStore(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	StartBackgroundTasks(ctx, app)
	startWorkerPool(app, numWorkers)

	srv := &http.Server{
		Addr:    listenAddress,
		Handler: app.setupRouter(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Server shutdown failed: %v", err)
		}
	}()

	log.Infof("Server started on %s", listenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to run server: %v", err)
	}
}

// setupRouter wires the page and API routes.
func (app *App) setupRouter() *gin.Engine {
	router := gin.Default()

	router.GET("/", app.indexPageHandler)
	router.GET("/results/:ingest_id", app.resultsPageHandler)
	router.StaticFS("/static", createEmbeddedFileServer())

	api := router.Group("/api")
	{
		api.POST("/sessions", app.createSessionHandler)
		api.GET("/sessions", app.listSessionsHandler)
		api.GET("/sessions/:id", app.getSessionHandler)
		api.POST("/sessions/:id/ingest", app.ingestHandler)
		api.POST("/sessions/:id/protect", app.protectHandler)
		api.POST("/sessions/:id/retry", app.retryHandler)
		api.GET("/sessions/:id/results", app.resultsHandler)
		api.GET("/sessions/:id/protection", app.protectionHandler)
		api.GET("/sessions/:id/preview.png", app.previewHandler)
		api.GET("/sessions/:id/events", app.eventsHandler)

		api.GET("/jobs/:job_id", app.getJobStatusHandler)
		api.GET("/jobs", app.getAllJobsHandler)

		api.GET("/audit", app.getAuditHandler)

		api.GET("/settings", getSettingsHandler)
		api.POST("/settings", updateSettingsHandler)

		// Endpoint to see whether uploads get a preview surface
		api.GET("/imaging", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"available": app.Imaging.Available()})
		})
	}

	return router
}

// createBackend returns the HTTP client, or the demo backend without BACKEND_URL.
func createBackend() backend.Backend {
	if backendURL == "" {
		log.Warn("BACKEND_URL is not set, using the built-in demo backend")
		return backend.NewDemo()
	}
	return backend.NewClient(backend.Config{
		BaseURL:           backendURL,
		APIToken:          backendAPIToken,
		RequestsPerMinute: backendRPM,
		RetryMax:          3,
		Timeout:           requestTimeout,
	})
}

// createImaging returns the preview adapter; DISABLE_PREVIEW turns previews off.
func createImaging() imaging.Adapter {
	if disablePreview {
		log.Info("Image previews are disabled")
		return imaging.None
	}
	return imaging.NewRaster(previewMaxWidth, previewMaxHeight)
}

func readEnvVars() {
	backendURL = strings.TrimSpace(os.Getenv("BACKEND_URL"))
	backendAPIToken = os.Getenv("BACKEND_API_TOKEN")
	logLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	disablePreview, _ = strconv.ParseBool(os.Getenv("DISABLE_PREVIEW"))
	if v := os.Getenv("LISTEN_ADDRESS"); v != "" {
		listenAddress = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		dbPath = v
	}
}

// validateEnvVars parses the numeric environment variables and ensures the
// rest are usable
func validateEnvVars() error {
	var errs []error

	if backendURL != "" && !strings.HasPrefix(backendURL, "http://") && !strings.HasPrefix(backendURL, "https://") {
		errs = append(errs, errors.New("BACKEND_URL must start with http:// or https://"))
	}

	if v := os.Getenv("BACKEND_RPM"); v != "" {
		rpm, err := strconv.ParseFloat(v, 64)
		if err != nil || rpm < 0 {
			errs = append(errs, errors.New("BACKEND_RPM must be a non-negative number"))
		} else {
			backendRPM = rpm
		}
	}

	parseDuration := func(name string, target *time.Duration) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, errors.New(name+" must be a positive duration such as 30s or 2h"))
			return
		}
		*target = d
	}
	parseDuration("REQUEST_TIMEOUT", &requestTimeout)
	parseDuration("SESSION_TTL", &sessionTTL)

	parseInt := func(name string, target *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, errors.New(name+" must be a positive integer"))
			return
		}
		*target = n
	}
	parseInt("PREVIEW_MAX_WIDTH", &previewMaxWidth)
	parseInt("PREVIEW_MAX_HEIGHT", &previewMaxHeight)
	parseInt("WORKERS", &numWorkers)

	return errors.Join(errs...)
}

func initLogger() {
	level := logrus.InfoLevel
	switch logLevel {
	case "debug":
		level = logrus.DebugLevel
	case "info":
		level = logrus.InfoLevel
	case "warn":
		level = logrus.WarnLevel
	case "error":
		level = logrus.ErrorLevel
	default:
		if logLevel != "" {
			log.Fatalf("Invalid log level: '%s'.", logLevel)
		}
	}

	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	annotate.SetLogLevel(level)
	overlay.SetLogLevel(level)
	backend.SetLogLevel(level)
	imaging.SetLogLevel(level)
	workflow.SetLogLevel(level)

	if level != logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
}
