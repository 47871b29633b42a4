package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alwitt/livemix/api"
	"github.com/alwitt/livemix/cache"
	"github.com/alwitt/livemix/common"
	"github.com/alwitt/livemix/db"
	"github.com/alwitt/livemix/eventbus"
	"github.com/alwitt/livemix/metrics"
	"github.com/alwitt/livemix/motion"
	"github.com/alwitt/livemix/pushsink"
	"github.com/alwitt/livemix/registry"
	"github.com/alwitt/livemix/webhook"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm/logger"
)

type cliArgs struct {
	ConfigFile  string `validate:"required,file"`
	JSONLog     bool
	Hostname    string
	DBPassword  string
}

var cmdArgs cliArgs

var logTags log.Fields

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{"module": "main", "component": "main", "instance": hostname}

	app := &cli.App{
		Version: "v0.1.0",
		Usage:   "camera ingestion service",
		Description: "Attaches to RTSP and HTTP-push camera sources, retains a per-camera " +
			"recent-frame buffer, detects motion, and publishes lifecycle/frame events to an external bus.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Destination: &cmdArgs.JSONLog,
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Destination: &cmdArgs.ConfigFile,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "db-password",
				Usage:       "Database user password, only used when persistence.driver is postgres",
				Aliases:     []string{"p"},
				EnvVars:     []string{"DB_USER_PASSWORD"},
				Destination: &cmdArgs.DBPassword,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

func setupLogging(jsonLog bool, level string) {
	if jsonLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

func run(c *cli.Context) error {
	validate := validator.New()
	if err := validate.Struct(&cmdArgs); err != nil {
		return err
	}

	// ================================================================================
	// Load configuration

	common.InstallDefaultIngestConfigValues()
	if err := common.BindIngestConfigEnvVars(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to bind environment variable overrides")
		return err
	}

	viper.SetConfigFile(cmdArgs.ConfigFile)
	if err := viper.ReadInConfig(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to load config file")
		return err
	}
	var cfg common.IngestConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to parse config file")
		return err
	}
	if err := validate.Struct(&cfg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Config file is not valid")
		return err
	}

	setupLogging(cmdArgs.JSONLog, cfg.LogLevel)

	{
		t, _ := json.MarshalIndent(&cfg, "", "  ")
		log.WithFields(logTags).Debugf("Running with config:\n%s", string(t))
	}

	runtimeCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ================================================================================
	// Persistence

	persist, err := buildPersistence(cfg.Persistence, cmdArgs.DBPassword)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to set up persistence")
		return err
	}

	// ================================================================================
	// Event bus adapter

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid Redis URL")
		return err
	}
	redisOpts.DialTimeout = cfg.Redis.DialTimeout()
	redisClient := redis.NewClient(redisOpts)

	metricsRegistry, err := metrics.NewRegistry()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to install metrics")
		return err
	}

	publisher, err := eventbus.NewRedisPublisher(
		redisClient,
		cfg.Queues.PublishQueueSize,
		func(evicted common.Event) {
			metricsRegistry.EventsDroppedTotal.WithLabelValues(evicted.CameraID, string(evicted.Type)).Inc()
		},
		func(evt common.Event) {
			metricsRegistry.EventsPublishedTotal.WithLabelValues(evt.CameraID, string(evt.Type)).Inc()
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to set up event bus publisher")
		return err
	}

	// ================================================================================
	// Motion stage + camera registry
	//
	// Registry needs the Detector as a constructor argument, but the
	// Detector's onMotion/onDrop callbacks need to call back into the
	// Registry. Resolved with a two-phase construction: the callbacks close
	// over a forward-declared pointer that is assigned immediately after
	// NewRegistry returns, before any camera can be registered.

	var reg *registry.Registry

	detector, err := motion.NewDetector(
		cfg.Queues.MotionQueueSize,
		func(cameraID string, area int, ts float64) { reg.HandleMotion(cameraID, area, ts) },
		func(cameraID string) { reg.HandleMotionDrop(cameraID) },
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to set up motion stage")
		return err
	}

	reg = registry.NewRegistry(persist, publisher, detector, metricsRegistry, registry.Defaults{
		BufferSize:            cfg.RingBuffer.DefaultSize,
		MotionThreshold:       cfg.Motion.Threshold,
		MotionAreaMin:         cfg.Motion.AreaMin,
		MotionCooldownSeconds: cfg.Motion.CooldownSeconds,
	})

	if err := rehydrateCameras(runtimeCtxt, persist, reg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to rehydrate persisted cameras")
		return err
	}

	// ================================================================================
	// Live reload of registration defaults
	//
	// fsnotify (via viper's file watcher) picks up edits to the config file on
	// disk and re-applies the motion/buffer defaults to the Registry, so an
	// operator tuning motion_threshold/area_min/cooldown/buffer_size does not
	// need to restart the process. Only these registration-time fallbacks are
	// live-reloaded: already-registered cameras, Redis, and persistence
	// connections are established once at startup and are not torn down here.
	viper.OnConfigChange(func(e fsnotify.Event) {
		var reloaded common.IngestConfig
		if err := viper.Unmarshal(&reloaded); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to parse reloaded config file")
			return
		}
		if err := validate.Struct(&reloaded); err != nil {
			log.WithError(err).WithFields(logTags).Error("Reloaded config file is not valid, ignoring")
			return
		}
		reg.SetDefaults(registry.Defaults{
			BufferSize:            reloaded.RingBuffer.DefaultSize,
			MotionThreshold:       reloaded.Motion.Threshold,
			MotionAreaMin:         reloaded.Motion.AreaMin,
			MotionCooldownSeconds: reloaded.Motion.CooldownSeconds,
		})
		log.WithFields(logTags).Info("Reloaded registration defaults from config file")
	})
	viper.WatchConfig()

	// ================================================================================
	// Optional second-tier frame cache

	var frameCache cache.FrameCache
	if cfg.FrameCache != nil {
		frameCache, err = cache.NewMemcachedFrameCache(cfg.FrameCache.Servers, cfg.FrameCache.TTL())
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to set up frame cache")
			return err
		}
	}

	// ================================================================================
	// Optional outbound webhook notifier
	//
	// Wired directly into the Registry's camera.connected/camera.disconnected
	// path so a downed or slow webhook receiver never touches the ingest path.

	if cfg.Webhook.URL != "" {
		notifier, err := webhook.NewHTTPNotifier(
			cfg.Webhook.URL, resty.New().SetTimeout(cfg.Webhook.Timeout()),
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to set up webhook notifier")
			return err
		}
		reg.SetNotifier(notifier)
	}

	// ================================================================================
	// HTTP control plane

	sink := pushsink.NewSink(reg, reg)
	httpSrv, err := api.BuildControlPlaneServer(cfg.HTTPServer, reg, sink, frameCache, persist)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to build control plane HTTP server")
		return err
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("Control plane HTTP server failure")
		}
	}()

	// ================================================================================
	// Wait for termination

	cc := make(chan os.Signal, 1)
	signal.Notify(cc, os.Interrupt, syscall.SIGTERM)
	<-cc

	shutdownCtxt, shutdownCancel := context.WithTimeout(
		context.Background(), cfg.HTTPServer.Server.ShutdownTimeout(),
	)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Control plane HTTP server shutdown failure")
	}
	publisher.Stop(shutdownCtxt)

	return nil
}

// buildPersistence constructs the camera-registry persistence manager for
// the configured driver.
func buildPersistence(cfg common.PersistenceConfig, dbPassword string) (db.PersistenceManager, error) {
	switch cfg.Driver {
	case "postgres":
		return db.NewManager(db.GetPostgresDialector(cfg.Postgres, dbPassword), logger.Warn)
	default:
		return db.NewManager(db.GetSqliteDialector(cfg.Sqlite.DBFile), logger.Warn)
	}
}

// rehydrateCameras re-registers every persisted CameraRecord on process
// start. Workers start fresh in connecting/connected; no Ring Buffer
// content survives a restart.
func rehydrateCameras(ctxt context.Context, persist db.PersistenceManager, reg *registry.Registry) error {
	records, err := persist.ListCameras(ctxt)
	if err != nil {
		return err
	}
	for _, record := range records {
		spec := common.CameraSpec{
			ID:                    record.ID,
			SourceType:            common.SourceType(record.SourceType),
			SourceURL:             record.SourceURL,
			BufferSize:            &record.BufferSize,
			MotionThreshold:       &record.MotionThreshold,
			MotionAreaMin:         &record.MotionAreaMin,
			MotionCooldownSeconds: &record.MotionCooldownSeconds,
		}
		if _, err := reg.Register(ctxt, spec); err != nil {
			log.WithError(err).WithFields(logTags).WithField("camera-id", record.ID).
				Error("Failed to rehydrate persisted camera on startup")
		}
	}
	return nil
}
