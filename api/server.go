package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/livemix/cache"
	"github.com/alwitt/livemix/common"
	"github.com/alwitt/livemix/db"
	"github.com/alwitt/livemix/pushsink"
	"github.com/alwitt/livemix/registry"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

/*
BuildControlPlaneServer create the camera ingestion control-plane HTTP server

	@param httpCfg common.APIServerConfig - HTTP server configuration
	@param reg *registry.Registry - camera registry
	@param sink pushsink.Sink - HTTP push ingest sink
	@param frameCache cache.FrameCache - optional second-tier frame cache, nil disables it
	@param persist db.PersistenceManager - durable camera store, used for readiness checks
	@returns HTTP server instance
*/
func BuildControlPlaneServer(
	httpCfg common.APIServerConfig,
	reg *registry.Registry,
	sink pushsink.Sink,
	frameCache cache.FrameCache,
	persist db.PersistenceManager,
) (*http.Server, error) {
	httpHandler, err := NewCameraHandler(reg, sink, frameCache, persist, httpCfg.APIs.RequestLogging)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	mainRouter := registerPathPrefix(router, httpCfg.APIs.Endpoint.PathPrefix, nil)

	// --------------------------------------------------------------------------------
	// Health check
	_ = registerPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = registerPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// --------------------------------------------------------------------------------
	// Metrics
	_ = registerPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
		"get": httpHandler.MetricsHandler(),
	})

	// --------------------------------------------------------------------------------
	// Camera CRUD
	apiRouter := registerPathPrefix(mainRouter, "/api", nil)

	camerasRouter := registerPathPrefix(apiRouter, "/cameras", map[string]http.HandlerFunc{
		"post": httpHandler.RegisterCameraHandler(),
		"get":  httpHandler.ListCamerasHandler(),
	})

	perCameraRouter := registerPathPrefix(
		camerasRouter, "/{id}", map[string]http.HandlerFunc{
			"patch":  httpHandler.UpdateCameraHandler(),
			"delete": httpHandler.DeleteCameraHandler(),
		},
	)

	_ = registerPathPrefix(perCameraRouter, "/frame/latest", map[string]http.HandlerFunc{
		"get": httpHandler.GetLatestFrameHandler(),
	})

	_ = registerPathPrefix(perCameraRouter, "/stream/live.mjpeg", map[string]http.HandlerFunc{
		"get": httpHandler.StreamLiveHandler(),
	})

	// --------------------------------------------------------------------------------
	// Push ingest
	ingestRouter := registerPathPrefix(apiRouter, "/ingest", nil)
	pushRouter := registerPathPrefix(ingestRouter, "/push", nil)
	_ = registerPathPrefix(pushRouter, "/{id}", map[string]http.HandlerFunc{
		"post": httpHandler.PushFrameHandler(),
	})

	// --------------------------------------------------------------------------------
	// Middleware

	corsOptions := cors.Options{
		AllowedOrigins: httpCfg.APIs.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"*"},
	}
	if len(httpCfg.APIs.CORS.AllowedOrigins) == 0 {
		// rs/cors treats an empty origin list as "allow all"; no configured
		// origins means no cross-origin access
		corsOptions.AllowOriginFunc = func(string) bool { return false }
	}
	corsMiddleware := cors.New(corsOptions)
	router.Use(corsMiddleware.Handler)

	router.Use(func(next http.Handler) http.Handler {
		return httpHandler.LoggingMiddleware(next.ServeHTTP)
	})

	// --------------------------------------------------------------------------------
	// HTTP Server

	serverListen := fmt.Sprintf("%s:%d", httpCfg.Server.ListenOn, httpCfg.Server.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(httpCfg.Server.Timeouts.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(httpCfg.Server.Timeouts.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(httpCfg.Server.Timeouts.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	return httpSrv, nil
}
