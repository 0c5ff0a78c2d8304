package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/anacrolix/missinggo/v2/filecache"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/skyeupload/config"
	"github.com/jkaberg/skyeupload/ingest"
	"github.com/jkaberg/skyeupload/library"
	"github.com/jkaberg/skyeupload/metrics"
	"github.com/jkaberg/skyeupload/stream"
	"github.com/jkaberg/skyeupload/torrent"
)

// TorrentStatuser reports the live torrent sessions.
type TorrentStatuser interface {
	Status() []torrent.TorrentStatus
}

// Deps are the components served over HTTP. Torrents, Cache and Gatherer
// may be nil.
type Deps struct {
	Library  *library.Library
	Ingest   *ingest.Service
	Streamer *stream.Streamer
	Torrents TorrentStatuser
	Cache    *filecache.Cache
	Gatherer prometheus.Gatherer
	Version  string
	Started  time.Time
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d *Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.ErrorLogger())
	r.Use(Logger())
	r.Use(Metrics())

	if d.Started.IsZero() {
		d.Started = time.Now()
	}

	g := d.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	{
		api.GET("/health", apiHealthHandler)
		api.GET("/media", apiMediaHandler(d.Library))
		api.GET("/search", apiSearchHandler(d.Library))
		api.GET("/stream/:id", apiStreamHandler(d.Library, d.Streamer))
		api.HEAD("/stream/:id", apiStreamHandler(d.Library, d.Streamer))
		api.POST("/requests", apiCreateRequestHandler(d.Library))

		admin := api.Group("/admin")
		admin.POST("/upload", apiUploadHandler(d.Ingest))
		admin.GET("/status", apiStatusHandler(d))
		admin.GET("/requests", apiRequestsHandler(d.Library))
		admin.PUT("/requests/:id", apiToggleRequestHandler(d.Library))
		admin.DELETE("/requests/:id", apiDeleteRequestHandler(d.Library))
		admin.DELETE("/media/:type/:id", apiDeleteMediaHandler(d.Ingest))
	}

	return r
}

// Server runs the router until its context is cancelled.
type Server struct {
	srv *http.Server
}

func New(cfg *config.HTTPGlobal, h http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.IP, cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Addr() string { return s.srv.Addr }

// Run blocks serving requests. When ctx is done, in-flight requests get a
// few seconds to finish.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("host", s.srv.Addr).Msg("starting webserver")
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("error initializing server: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func Logger() gin.HandlerFunc {
	l := log.Logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		c.Next()
		if raw != "" {
			path = path + "?" + raw
		}
		msg := c.Errors.String()
		if msg == "" {
			msg = "Request"
		}

		s := c.Writer.Status()
		switch {
		case s >= 400 && s < 500:
			l.Warn().Str("method", c.Request.Method).Str("path", path).Int("status", s).Msg(msg)
		case s >= 500:
			l.Error().Str("method", c.Request.Method).Str("path", path).Int("status", s).Msg(msg)
		default:
			l.Debug().Str("method", c.Request.Method).Str("path", path).Int("status", s).Msg(msg)
		}
	}
}

// Metrics records request counts and durations by route pattern.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
