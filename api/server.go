package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"simpleye/clips"
	"simpleye/config"
	"simpleye/logging"
	"simpleye/monitoring"
	"simpleye/playlist"
	"simpleye/recording"
	"simpleye/timeline"
)

// RecorderStatus reports the recording sessions.
type RecorderStatus interface {
	Status() []recording.Status
}

// CameraLister lists configured cameras.
type CameraLister interface {
	GetCameras() ([]config.CameraConfig, error)
}

// Deps are the components served over HTTP. Recorder, Monitor and Gatherer
// may be nil.
type Deps struct {
	Cameras   CameraLister
	Indexer   *timeline.Indexer
	Playlists *playlist.Synthesizer
	Clips     *clips.Service
	Recorder  RecorderStatus
	Monitor   *monitoring.Monitor
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
	Now       func() time.Time
}

type Server struct {
	config config.Config
	deps   Deps
	log    *zap.Logger
	engine *gin.Engine
	srv    *http.Server
}

func NewServer(cfg config.Config, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		config: cfg,
		deps:   deps,
		log:    logging.OrNop(deps.Logger).Named("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	s.setupCORS(r)
	s.setupRoutes(r)
	s.engine = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              ":" + s.config.ServerPort,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("starting API server", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) setupCORS(r *gin.Engine) {
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.Static("/recordings", s.config.RecordingsDir)
	r.Static("/clips", s.config.ClipsDir)

	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	{
		api.GET("/health", s.health)
		api.GET("/cameras", s.listCameras)
		api.GET("/cameras/:id/timeline", s.getTimeline)
		api.GET("/cameras/:id/playlist.m3u8", s.getPlaylist)
		api.GET("/recorder/status", s.recorderStatus)

		api.GET("/clips", s.listClips)
		api.POST("/clips", s.createClip)
		api.GET("/clips/:id", s.getClip)
		api.PATCH("/clips/:id", s.renameClip)
		api.DELETE("/clips/:id", s.deleteClip)
	}
}
