package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"figwatch/internal/api/middleware"
	"figwatch/internal/config"
	"figwatch/internal/model"
	"figwatch/internal/pkg/dedup"
	"figwatch/internal/pkg/metrics"
	"figwatch/internal/pkg/taskqueue"
	"figwatch/internal/storage"
	"figwatch/internal/tasks"
)

// TaskProducer is the queue surface the handlers need.
type TaskProducer interface {
	Submit(ctx context.Context, name string, args interface{}, source string) error
	QueueLength(ctx context.Context) (int64, error)
}

// Deduper suppresses repeated trigger requests within the dedup window.
type Deduper interface {
	IsDuplicate(ctx context.Context, fingerprint string) (bool, error)
	Delete(ctx context.Context, fingerprint string) error
}

// Server is the control-plane HTTP service: task triggers, catalog and
// snapshot reads, source health, metrics. It does not execute tasks itself;
// the worker binary does.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      storage.Store
	rdb        *redis.Client
	router     *gin.Engine
	producer   TaskProducer
	deduper    Deduper
	dispatcher *tasks.Dispatcher
	known      map[string]bool
}

// NewServer connects MySQL and Redis and assembles the full service.
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	store, err := storage.Open(cfg.MySQL.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	producer := taskqueue.NewProducer(rdb, logger, cfg.App.TaskQueueStream)
	deduper := dedup.NewDeduplicator(rdb, time.Duration(cfg.App.DedupWindow)*time.Second)

	s := NewServerWithDeps(cfg, logger, store, rdb, producer, deduper)
	s.dispatcher = tasks.NewDispatcher(cfg, producer, deduper, logger)

	if err := s.SeedSources(ctx); err != nil {
		return nil, fmt.Errorf("seed sources: %w", err)
	}
	return s, nil
}

// NewServerWithDeps wires a server from pre-built dependencies. Tests use it
// with the in-memory store.
func NewServerWithDeps(cfg *config.Config, logger *slog.Logger, store storage.Store, rdb *redis.Client, producer TaskProducer, deduper Deduper) *Server {
	metrics.InitMetrics(cfg.App.WorkerPoolSize)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	known := make(map[string]bool)
	for _, name := range tasks.KnownTasks() {
		known[name] = true
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		rdb:      rdb,
		router:   r,
		producer: producer,
		deduper:  deduper,
		known:    known,
	}
	s.registerRoutes()
	return s
}

// Run starts the dispatcher and serves HTTP until the listener fails.
func (s *Server) Run() error {
	s.StartDispatcher(context.Background())

	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router returns the HTTP handler, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// StartDispatcher runs the periodic task dispatcher in the background.
func (s *Server) StartDispatcher(ctx context.Context) {
	if s.dispatcher == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in task dispatcher", slog.Any("panic", r))
			}
		}()
		s.dispatcher.Run(ctx)
	}()
}

// Close releases the database and cache connections.
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	s.router.POST("/tasks/:name", s.handleTriggerTask)
	s.router.GET("/tasks", s.handleListTasks)
	s.router.GET("/tasks/queue", s.handleQueueDepth)

	s.router.GET("/minifigs", s.handleListMinifigs)
	s.router.GET("/minifigs/:setNumber", s.handleGetMinifig)
	s.router.GET("/minifigs/:setNumber/snapshots", s.handleListSnapshots)

	s.router.GET("/sources", s.handleListSources)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.store == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if _, err := s.store.CountMinifigures(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleTriggerTask submits a task by name. The request body, when present,
// is passed through as the task arguments. A repeat submission with the same
// name and arguments inside the dedup window is rejected with 409.
func (s *Server) handleTriggerTask(c *gin.Context) {
	name := c.Param("name")
	if !s.known[name] {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown task %q", name)})
		return
	}

	var args json.RawMessage
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be valid JSON"})
			return
		}
	}

	ctx := c.Request.Context()
	fingerprint := taskFingerprint(name, args)
	if s.deduper != nil {
		dup, err := s.deduper.IsDuplicate(ctx, fingerprint)
		if err != nil {
			s.logger.Warn("dedup check failed", slog.String("task", name), slog.String("error", err.Error()))
		} else if dup {
			c.JSON(http.StatusConflict, gin.H{"error": "identical task already submitted, try again later"})
			return
		}
	}

	if err := s.producer.Submit(ctx, name, args, "api"); err != nil {
		if s.deduper != nil {
			if delErr := s.deduper.Delete(ctx, fingerprint); delErr != nil {
				s.logger.Warn("dedup rollback failed", slog.String("task", name), slog.String("error", delErr.Error()))
			}
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit task failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task": name, "submitted": true})
}

func (s *Server) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": tasks.KnownTasks()})
}

func (s *Server) handleQueueDepth(c *gin.Context) {
	depth, err := s.producer.QueueLength(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"depth": depth})
}

type minifigResponse struct {
	ID           uint   `json:"id"`
	SetNumber    string `json:"set_number"`
	Name         string `json:"name"`
	Theme        string `json:"theme"`
	Subtheme     string `json:"subtheme,omitempty"`
	Year         int    `json:"year,omitempty"`
	PieceCount   int    `json:"piece_count,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

func toMinifigResponse(fig model.Minifigure) minifigResponse {
	return minifigResponse{
		ID:           fig.ID,
		SetNumber:    fig.SetNumber,
		Name:         fig.Name,
		Theme:        fig.Theme,
		Subtheme:     fig.Subtheme,
		Year:         fig.Year,
		PieceCount:   fig.PieceCount,
		ImageURL:     fig.ImageURL,
		ThumbnailURL: fig.ThumbnailURL,
	}
}

func (s *Server) handleListMinifigs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	figs, err := s.store.ListMinifigures(c.Request.Context(), c.Query("theme"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list minifigures failed"})
		return
	}

	out := make([]minifigResponse, 0, len(figs))
	for _, fig := range figs {
		out = append(out, toMinifigResponse(fig))
	}
	c.JSON(http.StatusOK, gin.H{"minifigs": out})
}

func (s *Server) handleGetMinifig(c *gin.Context) {
	fig, err := s.store.GetMinifigureBySetNumber(c.Request.Context(), strings.ToLower(c.Param("setNumber")))
	if err == storage.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "minifigure not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, toMinifigResponse(*fig))
}

type snapshotResponse struct {
	Date           string  `json:"date"`
	MinPriceUSD    float64 `json:"min_price_usd"`
	MaxPriceUSD    float64 `json:"max_price_usd"`
	AvgPriceUSD    float64 `json:"avg_price_usd"`
	MedianPriceUSD float64 `json:"median_price_usd"`
	ListingCount   int     `json:"listing_count"`
	NewCount       int     `json:"new_count"`
	UsedCount      int     `json:"used_count"`
	SealedCount    int     `json:"sealed_count"`
}

// handleListSnapshots returns the daily price history for one figure, last
// 30 days by default.
func (s *Server) handleListSnapshots(c *gin.Context) {
	ctx := c.Request.Context()
	fig, err := s.store.GetMinifigureBySetNumber(ctx, strings.ToLower(c.Param("setNumber")))
	if err == storage.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "minifigure not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	to := time.Now().UTC().Truncate(24 * time.Hour)
	from := to.AddDate(0, 0, -30)
	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be YYYY-MM-DD"})
			return
		}
		from = parsed
	}
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be YYYY-MM-DD"})
			return
		}
		to = parsed
	}

	snaps, err := s.store.ListSnapshots(ctx, fig.ID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list snapshots failed"})
		return
	}

	out := make([]snapshotResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snapshotResponse{
			Date:           snap.Date.Format("2006-01-02"),
			MinPriceUSD:    snap.MinPriceUSD,
			MaxPriceUSD:    snap.MaxPriceUSD,
			AvgPriceUSD:    snap.AvgPriceUSD,
			MedianPriceUSD: snap.MedianPriceUSD,
			ListingCount:   snap.ListingCount,
			NewCount:       snap.NewCount,
			UsedCount:      snap.UsedCount,
			SealedCount:    snap.SealedCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"set_number": fig.SetNumber, "snapshots": out})
}

type sourceResponse struct {
	Name          string     `json:"name"`
	Enabled       bool       `json:"enabled"`
	LastScrapedAt *time.Time `json:"last_scraped_at,omitempty"`
	LastStatus    string     `json:"last_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	SuccessCount  int64      `json:"success_count"`
	FailureCount  int64      `json:"failure_count"`
}

func (s *Server) handleListSources(c *gin.Context) {
	srcs, err := s.store.ListSources(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list sources failed"})
		return
	}
	out := make([]sourceResponse, 0, len(srcs))
	for _, src := range srcs {
		out = append(out, sourceResponse{
			Name:          src.Name,
			Enabled:       src.Enabled,
			LastScrapedAt: src.LastScrapedAt,
			LastStatus:    src.LastStatus,
			LastError:     src.LastError,
			SuccessCount:  src.SuccessCount,
			FailureCount:  src.FailureCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sources": out})
}

func taskFingerprint(name string, args json.RawMessage) string {
	sum := sha256.Sum256(append([]byte(name+"\x00"), args...))
	return "task:" + name + ":" + hex.EncodeToString(sum[:8])
}
