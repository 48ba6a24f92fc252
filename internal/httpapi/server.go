package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/issue-index/internal/query"
	"horse.fit/issue-index/internal/timebucket"
)

const bucketParam = "collected_at"

type Options struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string
}

// IndexQueries is implemented by *query.Service.
type IndexQueries interface {
	ListCategories() []query.CategoryInfo
	GetIndex(ctx context.Context, category, rawBucket string) (query.JobIndex, error)
	GetAllIndexes(ctx context.Context, rawBucket string) (query.AllIndexes, error)
	GetMatchedClusters(ctx context.Context, category, rawBucket, rawStatus string) (query.MatchedClusters, error)
	GetMatchedArticles(ctx context.Context, category, rawBucket string, clusterID *int, limit int) (query.MatchedArticles, error)
	ListBuckets(ctx context.Context, category string, limit int) (query.History, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	queries  IndexQueries
	previews ArticlePreviews
	pinger   Pinger
	logger   zerolog.Logger
	opts     Options
}

func NewServer(queries IndexQueries, pinger Pinger, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	srv := &Server{
		queries: queries,
		pinger:  pinger,
		logger:  logger,
		opts: Options{
			Host:               host,
			Port:               port,
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			ShutdownTimeout:    shutdownTimeout,
			CORSAllowedOrigins: opts.CORSAllowedOrigins,
		},
	}
	if previews, ok := queries.(ArticlePreviews); ok {
		srv.previews = previews
	}
	return srv
}

// Handler builds the Echo instance with middleware and routes.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	allowOrigins := s.opts.CORSAllowedOrigins
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"*"}
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/categories", s.handleCategories)
	api.GET("/jobs/all", s.handleAllIndexes)
	api.GET("/job/:category", s.handleJobIndex)
	api.GET("/job/:category/clusters", s.handleMatchedClusters)
	api.GET("/job/:category/articles", s.handleMatchedArticles)
	api.GET("/job/:category/history", s.handleHistory)
	api.GET("/job/:category/articles/:article_index/preview", s.handleArticlePreview)

	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.queries == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.Handler()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("issue index api started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("issue index api stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	data := map[string]any{
		"service": "issue-index",
		"time":    timebucket.UTC(),
	}
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Error().Err(err).Msg("database ping failed")
			return internalError(c, "Database unavailable")
		}
		data["database"] = "ok"
	}
	return success(c, data)
}

func (s *Server) handleCategories(c echo.Context) error {
	return success(c, map[string]any{
		"items": s.queries.ListCategories(),
	})
}

func (s *Server) handleAllIndexes(c echo.Context) error {
	rawBucket := c.QueryParam(bucketParam)
	result, err := s.queries.GetAllIndexes(c.Request().Context(), rawBucket)
	if err != nil {
		return s.respondError(c, err, "", rawBucket, "Failed to load issue indexes")
	}
	return success(c, result)
}

func (s *Server) handleJobIndex(c echo.Context) error {
	category := categoryParam(c)
	rawBucket := c.QueryParam(bucketParam)
	result, err := s.queries.GetIndex(c.Request().Context(), category, rawBucket)
	if err != nil {
		return s.respondError(c, err, category, rawBucket, "Failed to load issue index")
	}
	return success(c, result)
}

func (s *Server) handleMatchedClusters(c echo.Context) error {
	category := categoryParam(c)
	rawBucket := c.QueryParam(bucketParam)
	result, err := s.queries.GetMatchedClusters(c.Request().Context(), category, rawBucket, c.QueryParam("status"))
	if err != nil {
		return s.respondError(c, err, category, rawBucket, "Failed to load matched clusters")
	}
	return success(c, result)
}

func (s *Server) handleMatchedArticles(c echo.Context) error {
	category := categoryParam(c)
	rawBucket := c.QueryParam(bucketParam)

	limit, err := parsePositiveInt(c.QueryParam("limit"), query.DefaultArticleLimit, 1, query.MaxArticleLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	clusterID, err := parseOptionalInt(c.QueryParam("cluster_id"))
	if err != nil {
		return failValidation(c, map[string]string{"cluster_id": err.Error()})
	}

	result, err := s.queries.GetMatchedArticles(c.Request().Context(), category, rawBucket, clusterID, limit)
	if err != nil {
		return s.respondError(c, err, category, rawBucket, "Failed to load matched articles")
	}
	return success(c, result)
}

func (s *Server) handleHistory(c echo.Context) error {
	category := categoryParam(c)
	limit, err := parsePositiveInt(c.QueryParam("limit"), query.DefaultHistoryLimit, 1, query.MaxHistoryLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}

	result, err := s.queries.ListBuckets(c.Request().Context(), category, limit)
	if err != nil {
		return s.respondError(c, err, category, "", "Failed to load issue index history")
	}
	return success(c, result)
}

// respondError maps query errors onto JSend. Anything that is not a
// validation or not-found error is logged and hidden behind a 500.
func (s *Server) respondError(c echo.Context, err error, category, rawBucket, message string) error {
	var verr *query.ValidationError
	switch {
	case errors.As(err, &verr):
		return failValidation(c, verr.Fields)
	case errors.Is(err, query.ErrNotFound):
		return failNotFound(c, err.Error())
	}

	s.logger.Error().
		Err(err).
		Str("job_category", category).
		Str("time_bucket", rawBucket).
		Str("path", c.Path()).
		Msg("issue index query failed")
	return internalError(c, message)
}

// categoryParam unescapes the route param so encoded display names such as
// "기술%2F개발" resolve like their codes.
func categoryParam(c echo.Context) string {
	raw := c.Param("category")
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}

func parseOptionalInt(raw string) (*int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, fmt.Errorf("must be an integer")
	}
	if value < 0 {
		return nil, fmt.Errorf("must be >= 0")
	}
	return &value, nil
}
