package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pixperk/leasekeeper/pkg/fsm"
	"github.com/pixperk/leasekeeper/pkg/metrics"
	"github.com/pixperk/leasekeeper/pkg/store"
	"github.com/pixperk/leasekeeper/pkg/types"
)

// cluster view of the node behind the store, implemented by raft.Node
type StatusProvider interface {
	GetNodeID() uuid.UUID
	IsLeader() bool
	GetLeader() string
	GetClusterSize() int
	Stats() fsm.Stats
}

// exposes a lease record store over http so contenders in other processes can
// share it
type Server struct {
	echo   *echo.Echo
	store  store.LeaseRecordStore
	status StatusProvider
	logger *zap.Logger
}

type Option func(*Server)

// reports cluster status on /v1/status
func WithStatus(p StatusProvider) Option {
	return func(s *Server) {
		s.status = p
	}
}

// wraps the store into an http server
func NewServer(st store.LeaseRecordStore, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		store:  st,
		logger: logger.Named("server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(s.countRequests)

	v1 := e.Group("/v1")
	v1.GET("/records/:name", s.getRecord)
	v1.POST("/records/:name", s.createRecord)
	v1.PUT("/records/:name", s.replaceRecord)
	v1.PUT("/objects/:name", s.createObject)
	v1.POST("/objects/:name/lease", s.acquireLease)
	v1.DELETE("/objects/:name/lease/:token", s.releaseLease)
	v1.GET("/status", s.getStatus)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// blocks serving on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.logger.Info("http store listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) countRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)

		code := c.Response().Status
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		}
		metrics.StoreRequestsTotal.WithLabelValues(c.Request().Method+" "+c.Path(), strconv.Itoa(code)).Inc()

		if code >= http.StatusInternalServerError {
			s.logger.Warn("store request failed",
				zap.String("path", c.Request().URL.Path),
				zap.Int("code", code),
				zap.Error(err),
			)
		}
		return err
	}
}

func (s *Server) getRecord(c echo.Context) error {
	name, err := pathParam(c, "name")
	if err != nil {
		return err
	}
	record, err := s.store.Read(c.Request().Context(), name)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, record)
}

func (s *Server) createRecord(c echo.Context) error {
	name, err := pathParam(c, "name")
	if err != nil {
		return err
	}
	var req types.CreateRecordRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}

	version, err := s.store.CreateIfAbsent(c.Request().Context(), name, req.LeasedUntil)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, types.VersionResponse{Version: version})
}

func (s *Server) replaceRecord(c echo.Context) error {
	name, err := pathParam(c, "name")
	if err != nil {
		return err
	}
	var req types.ReplaceRecordRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}
	if req.ExpectedVersion == "" {
		return badRequest("expected_version required")
	}

	version, err := s.store.ReplaceIfVersionMatches(c.Request().Context(), name, req.LeasedUntil, req.ExpectedVersion)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, types.VersionResponse{Version: version})
}

func (s *Server) createObject(c echo.Context) error {
	name, err := pathParam(c, "name")
	if err != nil {
		return err
	}
	err = s.store.CreateObject(c.Request().Context(), name)
	if err != nil && !errors.Is(err, types.ErrAlreadyExists) {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) acquireLease(c echo.Context) error {
	name, err := pathParam(c, "name")
	if err != nil {
		return err
	}
	var req types.AcquireLeaseRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}
	if req.DurationMS <= 0 {
		return badRequest("duration_ms must be greater than 0")
	}

	d := time.Duration(req.DurationMS) * time.Millisecond
	token, err := s.store.AcquireExclusive(c.Request().Context(), name, d)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, types.LeaseResponse{Token: token})
}

func (s *Server) releaseLease(c echo.Context) error {
	name, err := pathParam(c, "name")
	if err != nil {
		return err
	}
	token, err := pathParam(c, "token")
	if err != nil {
		return err
	}
	if err := s.store.ReleaseExclusive(c.Request().Context(), name, token); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getStatus(c echo.Context) error {
	if s.status == nil {
		return c.JSON(http.StatusOK, types.StatusResponse{IsLeader: true, ClusterSize: 1})
	}

	stats := s.status.Stats()
	return c.JSON(http.StatusOK, types.StatusResponse{
		NodeID:        s.status.GetNodeID().String(),
		IsLeader:      s.status.IsLeader(),
		LeaderAddress: s.status.GetLeader(),
		ClusterSize:   s.status.GetClusterSize(),
		Records:       stats.Records,
		Objects:       stats.Objects,
		ActiveLeases:  stats.ActiveLeases,
	})
}

// echo routes on the raw path when it carries escapes, so params arrive still
// escaped; a lock name like "team/alpha" must reach the store as sent
func pathParam(c echo.Context, key string) (string, error) {
	value, err := url.PathUnescape(c.Param(key))
	if err != nil {
		return "", badRequest("invalid " + key)
	}
	return value, nil
}
