package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	MaxIPsPerRequest = 100

	shutdownTimeout = 10 * time.Second
)

const usage = `
Usage:

curl "http://localhost:12950/region/132.99.75.15"

Also you can pass several ip addresses that you need to check:

curl "http://localhost:12950/region/132.99.75.15,99.12.44.52,2001:db8::1"

Database status and a manual update:

curl "http://localhost:12950/status"
curl -X POST "http://localhost:12950/update?force=1"

`

// Synchronizer is the update side of the service as seen by the HTTP API.
type Synchronizer interface {
	UpdateNow(ctx context.Context, force bool) (bool, error)
	NextScheduledUpdate() time.Time
	Metadata() (*Metadata, error)
}

type Server struct {
	config  *Config
	regions RegionSource
	sync    Synchronizer
}

func NewServer(config *Config, regions RegionSource, sync Synchronizer) *Server {
	return &Server{
		config:  config,
		regions: regions,
		sync:    sync,
	}
}

func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.usage)
	r.GET("/region/:ips", s.resolveRegion)
	r.GET("/status", s.status)
	r.POST("/update", s.update)

	return r
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    s.config.Listen,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("starting the HTTP server on %s", s.config.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server stopped")
	case <-ctx.Done():
	}

	logrus.Info("shutting down the HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Wrap(srv.Shutdown(shutdownCtx), "http server shutdown")
}

func (s *Server) usage(c *gin.Context) {
	c.String(http.StatusOK, usage)
}

func (s *Server) resolveRegion(c *gin.Context) {
	ips, err := parseIPS(c.Param("ips"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("%s", err)})
		return
	}
	out := make(map[string]*Region, len(ips))
	for _, ip := range ips {
		region := s.regions.Lookup(ip)
		if region == nil {
			continue
		}
		out[ip] = region
	}

	c.JSON(http.StatusOK, out)
}

func (s *Server) status(c *gin.Context) {
	meta, err := s.sync.Metadata()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": fmt.Sprintf("%s", err)})
		return
	}

	out := gin.H{
		"edition":  s.config.EditionID,
		"enabled":  s.regions.Enabled(),
		"metadata": meta,
	}
	if t := s.regions.LastUpdated(); !t.IsZero() {
		out["db_mtime"] = t.UTC().Format(time.RFC3339Nano)
	}
	if t := s.sync.NextScheduledUpdate(); !t.IsZero() {
		out["next_scheduled_update"] = t.UTC().Format(time.RFC3339Nano)
	}

	c.JSON(http.StatusOK, out)
}

func (s *Server) update(c *gin.Context) {
	force := c.Query("force") == "1" || c.Query("force") == "true"

	updated, err := s.sync.UpdateNow(c.Request.Context(), force)
	switch {
	case errors.Is(err, ErrUpdateInProgress):
		c.JSON(http.StatusConflict, gin.H{"message": fmt.Sprintf("%s", err)})
	case errors.Is(err, ErrNoCredentials):
		c.JSON(http.StatusPreconditionFailed, gin.H{"message": fmt.Sprintf("%s", err)})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"message": fmt.Sprintf("%s", err)})
	default:
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}
