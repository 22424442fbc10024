// Package httpapi is the daemon's HTTP surface: task and message CRUD,
// the bootstrap/version endpoints the UI loads on first paint, and the
// team-scoped SSE stream every live view tails. Every handler reads or
// writes through internal/store and internal/workflow; no handler ever
// issues SQL or mutates a worktree directly.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/delegate-dev/delegate/internal/eventbus"
	"github.com/delegate-dev/delegate/internal/metrics"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/version"
	"github.com/delegate-dev/delegate/internal/workflow"
	"github.com/delegate-dev/delegate/internal/worktree"
)

// Config carries daemon metadata the bootstrap endpoint reports back.
// It is not mutated after Server construction.
type Config struct {
	// Home is reported under bootstrap's config section; the UI has no
	// write access to daemon configuration over HTTP.
	Home string
}

// Server holds every dependency a handler needs and owns the gin engine
// and the underlying net/http.Server for graceful shutdown.
type Server struct {
	db        *store.DB
	bus       *eventbus.Bus
	engine    *workflow.Engine
	worktrees *worktree.Manager
	metrics   *metrics.Registry
	versions  *version.Checker
	cfg       Config

	router *gin.Engine
	http   *http.Server
}

// New builds the router and registers every route named in the external
// interface. corsOrigins lists the allowed browser origins ("*" allows
// any origin, the local-dev default).
func New(db *store.DB, bus *eventbus.Bus, engine *workflow.Engine, worktrees *worktree.Manager, reg *metrics.Registry, versions *version.Checker, cfg Config, corsOrigins []string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = corsOrigins
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsCfg))

	s := &Server{
		db:        db,
		bus:       bus,
		engine:    engine,
		worktrees: worktrees,
		metrics:   reg,
		versions:  versions,
		cfg:       cfg,
		router:    router,
	}
	s.registerRoutes()
	return s
}

// registerRoutes wires every endpoint from spec §6. Task, message, and
// file endpoints live under /api/... per the expanded spec's routing
// decision; /messages, /stream, and /teams/{t}/... are additionally
// registered flat (unprefixed) for compatibility with the spec's literal
// endpoint list.
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", s.handleMetrics)

	api := s.router.Group("/api")
	api.GET("/bootstrap", s.handleBootstrap)
	api.GET("/version", s.handleVersion)

	api.GET("/tasks", s.handleListTasks)
	api.GET("/tasks/:id", s.handleGetTask)
	api.GET("/tasks/:id/stats", s.handleTaskStats)
	api.GET("/tasks/:id/diff", s.handleTaskDiff)
	api.GET("/tasks/:id/file", s.handleTaskFile)
	api.POST("/tasks/:id/reviewer-edits", s.handleReviewerEdit)
	api.POST("/tasks/:id/review", s.handleReviewDecision)
	api.POST("/tasks/:id/approve", s.handleApprove)
	api.POST("/tasks/:id/reject", s.handleReject)

	api.GET("/teams/:team/messages", s.handleListMessages)
	api.POST("/messages", s.handleSendMessage)
	api.POST("/teams/:team/greet", s.handleGreet)

	api.GET("/files/complete", s.handleFileComplete)
	api.GET("/files/list", s.handleFileList)

	api.GET("/stream", s.handleStream)

	// Flat aliases matching spec §6's literal route list.
	s.router.GET("/teams/:team/messages", s.handleListMessages)
	s.router.POST("/messages", s.handleSendMessage)
	s.router.POST("/teams/:team/greet", s.handleGreet)
	s.router.GET("/stream", s.handleStream)
}

// Handler exposes the underlying http.Handler, e.g. for httptest or for
// wrapping with additional net/http middleware in cmd/delegated.
func (s *Server) Handler() http.Handler { return s.router }

// Serve starts the HTTP server on addr and blocks until ctx is cancelled,
// at which point it shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleMetrics(c *gin.Context) {
	h := promHTTPHandler(s.metrics)
	h.ServeHTTP(c.Writer, c.Request)
}
