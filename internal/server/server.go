// Package server exposes the conversation state service as a JSON/HTTP
// API. Handlers stay thin: they decode, call the actor or ledger, and map
// errors to status codes; all semantics live in the domain packages.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arborchat-dev/arborchat/pkg/convstate"
	"github.com/arborchat-dev/arborchat/pkg/observability"
	"github.com/arborchat-dev/arborchat/pkg/pipeline"
	"github.com/arborchat-dev/arborchat/pkg/quota"
)

// Options carries the request-independent settings handlers need.
type Options struct {
	// AttachmentCap is the per-conversation staged attachment limit.
	// Zero disables the cap.
	AttachmentCap int
	// ChunkBudget is the ingestion chunk size in runes.
	ChunkBudget int
	// EmbedParallelism bounds concurrent embedding calls per ingestion.
	EmbedParallelism int
	// RequestsPerSecond enables per-client rate limiting when positive.
	RequestsPerSecond float64
	// Burst is the per-client burst allowance.
	Burst int
}

// Server routes HTTP requests to the conversation manager, quota ledger
// and pipeline components.
type Server struct {
	engine    *gin.Engine
	manager   *convstate.Manager
	ledger    *quota.Ledger
	ingestor  *pipeline.Ingestor
	indexer   *pipeline.WebIndexer
	retriever *pipeline.Retriever
	sender    *pipeline.Sender
	opts      Options
}

// New wires the routes. sender may be nil when no generator is
// configured; the send route then answers 503.
func New(manager *convstate.Manager, ledger *quota.Ledger, ingestor *pipeline.Ingestor,
	indexer *pipeline.WebIndexer, retriever *pipeline.Retriever, sender *pipeline.Sender,
	opts Options) *Server {

	observability.InitMetrics()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), metricsMiddleware())
	if opts.RequestsPerSecond > 0 {
		engine.Use(rateLimitMiddleware(newRateLimiter(opts.RequestsPerSecond, opts.Burst)))
	}

	s := &Server{
		engine:    engine,
		manager:   manager,
		ledger:    ledger,
		ingestor:  ingestor,
		indexer:   indexer,
		retriever: retriever,
		sender:    sender,
		opts:      opts,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	conv := s.engine.Group("/v1/conversations/:id")
	{
		conv.GET("/snapshot", s.getSnapshot)
		conv.PUT("/snapshot", s.putSnapshot)
		conv.DELETE("/snapshot", s.deleteSnapshot)
		conv.POST("/apply", s.applyUpdates)
		conv.POST("/branches/draft", s.draftBranch)
		conv.POST("/send", s.send)

		conv.POST("/attachments/stage", s.stageAttachment)
		conv.POST("/attachments/finalize", s.finalizeAttachment)
		conv.POST("/attachments/consume", s.consumeAttachments)
		conv.GET("/attachments", s.listAttachments)
		conv.GET("/attachments/:attachmentId", s.getAttachment)
		conv.DELETE("/attachments/:attachmentId", s.deleteAttachment)

		conv.POST("/retrieval/attachments/ingest", s.ingestAttachment)
		conv.GET("/retrieval/attachments", s.listIngestions)
		conv.POST("/retrieval/web/upsert", s.upsertWebSnippets)
		conv.POST("/retrieval/query", s.query)
	}

	owner := s.engine.Group("/v1/owners/:ownerId/quota")
	{
		owner.GET("", s.getQuota)
		owner.POST("/reserve", s.reserveQuota)
		owner.POST("/commit", s.commitQuota)
		owner.POST("/release", s.releaseQuota)
	}
}

// Handler returns the http.Handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe runs the server until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// HTTPServer builds an http.Server for callers that manage shutdown
// themselves.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) actor(c *gin.Context) (*convstate.Actor, bool) {
	actor, err := s.manager.For(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return actor, true
}
