package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arborchat-dev/arborchat/pkg/chatgraph"
	"github.com/arborchat-dev/arborchat/pkg/convstate"
	"github.com/arborchat-dev/arborchat/pkg/pipeline"
)

func (s *Server) getSnapshot(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	snap, version, err := actor.Read(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "version": version})
}

func (s *Server) putSnapshot(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		writeBadRequest(c, err)
		return
	}
	snap, err := chatgraph.DecodeSnapshot(raw)
	if err != nil {
		writeError(c, err)
		return
	}
	installed, version, err := actor.Replace(c.Request.Context(), snap)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": installed, "version": version})
}

func (s *Server) deleteSnapshot(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	if err := actor.Reset(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	s.manager.Evict(actor.ConversationID())
	c.Status(http.StatusNoContent)
}

type applyRequest struct {
	// Op selects the mutation: "replace" installs a whole snapshot,
	// "append-messages" (the default) folds updates into the current one.
	Op           string            `json:"op"`
	Snapshot     json.RawMessage   `json:"snapshot"`
	Updates      []json.RawMessage `json:"updates"`
	AllowMissing bool              `json:"allowMissing"`
}

func (s *Server) applyUpdates(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	switch req.Op {
	case "replace":
		snap, err := chatgraph.DecodeSnapshot(req.Snapshot)
		if err != nil {
			writeError(c, err)
			return
		}
		installed, version, err := actor.Replace(c.Request.Context(), snap)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"snapshot": installed, "version": version})
		return
	case "", "append-messages":
	default:
		writeBadRequest(c, fmt.Errorf("unknown op: %s", req.Op))
		return
	}
	if len(req.Updates) == 0 {
		writeBadRequest(c, fmt.Errorf("updates must not be empty"))
		return
	}
	updates, err := convstate.DecodeUpdates(req.Updates)
	if err != nil {
		writeBadRequest(c, err)
		return
	}
	snap, version, err := actor.Apply(c.Request.Context(), updates, req.AllowMissing)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "version": version})
}

func (s *Server) draftBranch(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	var req chatgraph.DraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	snap, _, err := actor.Read(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if snap == nil {
		writeError(c, convstate.ErrSnapshotNotInitialized)
		return
	}
	branch, err := chatgraph.DraftBranch(snap, req, time.Now().UTC())
	if err != nil {
		writeBadRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch": branch})
}

func (s *Server) send(c *gin.Context) {
	if s.sender == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error": errorBody{Code: "generation-disabled", Message: "no generator configured"},
		})
		return
	}
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	var req pipeline.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	result, err := s.sender.Send(c.Request.Context(), actor, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type stageRequest struct {
	Attachment *convstate.PendingAttachment `json:"attachment"`
	// MaxAllowed overrides the server's staged attachment cap when positive.
	MaxAllowed int `json:"maxAllowed"`
}

func (s *Server) stageAttachment(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	var req stageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	if req.Attachment == nil || req.Attachment.ID == "" {
		writeBadRequest(c, fmt.Errorf("attachment with id is required"))
		return
	}
	maxAllowed := s.opts.AttachmentCap
	if req.MaxAllowed > 0 {
		maxAllowed = req.MaxAllowed
	}
	staged, err := actor.StageAttachment(c.Request.Context(), req.Attachment, maxAllowed)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"attachment": staged})
}

type finalizeRequest struct {
	ID         string     `json:"id"`
	Size       *int64     `json:"size,omitempty"`
	UploadedAt *time.Time `json:"uploadedAt,omitempty"`
}

func (s *Server) finalizeAttachment(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	if req.ID == "" {
		writeBadRequest(c, fmt.Errorf("id is required"))
		return
	}
	finalized, err := actor.FinalizeAttachment(c.Request.Context(), req.ID, req.Size, req.UploadedAt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachment": finalized})
}

type consumeRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) consumeAttachments(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	if len(req.IDs) == 0 {
		writeBadRequest(c, fmt.Errorf("ids must not be empty"))
		return
	}
	consumed, err := actor.ConsumeAttachments(c.Request.Context(), req.IDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachments": consumed})
}

func (s *Server) listAttachments(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	attachments, err := actor.ListAttachments(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachments": attachments})
}

func (s *Server) getAttachment(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	attachment, err := actor.GetAttachment(c.Request.Context(), c.Param("attachmentId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachment": attachment})
}

func (s *Server) deleteAttachment(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	removed, found, err := actor.DeleteAttachment(c.Request.Context(), c.Param("attachmentId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		writeError(c, fmt.Errorf("%w: %q", convstate.ErrAttachmentNotFound, c.Param("attachmentId")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachment": removed})
}

type ingestRequest struct {
	AttachmentID string `json:"attachmentId"`
	FileName     string `json:"fileName"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	Text         string `json:"text"`
	Summary      string `json:"summary,omitempty"`
}

func (s *Server) ingestAttachment(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	if req.AttachmentID == "" {
		writeBadRequest(c, fmt.Errorf("attachmentId is required"))
		return
	}
	record, err := s.ingestor.Ingest(c.Request.Context(), actor, pipeline.IngestInput{
		AttachmentID: req.AttachmentID,
		FileName:     req.FileName,
		ContentType:  req.ContentType,
		Size:         req.Size,
		Text:         req.Text,
		Summary:      req.Summary,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": record, "chunkCount": len(record.ChunkIDs)})
}

func (s *Server) listIngestions(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	records, err := actor.ListIngestions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

type webUpsertRequest struct {
	Snippets []pipeline.SnippetInput `json:"snippets"`
}

func (s *Server) upsertWebSnippets(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	var req webUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	count, err := s.indexer.Index(c.Request.Context(), actor, req.Snippets)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upserted": count})
}

type queryRequest struct {
	Query                string    `json:"query"`
	Embedding            []float32 `json:"embedding,omitempty"`
	MaxAttachmentChunks  int       `json:"maxAttachmentChunks,omitempty"`
	MaxWebSnippets       int       `json:"maxWebSnippets,omitempty"`
	AllowedAttachmentIDs []string  `json:"allowedAttachmentIds,omitempty"`
	MinScore             float32   `json:"minScore,omitempty"`
}

func (s *Server) query(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}

	var (
		result *convstate.QueryResult
		err    error
	)
	switch {
	case len(req.Embedding) > 0:
		result, err = actor.Query(c.Request.Context(), convstate.QueryRequest{
			Embedding:            req.Embedding,
			MaxAttachmentChunks:  req.MaxAttachmentChunks,
			MaxWebSnippets:       req.MaxWebSnippets,
			AllowedAttachmentIDs: req.AllowedAttachmentIDs,
			MinScore:             req.MinScore,
		})
	case req.Query != "":
		result, err = s.retriever.Retrieve(c.Request.Context(), actor, pipeline.RetrieveRequest{
			Query:                req.Query,
			MaxAttachmentChunks:  req.MaxAttachmentChunks,
			MaxWebSnippets:       req.MaxWebSnippets,
			AllowedAttachmentIDs: req.AllowedAttachmentIDs,
			MinScore:             req.MinScore,
		})
	default:
		writeBadRequest(c, fmt.Errorf("query text or embedding is required"))
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getQuota(c *gin.Context) {
	snap, err := s.ledger.Get(c.Request.Context(), c.Param("ownerId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": snap})
}

type reservationRequest struct {
	ReservationID string `json:"reservationId"`
	Count         int    `json:"count,omitempty"`
}

func (s *Server) reserveQuota(c *gin.Context) {
	var req reservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	if req.ReservationID == "" {
		writeBadRequest(c, fmt.Errorf("reservationId is required"))
		return
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	snap, err := s.ledger.Reserve(c.Request.Context(), c.Param("ownerId"), req.ReservationID, count)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": snap})
}

func (s *Server) commitQuota(c *gin.Context) {
	var req reservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	if req.ReservationID == "" {
		writeBadRequest(c, fmt.Errorf("reservationId is required"))
		return
	}
	snap, err := s.ledger.Commit(c.Request.Context(), c.Param("ownerId"), req.ReservationID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": snap})
}

func (s *Server) releaseQuota(c *gin.Context) {
	var req reservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	if req.ReservationID == "" {
		writeBadRequest(c, fmt.Errorf("reservationId is required"))
		return
	}
	snap, err := s.ledger.Release(c.Request.Context(), c.Param("ownerId"), req.ReservationID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": snap})
}
