package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arborchat-dev/arborchat/pkg/chatgraph"
	"github.com/arborchat-dev/arborchat/pkg/convstate"
	"github.com/arborchat-dev/arborchat/pkg/quota"
)

// errorBody is the structured error payload.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps domain errors onto HTTP status codes. Anything
// unrecognized is a 500 with a generic message; the detail is logged,
// not leaked.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Code: code, Message: message}})
}

func classify(err error) (int, string) {
	var validation *chatgraph.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid-snapshot"
	case errors.Is(err, convstate.ErrSnapshotNotInitialized):
		return http.StatusConflict, "snapshot-not-initialized"
	case errors.Is(err, convstate.ErrBranchNotFound):
		return http.StatusNotFound, "branch-not-found"
	case errors.Is(err, convstate.ErrMessageNotFound):
		return http.StatusNotFound, "message-not-found"
	case errors.Is(err, convstate.ErrAttachmentNotFound):
		return http.StatusNotFound, "attachment-not-found"
	case errors.Is(err, convstate.ErrAttachmentLimit):
		return http.StatusConflict, "attachment-limit-exceeded"
	case errors.Is(err, convstate.ErrAttachmentDuplicate):
		return http.StatusConflict, "attachment-duplicate"
	case errors.Is(err, convstate.ErrAttachmentNotReady):
		return http.StatusConflict, "attachment-not-ready"
	case errors.Is(err, quota.ErrQuotaExhausted):
		return http.StatusConflict, "quota-exhausted"
	case errors.Is(err, quota.ErrReservationReused):
		return http.StatusConflict, "reservation-reused"
	case errors.Is(err, quota.ErrOwnerMismatch):
		return http.StatusForbidden, "owner-mismatch"
	case errors.Is(err, convstate.ErrStateNotFound), errors.Is(err, quota.ErrRecordNotFound):
		return http.StatusNotFound, "not-found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeBadRequest reports a malformed request body or parameter.
func writeBadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error": errorBody{Code: "bad-request", Message: err.Error()},
	})
}
