package server

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knowledgebeast/knowledgebeast/internal/errors"
	"github.com/knowledgebeast/knowledgebeast/internal/search"
)

// SSE event names for the streaming query endpoint.
const (
	eventCandidate = "candidate"
	eventResult    = "result"
	eventDone      = "done"
	eventError     = "error"
)

// streamCandidate is the early partial emitted before full results.
type streamCandidate struct {
	ChunkID string  `json:"chunk_id"`
	DocID   string  `json:"doc_id"`
	Score   float64 `json:"score"`
}

// streamError terminates a stream that cannot complete. Results emitted
// before it remain valid.
type streamError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// queryStream answers a query over server-sent events: candidate
// events as soon as the fused ranking is known, then full result
// events in final order, then done. Cache hits skip the candidate
// phase and emit results directly. Errors after the stream opened are
// delivered as an error event since the 200 status is already on the
// wire.
func (s *Server) queryStream(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidArgument("invalid request body: "+err.Error()))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	// Candidates stream out before re-ranking and diversity selection
	// settle the final order. The engine invokes the callback on this
	// goroutine, so writing to the response here is safe.
	opts := req.options()
	opts.OnCandidates = func(cands []search.Candidate) {
		for _, cand := range cands {
			c.SSEvent(eventCandidate, streamCandidate{ChunkID: cand.ChunkID, DocID: cand.DocID, Score: cand.Score})
		}
		c.Writer.Flush()
	}

	resp, err := s.svc.Query(c.Request.Context(), c.Param("id"), req.Query, opts)
	if err != nil {
		msg := "internal error"
		var e *errors.Error
		if stderrors.As(err, &e) && errors.KindOf(err) != errors.KindInternal {
			msg = e.Message
		}
		c.SSEvent(eventError, streamError{Kind: string(errors.KindOf(err)), Message: msg})
		c.Writer.Flush()
		return
	}

	for _, r := range resp.Results {
		select {
		case <-c.Request.Context().Done():
			// The client went away; already-emitted results stand.
			return
		default:
		}
		c.SSEvent(eventResult, r)
		c.Writer.Flush()
	}

	c.SSEvent(eventDone, gin.H{
		"count":     len(resp.Results),
		"degraded":  resp.Degraded,
		"reranked":  resp.Reranked,
		"cache_hit": resp.CacheHit,
		"took_ms":   resp.TookMS,
	})
	c.Writer.Flush()
}
