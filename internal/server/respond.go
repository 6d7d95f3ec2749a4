package server

import (
	stderrors "errors"

	"github.com/gin-gonic/gin"

	"github.com/knowledgebeast/knowledgebeast/internal/errors"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// respondError maps a structured error onto the wire. Internal causes
// are never leaked; only the taxonomy message and details go out.
func respondError(c *gin.Context, err error) {
	kind := errors.KindOf(err)
	body := errorBody{Kind: string(kind)}

	var e *errors.Error
	if stderrors.As(err, &e) {
		body.Message = e.Message
		body.Details = e.Details
	} else {
		body.Message = "internal error"
	}
	if kind == errors.KindInternal {
		body.Message = "internal error"
		body.Details = nil
	}

	c.AbortWithStatusJSON(errors.HTTPStatus(kind), errorResponse{Error: body})
}
