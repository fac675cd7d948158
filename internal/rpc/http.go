package rpc

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// httpRequest is the single-endpoint HTTP envelope.
type httpRequest struct {
	Path   string         `json:"path" binding:"required"`
	Kind   Kind           `json:"kind"`
	Input  map[string]any `json:"input"`
	Select Select         `json:"select,omitempty"`
}

type httpResponse struct {
	Data any `json:"data"`
}

type httpErrorResponse struct {
	Error *Error `json:"error"`
}

// RegisterHTTP mounts the request-response transport on a gin router.
// Subscriptions are not served here; use SSE or WebSocket.
func (d *Dispatcher) RegisterHTTP(router gin.IRouter) {
	router.POST("/rpc", d.handleHTTP)
}

func (d *Dispatcher) handleHTTP(c *gin.Context) {
	var req httpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpErrorResponse{
			Error: ValidationError("invalid request body: %v", err),
		})
		return
	}
	if req.Kind == KindSubscription {
		c.JSON(http.StatusBadRequest, httpErrorResponse{
			Error: ValidationError("subscriptions are not served over HTTP"),
		})
		return
	}

	out, err := d.Call(c.Request.Context(), req.Path, req.Input, CallOptions{Select: req.Select})
	if err != nil {
		typed := AsError(err)
		c.JSON(httpStatusFor(typed.Kind), httpErrorResponse{Error: typed})
		return
	}
	c.JSON(http.StatusOK, httpResponse{Data: out})
}

func httpStatusFor(kind ErrorKind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindProviderNotConfigured:
		return http.StatusUnprocessableEntity
	case KindProviderStreamError:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
