package rpc

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterSSE mounts the one-directional subscription transport.
// `GET /rpc/subscribe?path=...&input=<json>&select=<json>`.
func (d *Dispatcher) RegisterSSE(router gin.IRouter) {
	router.GET("/rpc/subscribe", d.handleSSE)
}

func (d *Dispatcher) handleSSE(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, httpErrorResponse{
			Error: ValidationError("path query parameter is required"),
		})
		return
	}
	input, err := decodeJSONParam[map[string]any](c.Query("input"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpErrorResponse{
			Error: ValidationError("invalid input parameter: %v", err),
		})
		return
	}
	sel, err := decodeJSONParam[Select](c.Query("select"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpErrorResponse{
			Error: ValidationError("invalid select parameter: %v", err),
		})
		return
	}

	ctx := c.Request.Context()
	items, err := d.Subscribe(ctx, path, input, CallOptions{Select: sel})
	if err != nil {
		typed := AsError(err)
		c.JSON(httpStatusFor(typed.Kind), httpErrorResponse{Error: typed})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case item, ok := <-items:
			if !ok {
				c.SSEvent("complete", gin.H{})
				return false
			}
			if item.Err != nil {
				c.SSEvent("error", AsError(item.Err))
				return false
			}
			c.SSEvent("update", item.Value)
			return true
		}
	})
}

func decodeJSONParam[T any](raw string) (T, error) {
	var out T
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, err
	}
	return out, nil
}
