package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

type errorResp struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeText(c *gin.Context, code int, msg string) {
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(code, msg)
}

func notFound(c *gin.Context) {
	writeJSON(c, http.StatusNotFound, errorResp{Error: "not found"})
}
