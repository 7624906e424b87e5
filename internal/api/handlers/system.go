package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const readyTimeout = 3 * time.Second

// Check is a named dependency check used by /readyz.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type SystemHandler struct {
	checks []Check
	status func() any
}

func NewSystemHandler(checks []Check, status func() any) *SystemHandler {
	return &SystemHandler{checks: checks, status: status}
}

func (h *SystemHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SystemHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	healthy := true
	for _, chk := range h.checks {
		if err := chk.Ping(ctx); err != nil {
			checks[chk.Name] = err.Error()
			healthy = false
			continue
		}
		checks[chk.Name] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status": map[bool]string{true: "ready", false: "not ready"}[healthy],
		"checks": checks,
	})
}

func (h *SystemHandler) Status(c *gin.Context) {
	if h.status == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, h.status())
}
