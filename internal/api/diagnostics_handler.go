package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

var errDiagnosticsDisabled = errors.New("diagnostics collector is not configured")

func (h *Handler) handleDiagnostics(c *gin.Context) {
	if h.diagnostics == nil {
		writeError(c, http.StatusServiceUnavailable, "diagnostics unavailable", errDiagnosticsDisabled)
		return
	}

	response := gin.H{
		"diagnostics":     h.diagnostics.Snapshot(),
		"active_sessions": h.dispatcher.ActiveSessions(),
	}
	if side := h.dispatcher.SideChannel(); side != nil {
		response["side_channel"] = side.Stats()
	}

	c.JSON(http.StatusOK, response)
}

func (h *Handler) handleDiagnosticsHealth(c *gin.Context) {
	if h.diagnostics == nil {
		writeError(c, http.StatusServiceUnavailable, "diagnostics unavailable", errDiagnosticsDisabled)
		return
	}

	c.JSON(http.StatusOK, h.diagnostics.Health())
}

func (h *Handler) handleDiagnosticsReset(c *gin.Context) {
	if h.diagnostics == nil {
		writeError(c, http.StatusServiceUnavailable, "diagnostics unavailable", errDiagnosticsDisabled)
		return
	}

	h.diagnostics.Reset()
	c.Status(http.StatusNoContent)
}
