package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"presenceguard/internal/engine"
	"presenceguard/internal/fusion"
	"presenceguard/internal/trust"
	"presenceguard/internal/warmscan"
)

type errorKind struct {
	err    error
	status int
	kind   string
}

var errorKinds = []errorKind{
	{engine.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{trust.ErrInvalidStudent, http.StatusBadRequest, "invalid_request"},
	{trust.ErrInvalidDevice, http.StatusBadRequest, "invalid_device"},
	{fusion.ErrIncompleteSample, http.StatusUnprocessableEntity, "incomplete_sample"},
	{fusion.ErrReferenceUnavailable, http.StatusNotFound, "reference_unavailable"},
	{trust.ErrStaleState, http.StatusConflict, "stale_state"},
	{trust.ErrNoPendingSwitch, http.StatusConflict, "no_pending_switch"},
	{engine.ErrNoSample, http.StatusNotFound, "no_sample"},
	{engine.ErrNoWarmScan, http.StatusNotFound, "no_warm_scan"},
	{warmscan.ErrAlreadyRunning, http.StatusConflict, "warm_scan_running"},
	{warmscan.ErrWindowElapsed, http.StatusUnprocessableEntity, "window_elapsed"},
}

// classify maps an engine error to an HTTP status and a stable kind string.
func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.kind
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeEngineError(c *gin.Context, err error) {
	status, kind := classify(err)
	writeError(c, status, kind, err)
}

func writeError(c *gin.Context, status int, kind string, err error) {
	msg := http.StatusText(status)
	if err != nil && status < http.StatusInternalServerError {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "kind": kind})
}
