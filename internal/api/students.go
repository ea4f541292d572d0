package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"presenceguard/internal/auth"
	"presenceguard/internal/engine"
	"presenceguard/internal/model"
	"presenceguard/internal/normalize"
)

var errStorageDisabled = errors.New("storage disabled")

type loginRequest struct {
	DeviceID string         `json:"device_id"`
	ClassID  uint32         `json:"class_id"`
	Readings map[string]any `json:"readings"`
}

type verifyRequest struct {
	ClassID      uint32         `json:"class_id"`
	SessionToken *uint32        `json:"session_token"`
	Readings     map[string]any `json:"readings"`
}

type warmScanRequest struct {
	ClassID      uint32    `json:"class_id"`
	SessionStart time.Time `json:"session_start"`
}

func (s *Server) handleLogin(c *gin.Context) {
	id := c.Param("id")
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.DeviceID == "" {
		if claims, ok := auth.ClaimsFrom(c); ok && claims.Role == auth.RoleStudent {
			req.DeviceID = claims.DeviceID
		}
	}
	var sample *model.SensorSample
	if req.Readings != nil {
		r, err := normalize.Snapshot(req.Readings, time.UTC)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid_readings", err)
			return
		}
		assembled := s.engine.AssembleSample(id, req.ClassID, r)
		sample = &assembled
	}
	res, err := s.engine.AttemptLogin(c.Request.Context(), id, req.DeviceID, sample)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == model.OutcomeSwitchRejected {
		status = http.StatusConflict
	}
	c.JSON(status, res)
}

func (s *Server) handleDeviceStatus(c *gin.Context) {
	st, err := s.engine.DeviceStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleReadings buffers one reading object, or an array of them, for the
// student's warm-scan collectors.
func (s *Server) handleReadings(c *gin.Context) {
	id := c.Param("id")
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 2<<20))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		writeError(c, http.StatusBadRequest, "invalid_request", errors.New("empty body"))
		return
	}
	var list []map[string]any
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &list); err != nil {
			writeError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
	} else {
		var obj map[string]any
		if err := json.Unmarshal(trim, &obj); err != nil {
			writeError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
		list = append(list, obj)
	}
	accepted, failed := 0, 0
	for _, obj := range list {
		r, err := normalize.Snapshot(obj, time.UTC)
		if err != nil {
			failed++
			if s.logger != nil {
				s.logger.Warn("readings normalize error", "student_id", id, "err", err)
			}
			continue
		}
		s.engine.PushReadings(id, r)
		accepted++
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted, "failed": failed})
}

func (s *Server) handleVerify(c *gin.Context) {
	id := c.Param("id")
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var sample model.SensorSample
	if req.Readings != nil {
		r, err := normalize.Snapshot(req.Readings, time.UTC)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid_readings", err)
			return
		}
		sample = s.engine.AssembleSample(id, req.ClassID, r)
	}
	score, err := s.engine.Verify(c.Request.Context(), engine.VerifyRequest{
		StudentID:    id,
		ClassID:      req.ClassID,
		SessionToken: req.SessionToken,
		Sample:       sample,
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

func (s *Server) handleVerifyLatest(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	score, err := s.engine.VerifyLatest(c.Request.Context(), c.Param("id"), req.ClassID, req.SessionToken)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

func (s *Server) handleVerifications(c *gin.Context) {
	store := s.engine.Store()
	if store == nil {
		writeError(c, http.StatusServiceUnavailable, "storage_disabled", errStorageDisabled)
		return
	}
	list, err := store.RecentVerifications(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 50))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verifications": list, "count": len(list)})
}

func (s *Server) handleStartWarmScan(c *gin.Context) {
	var req warmScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	window, err := s.engine.StartWarmScan(c.Request.Context(), engine.WarmScanRequest{
		StudentID:    c.Param("id"),
		ClassID:      req.ClassID,
		SessionStart: req.SessionStart,
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"window_start": window.Start, "window_end": window.End})
}

func (s *Server) handleStopWarmScan(c *gin.Context) {
	if err := s.engine.StopWarmScan(c.Param("id")); err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleWarmScan(c *gin.Context) {
	id := c.Param("id")
	stats, window, ok := s.engine.WarmScanStats(id)
	if !ok {
		writeEngineError(c, engine.ErrNoWarmScan)
		return
	}
	resp := gin.H{"stats": stats, "window_start": window.Start, "window_end": window.End}
	if latest, ok := s.engine.LatestSample(id); ok {
		resp["latest"] = latest
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleWarmScanSamples(c *gin.Context) {
	id := c.Param("id")
	if _, _, ok := s.engine.WarmScanStats(id); !ok {
		writeEngineError(c, engine.ErrNoWarmScan)
		return
	}
	samples := s.engine.Samples(id)
	c.JSON(http.StatusOK, gin.H{"samples": samples, "count": len(samples)})
}

func (s *Server) handleApprove(c *gin.Context) {
	res, err := s.engine.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	s.logDecision(c, res)
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleDeny(c *gin.Context) {
	res, err := s.engine.Deny(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	s.logDecision(c, res)
	c.JSON(http.StatusOK, res)
}

func (s *Server) logDecision(c *gin.Context, res model.TransitionResult) {
	if s.logger == nil {
		return
	}
	admin := ""
	if claims, ok := auth.ClaimsFrom(c); ok {
		admin = claims.Subject
	}
	s.logger.Info("device switch decided", "student_id", res.StudentID, "outcome", res.Outcome, "admin", admin)
}

func (s *Server) handleTrustRecord(c *gin.Context) {
	rec, err := s.engine.TrustRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	resp := gin.H{"record": rec}
	if store := s.engine.Store(); store != nil {
		trail, err := store.TrustTransitions(c.Request.Context(), rec.StudentID, queryInt(c, "limit", 50))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		resp["transitions"] = trail
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePutClassroom(c *gin.Context) {
	classID, err := parseClassID(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	store := s.engine.Store()
	if store == nil {
		writeError(c, http.StatusServiceUnavailable, "storage_disabled", errStorageDisabled)
		return
	}
	var body struct {
		Geofence model.Geofence        `json:"geofence"`
		Networks []model.CampusNetwork `json:"networks"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if body.Geofence.RadiusMeters <= 0 {
		writeError(c, http.StatusBadRequest, "invalid_request", errors.New("geofence.radius_m must be > 0"))
		return
	}
	ref := model.Reference{ClassID: classID, Geofence: &body.Geofence}
	for _, n := range body.Networks {
		if n.SSID == "" {
			continue
		}
		ref.Networks = append(ref.Networks, model.CampusNetwork{SSID: n.SSID, BSSID: normalize.BSSID(n.BSSID)})
	}
	if err := store.SaveReference(c.Request.Context(), ref); err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (s *Server) handleGetClassroom(c *gin.Context) {
	classID, err := parseClassID(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	ref, err := s.engine.Reference(c.Request.Context(), classID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func parseClassID(c *gin.Context) (uint32, error) {
	n, err := strconv.ParseUint(c.Param("class_id"), 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid class_id %q", c.Param("class_id"))
	}
	return uint32(n), nil
}
