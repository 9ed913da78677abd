package handlers

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"

	"raffle/internal/middleware"
	"raffle/internal/models"
	"raffle/internal/services"
)

// Checkins is the host's view of the check-in backend.
type Checkins interface {
	Load(ctx context.Context, session string) []models.CheckinRow
	Count(ctx context.Context, session string) int
	Reset(ctx context.Context, session string) bool
}

// HostHandler is the JSON admin API the host screen drives.
type HostHandler struct {
	service   *services.RaffleService
	checkins  Checkins
	intake    *services.Intake
	auth      *middleware.Auth
	publicURL string
}

// NewHostHandler creates the admin API. intake may be nil; when set, the
// check-in count for its session comes from the live counter.
func NewHostHandler(service *services.RaffleService, checkins Checkins, intake *services.Intake, auth *middleware.Auth, publicURL string) *HostHandler {
	if auth == nil {
		auth = middleware.NewAuth("", 0)
	}
	return &HostHandler{
		service:   service,
		checkins:  checkins,
		intake:    intake,
		auth:      auth,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// RegisterRoutes mounts the admin API under /api/sessions/:session.
func (h *HostHandler) RegisterRoutes(router gin.IRouter) {
	g := router.Group("/api/sessions/:session", h.auth.RequireAdmin())
	g.GET("", h.GetSession)
	g.PUT("/snapshot", h.RestoreSnapshot)
	g.POST("/prizes", h.AddPrize)
	g.DELETE("/prizes/:id", h.RemovePrize)
	g.POST("/participants", h.AddParticipants)
	g.POST("/participants/csv", h.UploadParticipantsCSV)
	g.POST("/participants/normalize", h.NormalizeParticipants)
	g.PUT("/participants/:id", h.UpdateParticipant)
	g.DELETE("/participants/:id", h.RemoveParticipant)
	g.DELETE("/participants", h.ClearParticipants)
	g.POST("/draw", h.Draw)
	g.DELETE("/records", h.ClearRecords)
	g.POST("/reset", h.Reset)
	g.GET("/records.csv", h.ExportRecordsCSV)
	g.GET("/checkins.csv", h.ExportCheckinsCSV)
	g.GET("/checkins/count", h.CheckinCount)
	g.GET("/link", h.Link)
}

func (h *HostHandler) checkinCount(ctx context.Context, s string) int {
	if h.intake != nil && h.intake.Session() == s {
		return h.intake.Count()
	}
	return h.checkins.Count(ctx, s)
}

func fail(c *gin.Context, status int, err error) {
	if errors.Is(err, services.ErrSessionUnavailable) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ok": false, "message": err.Error()})
}

// GetSession returns the snapshot, reset counter and check-in count.
func (h *HostHandler) GetSession(c *gin.Context) {
	s := c.Param("session")
	view, err := h.service.Snapshot(c.Request.Context(), s)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  view.Session,
		"resetSeq": view.ResetSeq,
		"snapshot": view.Snapshot,
		"checkins": h.checkinCount(c.Request.Context(), s),
	})
}

// RestoreSnapshot replaces the session state with an exported snapshot.
func (h *HostHandler) RestoreSnapshot(c *gin.Context) {
	var snap models.StoreSnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	s := c.Param("session")
	h.service.WriteSnapshot(c.Request.Context(), s, snap)
	view, err := h.service.Snapshot(c.Request.Context(), s)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "snapshot": view.Snapshot})
}

type prizeBody struct {
	Name     string   `json:"name"`
	Quantity int      `json:"quantity"`
	Weight   *float64 `json:"weight"`
}

func (h *HostHandler) AddPrize(c *gin.Context) {
	var body prizeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	prize, err := h.service.AddPrize(c.Request.Context(), c.Param("session"), body.Name, body.Quantity, body.Weight)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, prize)
}

func (h *HostHandler) RemovePrize(c *gin.Context) {
	if err := h.service.RemovePrize(c.Request.Context(), c.Param("session"), c.Param("id")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type namesBody struct {
	Names []string `json:"names"`
}

func (h *HostHandler) AddParticipants(c *gin.Context) {
	var body namesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	added, err := h.service.AddParticipants(c.Request.Context(), c.Param("session"), body.Names)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "added": added})
}

// UploadParticipantsCSV imports name[,phone[,device]] rows from the "file"
// form field. A leading header row and malformed rows are skipped; a broken
// file imports nothing.
func (h *HostHandler) UploadParticipantsCSV(c *gin.Context) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		c.String(http.StatusBadRequest, "Error retrieving file: %v", err)
		return
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	var items []models.Incoming
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.String(http.StatusBadRequest, "Error reading CSV: %v", err)
			return
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "name") {
			continue
		}
		if len(record) > 3 || strings.TrimSpace(record[0]) == "" {
			logger.Infof("Skipping malformed participant CSV record: %v", record)
			continue
		}
		item := models.Incoming{Name: record[0]}
		if len(record) > 1 {
			meta := &models.ParticipantMeta{Phone: strings.TrimSpace(record[1])}
			if len(record) > 2 {
				meta.Device = strings.TrimSpace(record[2])
			}
			if meta.Phone != "" || meta.Device != "" {
				item.Meta = meta
			}
		}
		items = append(items, item)
	}

	ctx := c.Request.Context()
	s := c.Param("session")
	added, err := h.service.AddParticipantsWithMeta(ctx, s, items)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if _, err := h.service.NormalizeParticipants(ctx, s); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "added": len(added), "skipped": len(items) - len(added)})
}

func (h *HostHandler) NormalizeParticipants(c *gin.Context) {
	changed, err := h.service.NormalizeParticipants(c.Request.Context(), c.Param("session"))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "changed": changed})
}

type renameBody struct {
	Name string `json:"name"`
}

func (h *HostHandler) UpdateParticipant(c *gin.Context) {
	var body renameBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	p, err := h.service.UpdateParticipant(c.Request.Context(), c.Param("session"), c.Param("id"), body.Name)
	switch {
	case errors.Is(err, services.ErrParticipantNotFound):
		fail(c, http.StatusNotFound, err)
	case err != nil:
		fail(c, http.StatusBadRequest, err)
	default:
		c.JSON(http.StatusOK, p)
	}
}

func (h *HostHandler) RemoveParticipant(c *gin.Context) {
	if err := h.service.RemoveParticipant(c.Request.Context(), c.Param("session"), c.Param("id")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HostHandler) ClearParticipants(c *gin.Context) {
	if err := h.service.ClearParticipants(c.Request.Context(), c.Param("session")); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Draw runs one round. An exhausted pool is reported as ok:false, not an error status.
func (h *HostHandler) Draw(c *gin.Context) {
	var req services.DrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	round, err := h.service.Draw(c.Request.Context(), c.Param("session"), req)
	switch {
	case errors.Is(err, services.ErrNothingToDraw):
		fail(c, http.StatusOK, err)
	case errors.Is(err, services.ErrPrizeNotFound):
		fail(c, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInvalidDrawMode), errors.Is(err, services.ErrInvalidDrawCount):
		fail(c, http.StatusBadRequest, err)
	case err != nil:
		fail(c, http.StatusConflict, err)
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true, "round": round})
	}
}

func (h *HostHandler) ClearRecords(c *gin.Context) {
	if err := h.service.ClearRecords(c.Request.Context(), c.Param("session")); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Reset clears the session's check-ins and then its whole snapshot.
func (h *HostHandler) Reset(c *gin.Context) {
	ctx := c.Request.Context()
	s := c.Param("session")
	cleared := h.checkins.Reset(ctx, s)
	if !cleared {
		logger.Warningf("host: check-ins for session %s were not cleared", s)
	}
	seq := h.service.ResetAll(ctx, s)
	c.JSON(http.StatusOK, gin.H{"ok": true, "checkinsCleared": cleared, "resetSeq": seq})
}

// ExportRecordsCSV downloads the draw history.
func (h *HostHandler) ExportRecordsCSV(c *gin.Context) {
	view, err := h.service.Snapshot(c.Request.Context(), c.Param("session"))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	sendCSV(c, "raffle_results.csv", true, func(w io.Writer) error {
		return writeRecordsCSV(w, view.Snapshot)
	})
}

// ExportCheckinsCSV downloads the raw check-in rows.
func (h *HostHandler) ExportCheckinsCSV(c *gin.Context) {
	rows := h.checkins.Load(c.Request.Context(), c.Param("session"))
	sendCSV(c, "checkins.csv", true, func(w io.Writer) error {
		return writeCheckinsCSV(w, rows, time.Now())
	})
}

func (h *HostHandler) CheckinCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": h.checkinCount(c.Request.Context(), c.Param("session"))})
}

// Link returns the attendee check-in URL, the payload of the QR code.
func (h *HostHandler) Link(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"url": h.publicURL + "/checkin?s=" + url.QueryEscape(c.Param("session"))})
}
