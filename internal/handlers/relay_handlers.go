package handlers

import (
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"

	"raffle/internal/checkin"
	"raffle/internal/events"
	"raffle/internal/middleware"
	"raffle/internal/models"
	"raffle/internal/rowstore"
)

// RelayHandler serves the attendee-facing check-in endpoints in front of a
// row store. The session id travels in the "s" query parameter.
type RelayHandler struct {
	store     rowstore.Store
	publisher events.Publisher
	auth      *middleware.Auth
	phone     *regexp.Regexp
	now       func() time.Time
}

// NewRelayHandler builds the relay. A nil publisher drops events.
func NewRelayHandler(store rowstore.Store, publisher events.Publisher, auth *middleware.Auth, phonePattern string) (*RelayHandler, error) {
	if phonePattern == "" {
		phonePattern = checkin.DefaultPhonePattern
	}
	re, err := regexp.Compile(phonePattern)
	if err != nil {
		return nil, err
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	if auth == nil {
		auth = middleware.NewAuth("", 0)
	}
	return &RelayHandler{store: store, publisher: publisher, auth: auth, phone: re, now: time.Now}, nil
}

// RegisterRoutes mounts the relay endpoints on router.
func (h *RelayHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/checkin", h.Submit)
	router.GET("/checkin", h.List)
	router.GET("/checkin.json", h.List)
	router.GET("/checkin.csv", h.ExportCSV)
	router.POST("/checkin/reset", h.auth.RequireAdmin(), h.Reset)
	router.POST("/checkin.reset", h.auth.RequireAdmin(), h.Reset)
}

func session(c *gin.Context) string {
	return strings.TrimSpace(c.Query("s"))
}

type submitBody struct {
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Device string `json:"device"`
}

type submitReply struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Rank    int    `json:"rank,omitempty"`
}

// Submit records one check-in.
func (h *RelayHandler) Submit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, submitReply{Message: "invalid request body"})
		return
	}
	row := models.CheckinRow{
		Name:      body.Name,
		Phone:     body.Phone,
		Device:    body.Device,
		Session:   session(c),
		Timestamp: h.now().UTC(),
	}
	row.Normalize()
	switch {
	case row.Name == "" || row.Phone == "":
		c.JSON(http.StatusBadRequest, submitReply{Message: "name and phone are required"})
		return
	case !h.phone.MatchString(row.Phone):
		c.JSON(http.StatusBadRequest, submitReply{Message: "phone number is invalid"})
		return
	}

	rank, err := h.store.Insert(c.Request.Context(), row)
	switch {
	case errors.Is(err, rowstore.ErrDuplicate):
		c.JSON(http.StatusOK, submitReply{Message: checkin.MessageDuplicate})
		return
	case errors.Is(err, rowstore.ErrNotConfigured):
		logger.Errorf("relay: %v", err)
		c.JSON(http.StatusInternalServerError, submitReply{Message: "store not configured"})
		return
	case err != nil:
		logger.Warningf("relay: insert into session %s failed: %v", row.Session, err)
		c.JSON(http.StatusBadGateway, submitReply{Message: "store unavailable"})
		return
	}

	if err := h.publisher.Publish(c.Request.Context(), events.CheckinEvent{Type: events.TypeInsert, Session: row.Session, Row: row}); err != nil {
		logger.Warningf("relay: publish insert: %v", err)
	}
	c.JSON(http.StatusOK, submitReply{OK: true, Rank: rank})
}

// List returns the session's rows oldest first, or [] when the store fails.
func (h *RelayHandler) List(c *gin.Context) {
	rows, err := h.store.List(c.Request.Context(), session(c))
	if err != nil {
		logger.Warningf("relay: list failed: %v", err)
		rows = []models.CheckinRow{}
	}
	c.JSON(http.StatusOK, rows)
}

// ExportCSV streams the session's rows as CSV.
func (h *RelayHandler) ExportCSV(c *gin.Context) {
	s := session(c)
	rows, err := h.store.List(c.Request.Context(), s)
	if err != nil {
		logger.Warningf("relay: list for export failed: %v", err)
		rows = nil
	}
	now := h.now()
	sendCSV(c, "checkins.csv", false, func(w io.Writer) error {
		return writeCheckinsCSV(w, rows, now)
	})
}

// Reset deletes every row of the session and announces each removal.
func (h *RelayHandler) Reset(c *gin.Context) {
	ctx := c.Request.Context()
	s := session(c)
	rows, _ := h.store.List(ctx, s)
	if err := h.store.DeleteSession(ctx, s); err != nil {
		logger.Warningf("relay: reset session %s failed: %v", s, err)
		c.JSON(http.StatusOK, gin.H{"ok": false})
		return
	}
	for _, r := range rows {
		if err := h.publisher.Publish(ctx, events.CheckinEvent{Type: events.TypeDelete, Session: s, Row: r}); err != nil {
			logger.Warningf("relay: publish delete: %v", err)
			break
		}
	}
	logger.Infof("relay: reset session %s (%d rows)", s, len(rows))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
