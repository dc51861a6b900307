// Package api exposes the activity record API over HTTP.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mindspace-dev/mindspace-store/internal/logger"
	"github.com/mindspace-dev/mindspace-store/internal/metrics"
	"github.com/mindspace-dev/mindspace-store/pkg/activity"
	"github.com/mindspace-dev/mindspace-store/pkg/schema"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

type Handler struct {
	Service  *activity.Service
	Sessions *activity.Sessions
	Storage  *storage.Router
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
}

// NewEngine registers every route on a new gin engine.
func NewEngine(h *Handler) *gin.Engine {
	if h.Logger == nil {
		h.Logger = logger.Discard()
	}
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	r.GET("/healthz", h.Health)
	if h.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(h.Gatherer)))
	}

	apiGroup := r.Group("/api")
	{
		users := apiGroup.Group("/users/:user")
		users.POST("/mood", h.SaveMood)
		users.POST("/tasks", h.SaveTask)
		users.PATCH("/tasks/:id", h.UpdateTaskStatus)
		users.DELETE("/tasks/:id", h.DeleteTask)
		users.POST("/focus", h.SaveFocus)
		users.POST("/schedules", h.SaveSchedule)
		users.POST("/chat", h.SaveChat)
		users.GET("/history", h.GetHistory)
		users.GET("/summary", h.GetSummary)
		users.GET("/profile", h.GetProfile)
		users.PUT("/profile", h.UpdateProfile)
		users.GET("/settings", h.GetSettings)
		users.PUT("/settings", h.UpdateSettings)
		users.POST("/sync", h.Sync)
		users.POST("/cleanup", h.Cleanup)

		apiGroup.POST("/otp/send", h.SendOtp)
		apiGroup.POST("/otp/verify", h.VerifyOtp)

		apiGroup.POST("/chats", h.OpenChat)
		apiGroup.GET("/chats/:chat/messages", h.GetMessages)
		apiGroup.POST("/chats/:chat/messages", h.SendMessage)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

// fail writes err with the status matching its kind.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidID), errors.Is(err, storage.ErrInvalidEntry):
		status = http.StatusBadRequest
	case errors.Is(err, activity.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, activity.ErrMailDelivery):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.Logger.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) session(c *gin.Context) (*activity.Session, bool) {
	sess, err := h.Sessions.Get(c.Param("user"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return sess, true
}

// bind decodes the JSON body into v, answering 400 on failure.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// days parses the optional ?days= window.
func days(c *gin.Context) (*int, bool) {
	raw := c.Query("days")
	if raw == "" {
		return nil, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a non-negative integer"})
		return nil, false
	}
	return &n, true
}

func (h *Handler) Health(c *gin.Context) {
	remote := "none"
	if h.Storage != nil && h.Storage.Remote() != nil {
		remote = "down"
		if h.Storage.Available(c.Request.Context()) {
			remote = "up"
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "remote": remote})
}

func (h *Handler) SaveMood(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var in schema.MoodEntry
	if !bind(c, &in) {
		return
	}
	out, err := h.Service.SaveMoodEntry(c.Request.Context(), sess, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handler) SaveTask(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var in schema.TaskEntry
	if !bind(c, &in) {
		return
	}
	out, err := h.Service.SaveTaskEntry(c.Request.Context(), sess, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handler) UpdateTaskStatus(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var in struct {
		Status string `json:"status" binding:"required"`
	}
	if !bind(c, &in) {
		return
	}
	out, err := h.Service.UpdateTaskStatus(c.Request.Context(), sess, c.Param("id"), in.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) DeleteTask(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	if err := h.Service.DeleteTask(c.Request.Context(), sess, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) SaveFocus(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var in schema.FocusEntry
	if !bind(c, &in) {
		return
	}
	out, err := h.Service.SaveFocusEntry(c.Request.Context(), sess, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handler) SaveSchedule(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var in schema.ScheduleEntry
	if !bind(c, &in) {
		return
	}
	out, err := h.Service.SaveSchedule(c.Request.Context(), sess, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handler) SaveChat(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var in schema.ChatEntry
	if !bind(c, &in) {
		return
	}
	out, err := h.Service.SaveChatEntry(c.Request.Context(), sess, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// GetHistory serves ?days=N&mood=A&mood=B&sync=true.
func (h *Handler) GetHistory(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	window, ok := days(c)
	if !ok {
		return
	}
	sync, _ := strconv.ParseBool(c.Query("sync"))
	rec, err := h.Service.GetHistory(c.Request.Context(), sess, activity.HistoryQuery{
		WindowDays: window,
		Moods:      c.QueryArray("mood"),
		Sync:       sync,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetSummary(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	window, ok := days(c)
	if !ok {
		return
	}
	sum, err := h.Service.GetSummary(c.Request.Context(), sess, window)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) GetProfile(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	p, err := h.Service.GetUserProfile(c.Request.Context(), sess)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var in struct {
		Bio       string   `json:"bio"`
		Interests []string `json:"interests"`
	}
	if !bind(c, &in) {
		return
	}
	if err := h.Service.UpdateUserProfile(c.Request.Context(), sess, in.Bio, in.Interests); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) GetSettings(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	s, err := h.Service.GetSettings(c.Request.Context(), sess)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var in schema.Settings
	if !bind(c, &in) {
		return
	}
	if err := h.Service.UpdateSettings(c.Request.Context(), sess, in); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) Sync(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	changed, err := h.Service.Reconcile(c.Request.Context(), sess)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (h *Handler) Cleanup(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	removed, err := h.Service.CleanupOldData(c.Request.Context(), sess)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// SendOtp never returns the code; it only reaches the user by email.
func (h *Handler) SendOtp(c *gin.Context) {
	var in struct {
		Email string `json:"email" binding:"required"`
	}
	if !bind(c, &in) {
		return
	}
	if _, err := h.Service.SendOtp(c.Request.Context(), in.Email); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (h *Handler) VerifyOtp(c *gin.Context) {
	var in struct {
		Email string `json:"email" binding:"required"`
		Code  string `json:"code" binding:"required"`
	}
	if !bind(c, &in) {
		return
	}
	res, err := h.Service.VerifyOtp(c.Request.Context(), in.Email, in.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) OpenChat(c *gin.Context) {
	var in struct {
		UserA string `json:"user_a" binding:"required"`
		UserB string `json:"user_b" binding:"required"`
	}
	if !bind(c, &in) {
		return
	}
	id, err := h.Service.GetOrCreateChat(c.Request.Context(), in.UserA, in.UserB)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": id})
}

func (h *Handler) GetMessages(c *gin.Context) {
	msgs, err := h.Service.GetBuddyMessages(c.Request.Context(), c.Param("chat"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *Handler) SendMessage(c *gin.Context) {
	var in struct {
		Sender  string `json:"sender" binding:"required"`
		Type    string `json:"type"`
		Content string `json:"content" binding:"required"`
	}
	if !bind(c, &in) {
		return
	}
	msg, err := h.Service.SendBuddyMessage(c.Request.Context(), c.Param("chat"), in.Sender, in.Type, in.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
