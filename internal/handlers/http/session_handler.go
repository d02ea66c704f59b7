package http

import (
	"io"
	"net/http"
	"strconv"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// ChatIngester accepts chat from relays that post over HTTP instead of NATS.
type ChatIngester interface {
	IngestChat(platform string, raw domain.RawChatMessage) (domain.ChatMessage, error)
}

// SessionHandler exposes the operator surface of one broadcast session.
// Errors are attached with c.Error and rendered by ErrorHandlerMiddleware.
type SessionHandler struct {
	session   ports.SessionService
	chat      ChatIngester
	repo      ports.SessionRepository
	platforms []domain.StreamPlatform
}

// NewSessionHandler takes the configured platform catalogue; start requests
// pick platforms from it by id so stream keys never travel over the API.
func NewSessionHandler(
	session ports.SessionService,
	chat ChatIngester,
	repo ports.SessionRepository,
	platforms []domain.StreamPlatform,
) *SessionHandler {
	return &SessionHandler{
		session:   session,
		chat:      chat,
		repo:      repo,
		platforms: platforms,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/platforms", h.ListPlatforms)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)

		s := api.Group("/session")
		s.GET("", h.GetState)
		s.POST("/start", h.StartSession)
		s.POST("/end", h.EndSession)
		s.POST("/recording/start", h.StartRecording)
		s.POST("/recording/stop", h.StopRecording)
		s.PUT("/quality", h.SetQuality)
		s.GET("/events", h.StreamEvents)

		s.PATCH("/guests/:id", h.UpdateGuest)
		s.DELETE("/guests/:id", h.DisconnectGuest)

		s.POST("/sources/screen", h.ShareScreen)
		s.POST("/sources/camera", h.StartCamera)
		s.DELETE("/sources/:id", h.StopSource)

		s.GET("/overlays", h.ListOverlays)
		s.POST("/overlays", h.AddOverlay)
		s.PATCH("/overlays/:id", h.UpdateOverlay)
		s.DELETE("/overlays/:id", h.RemoveOverlay)
		s.PUT("/overlays/order", h.ReorderOverlays)

		s.POST("/platforms/:id/publish", h.StartPublishing)
		s.DELETE("/platforms/:id/publish", h.StopPublishing)
		s.PUT("/platforms/:id/enabled", h.SetPlatformEnabled)
		s.PUT("/platforms/:id/viewers", h.ReportViewerCount)

		s.GET("/chat", h.ChatHistory)
		s.GET("/chat/stream", h.StreamChat)
		s.POST("/chat/:platform", h.IngestChat)
	}
}

func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		_ = c.Error(domain.ErrInvalidInput.Wrap(err))
		return false
	}
	return true
}

func (h *SessionHandler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
}

func (h *SessionHandler) state(c *gin.Context, status int) {
	c.JSON(status, gin.H{"session": h.session.State()})
}

func (h *SessionHandler) ListPlatforms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"platforms": h.platforms})
}

func (h *SessionHandler) GetState(c *gin.Context) {
	h.state(c, http.StatusOK)
}

type startRequest struct {
	Title        string                 `json:"title"`
	Description  string                 `json:"description"`
	Quality      domain.Quality         `json:"quality"`
	BrandingLogo string                 `json:"branding_logo"`
	Overlays     []domain.StreamOverlay `json:"overlays"`
	// PlatformIDs selects and enables platforms from the catalogue; the
	// rest are carried disabled. Empty keeps the catalogue's own flags.
	PlatformIDs []domain.PlatformID `json:"platform_ids"`
	PreviewOnly bool                `json:"preview_only"`
}

func (h *SessionHandler) StartSession(c *gin.Context) {
	var req startRequest
	if !bindJSON(c, &req) {
		return
	}

	platforms, err := h.selectPlatforms(req.PlatformIDs)
	if err != nil {
		h.fail(c, err)
		return
	}

	settings := domain.StreamSettings{
		Title:        req.Title,
		Description:  req.Description,
		Quality:      req.Quality,
		BrandingLogo: req.BrandingLogo,
		Overlays:     req.Overlays,
		Platforms:    platforms,
		PreviewOnly:  req.PreviewOnly,
	}
	if err := h.session.StartSession(c.Request.Context(), settings); err != nil {
		h.fail(c, err)
		return
	}
	h.state(c, http.StatusOK)
}

func (h *SessionHandler) selectPlatforms(ids []domain.PlatformID) ([]domain.StreamPlatform, error) {
	platforms := append([]domain.StreamPlatform(nil), h.platforms...)
	if len(ids) == 0 {
		return platforms, nil
	}

	selected := make(map[domain.PlatformID]bool, len(ids))
	for _, id := range ids {
		selected[id] = true
	}
	for i := range platforms {
		platforms[i].Enabled = selected[platforms[i].ID]
		delete(selected, platforms[i].ID)
	}
	for id := range selected {
		return nil, domain.ErrPlatformNotFound.Withf("platform %s is not configured", id)
	}
	return platforms, nil
}

func (h *SessionHandler) EndSession(c *gin.Context) {
	if err := h.session.EndSession(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	h.state(c, http.StatusOK)
}

func (h *SessionHandler) StartRecording(c *gin.Context) {
	if err := h.session.StartRecording(); err != nil {
		h.fail(c, err)
		return
	}
	h.state(c, http.StatusOK)
}

func (h *SessionHandler) StopRecording(c *gin.Context) {
	if err := h.session.StopRecording(); err != nil {
		h.fail(c, err)
		return
	}
	h.state(c, http.StatusOK)
}

func (h *SessionHandler) SetQuality(c *gin.Context) {
	var req struct {
		Quality domain.Quality `json:"quality" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if err := h.session.SetQuality(req.Quality); err != nil {
		h.fail(c, err)
		return
	}
	h.state(c, http.StatusOK)
}

func (h *SessionHandler) UpdateGuest(c *gin.Context) {
	id := domain.GuestID(c.Param("id"))
	var req struct {
		Muted    *bool `json:"muted"`
		VideoOff *bool `json:"video_off"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.Muted == nil && req.VideoOff == nil {
		h.fail(c, domain.ErrInvalidInput.Withf("muted or video_off is required"))
		return
	}

	if req.Muted != nil {
		if err := h.session.SetGuestMuted(id, *req.Muted); err != nil {
			h.fail(c, err)
			return
		}
	}
	if req.VideoOff != nil {
		if err := h.session.SetGuestVideoOff(id, *req.VideoOff); err != nil {
			h.fail(c, err)
			return
		}
	}
	h.state(c, http.StatusOK)
}

func (h *SessionHandler) DisconnectGuest(c *gin.Context) {
	if err := h.session.DisconnectGuest(domain.GuestID(c.Param("id"))); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) bindConstraints(c *gin.Context) (domain.CaptureConstraints, bool) {
	var constraints domain.CaptureConstraints
	if c.Request.ContentLength == 0 {
		return constraints, true
	}
	if err := c.ShouldBindJSON(&constraints); err != nil && err != io.EOF {
		_ = c.Error(domain.ErrInvalidInput.Wrap(err))
		return constraints, false
	}
	return constraints, true
}

func (h *SessionHandler) ShareScreen(c *gin.Context) {
	constraints, ok := h.bindConstraints(c)
	if !ok {
		return
	}
	source, err := h.session.ShareScreen(c.Request.Context(), constraints)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"source": source})
}

func (h *SessionHandler) StartCamera(c *gin.Context) {
	constraints, ok := h.bindConstraints(c)
	if !ok {
		return
	}
	source, err := h.session.StartCamera(c.Request.Context(), constraints)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"source": source})
}

func (h *SessionHandler) StopSource(c *gin.Context) {
	if err := h.session.StopSource(domain.SourceID(c.Param("id"))); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) ListOverlays(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"overlays": h.session.Overlays()})
}

func (h *SessionHandler) AddOverlay(c *gin.Context) {
	var overlay domain.StreamOverlay
	if !bindJSON(c, &overlay) {
		return
	}
	id, err := h.session.AddOverlay(overlay)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "overlays": h.session.Overlays()})
}

func (h *SessionHandler) UpdateOverlay(c *gin.Context) {
	var patch domain.OverlayPatch
	if !bindJSON(c, &patch) {
		return
	}
	overlay, err := h.session.UpdateOverlay(domain.OverlayID(c.Param("id")), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overlay": overlay})
}

func (h *SessionHandler) RemoveOverlay(c *gin.Context) {
	if err := h.session.RemoveOverlay(domain.OverlayID(c.Param("id"))); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) ReorderOverlays(c *gin.Context) {
	var req struct {
		IDs []domain.OverlayID `json:"ids" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if err := h.session.ReorderOverlays(req.IDs); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overlays": h.session.Overlays()})
}

func (h *SessionHandler) StartPublishing(c *gin.Context) {
	if err := h.session.StartPublishing(c.Request.Context(), domain.PlatformID(c.Param("id"))); err != nil {
		h.fail(c, err)
		return
	}
	h.state(c, http.StatusOK)
}

func (h *SessionHandler) StopPublishing(c *gin.Context) {
	if err := h.session.StopPublishing(domain.PlatformID(c.Param("id"))); err != nil {
		h.fail(c, err)
		return
	}
	h.state(c, http.StatusOK)
}

func (h *SessionHandler) SetPlatformEnabled(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if err := h.session.SetPlatformEnabled(domain.PlatformID(c.Param("id")), *req.Enabled); err != nil {
		h.fail(c, err)
		return
	}
	h.state(c, http.StatusOK)
}

func (h *SessionHandler) ReportViewerCount(c *gin.Context) {
	var req struct {
		Count *int `json:"count" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if err := h.session.ReportViewerCount(domain.PlatformID(c.Param("id")), *req.Count); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) ChatHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		h.fail(c, domain.ErrInvalidInput.Withf("limit must be a non-negative integer"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": h.session.ChatHistory(limit)})
}

func (h *SessionHandler) IngestChat(c *gin.Context) {
	if h.chat == nil {
		h.fail(c, domain.ErrInvalidState.Withf("chat ingest is not enabled"))
		return
	}
	var raw domain.RawChatMessage
	if !bindJSON(c, &raw) {
		return
	}
	msg, err := h.chat.IngestChat(c.Param("platform"), raw)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": msg})
}

// StreamChat sends the chat timeline as server-sent events. ?since=<seq>
// resumes after the last message a client saw.
func (h *SessionHandler) StreamChat(c *gin.Context) {
	var sub ports.ChatSubscription
	if since := c.Query("since"); since != "" {
		seq, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			h.fail(c, domain.ErrInvalidInput.Withf("since must be a sequence number"))
			return
		}
		sub = h.session.SubscribeChatFrom(seq + 1)
	} else {
		sub = h.session.SubscribeChat()
	}
	defer sub.Close()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		msg, err := sub.Next(ctx)
		if err != nil {
			return false
		}
		c.SSEvent("chat", msg)
		return true
	})
}

// StreamEvents sends every session update as a server-sent event named
// after the event type.
func (h *SessionHandler) StreamEvents(c *gin.Context) {
	updates, cancel := h.session.Subscribe()
	defer cancel()

	ctx := c.Request.Context()
	c.SSEvent("state", ports.SessionUpdate{
		Event: domain.NewEvent(domain.EventStateChanged),
		State: h.session.State(),
	})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case update, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent(string(update.Event.Type), update)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []domain.StreamState{h.session.State()}})
		return
	}
	sessions, err := h.repo.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	if id == h.session.ID() {
		h.state(c, http.StatusOK)
		return
	}
	if h.repo == nil {
		h.fail(c, domain.ErrSessionNotFound.Withf("session %s not found", id))
		return
	}
	state, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": state})
}
