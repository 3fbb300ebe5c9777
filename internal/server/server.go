// Package server exposes the dashboard REST API: job control, settings,
// archive stats and recent messages. It binds to localhost; the archive is a
// single-user system.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/repairer5812/ai-email-summarizer/internal/credential"
	"github.com/repairer5812/ai-email-summarizer/internal/db"
	"github.com/repairer5812/ai-email-summarizer/internal/llm"
	"github.com/repairer5812/ai-email-summarizer/internal/models"
	"github.com/repairer5812/ai-email-summarizer/internal/service"
)

// Server wires the REST handlers to the index database and orchestrator.
type Server struct {
	db       *db.Client
	orch     *service.Orchestrator
	dataRoot string
	logger   *slog.Logger
}

// New creates the API server.
func New(dbClient *db.Client, orch *service.Orchestrator, dataRoot string, logger *slog.Logger) *Server {
	return &Server{db: dbClient, orch: orch, dataRoot: dataRoot, logger: logger}
}

// Router builds the Gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(s.logger))

	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/settings", s.getSettings)
		v1.PUT("/settings", s.putSettings)

		v1.POST("/jobs/sync", s.enqueueSync)
		v1.POST("/jobs/resummarize", s.enqueueResummarize)
		v1.POST("/jobs/install", s.enqueueInstall)
		v1.GET("/jobs", s.listJobs)
		v1.GET("/jobs/:id", s.getJob)
		v1.GET("/jobs/:id/events", s.jobEvents)
		v1.POST("/jobs/:id/cancel", s.cancelJob)

		v1.GET("/messages/recent", s.recentMessages)
		v1.GET("/days/:day/overview", s.dayOverview)
		v1.GET("/stats", s.stats)
		v1.GET("/models", s.listModels)
	}

	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// settingsPayload is the wire form of the runtime settings. Secrets ride
// along on PUT but are stored in the keyring, never in the database.
type settingsPayload struct {
	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port"`
	IMAPUser     string `json:"imap_user"`
	IMAPFolder   string `json:"imap_folder"`
	SenderFilter string `json:"sender_filter"`
	SyncWindow   int    `json:"sync_window_days"`

	VaultRoot string `json:"vault_root"`

	LLMBackend    string `json:"llm_backend"`
	CloudProvider string `json:"cloud_provider"`
	LocalModelID  string `json:"local_model_id"`
	SummaryTier   string `json:"summary_tier"`
	UserProfile   string `json:"user_profile"`

	ExternalMaxBytes int64 `json:"external_max_bytes"`
	ExternalMaxCount int   `json:"external_max_count"`
	ExternalMaxSecs  int   `json:"external_max_secs"`

	IMAPPassword string `json:"imap_password,omitempty"`
	CloudAPIKey  string `json:"cloud_api_key,omitempty"`
}

func payloadFromSettings(st db.Settings) settingsPayload {
	return settingsPayload{
		IMAPHost:         st.IMAPHost,
		IMAPPort:         st.IMAPPort,
		IMAPUser:         st.IMAPUser,
		IMAPFolder:       st.IMAPFolder,
		SenderFilter:     st.SenderFilter,
		SyncWindow:       st.SyncWindow,
		VaultRoot:        st.VaultRoot,
		LLMBackend:       st.LLMBackend,
		CloudProvider:    st.CloudProvider,
		LocalModelID:     st.LocalModelID,
		SummaryTier:      st.SummaryTier,
		UserProfile:      st.UserProfile,
		ExternalMaxBytes: st.ExternalMaxBytes,
		ExternalMaxCount: st.ExternalMaxCount,
		ExternalMaxSecs:  st.ExternalMaxSecs,
	}
}

func (p settingsPayload) toSettings(base db.Settings) db.Settings {
	base.IMAPHost = p.IMAPHost
	base.IMAPPort = p.IMAPPort
	base.IMAPUser = p.IMAPUser
	base.IMAPFolder = p.IMAPFolder
	base.SenderFilter = p.SenderFilter
	base.SyncWindow = p.SyncWindow
	base.VaultRoot = p.VaultRoot
	base.LLMBackend = p.LLMBackend
	base.CloudProvider = p.CloudProvider
	base.LocalModelID = p.LocalModelID
	base.SummaryTier = p.SummaryTier
	base.UserProfile = p.UserProfile
	base.ExternalMaxBytes = p.ExternalMaxBytes
	base.ExternalMaxCount = p.ExternalMaxCount
	base.ExternalMaxSecs = p.ExternalMaxSecs
	return base
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.db.LoadSettings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, payloadFromSettings(settings))
}

func (s *Server) putSettings(c *gin.Context) {
	var payload settingsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings: " + err.Error()})
		return
	}

	current, err := s.db.LoadSettings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	updated := payload.toSettings(current)
	if err := s.db.SaveSettings(c.Request.Context(), updated); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if payload.IMAPPassword != "" {
		if err := credential.Set(credential.IMAPKey(updated.IMAPUser, updated.IMAPHost), payload.IMAPPassword); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store password: " + err.Error()})
			return
		}
	}
	if payload.CloudAPIKey != "" {
		if err := credential.Set(credential.CloudKey(updated.CloudProvider), payload.CloudAPIKey); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store API key: " + err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, payloadFromSettings(updated))
}

func (s *Server) enqueue(c *gin.Context, kind models.JobKind, params any) {
	job, err := s.orch.Enqueue(c.Request.Context(), kind, params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, db.ErrJobConflict) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, jobJSON(job))
}

func (s *Server) enqueueSync(c *gin.Context) {
	s.enqueue(c, models.JobKindSync, service.SyncParams{})
}

func (s *Server) enqueueResummarize(c *gin.Context) {
	var params service.ResummarizeParams
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params: " + err.Error()})
			return
		}
	}
	s.enqueue(c, models.JobKindResummarize, params)
}

func (s *Server) enqueueInstall(c *gin.Context) {
	var params service.InstallParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params: " + err.Error()})
		return
	}
	s.enqueue(c, models.JobKindLocalInstall, params)
}

func jobJSON(j *models.Job) gin.H {
	h := gin.H{
		"id":         j.ID,
		"kind":       j.Kind,
		"status":     j.Status,
		"percent":    j.Percent(),
		"message":    j.Message,
		"created_at": j.CreatedAt,
		"updated_at": j.UpdatedAt,
	}
	if j.StartedAt != nil {
		h["started_at"] = j.StartedAt
	}
	if j.FinishedAt != nil {
		h["finished_at"] = j.FinishedAt
	}
	return h
}

func (s *Server) listJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := s.db.ListJobs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobJSON(&jobs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.db.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobJSON(job))
}

// jobEvents returns events after the given ID, so the dashboard can poll
// incrementally with ?after=<last seen id>.
func (s *Server) jobEvents(c *gin.Context) {
	after, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	events, err := s.db.EventsSince(c.Request.Context(), c.Param("id"), after)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type eventJSON struct {
		ID    int64  `json:"id"`
		TS    string `json:"ts"`
		Level string `json:"level"`
		Text  string `json:"text"`
	}
	out := make([]eventJSON, 0, len(events))
	for _, e := range events {
		out = append(out, eventJSON{
			ID:    e.ID,
			TS:    e.TS.Format("2006-01-02T15:04:05Z07:00"),
			Level: string(e.Level),
			Text:  e.Text,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (s *Server) cancelJob(c *gin.Context) {
	if err := s.orch.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel requested"})
}

func (s *Server) recentMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, err := s.db.ListRecentMessages(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type messageJSON struct {
		Key       string   `json:"key"`
		Date      string   `json:"date"`
		From      string   `json:"from"`
		Subject   string   `json:"subject"`
		State     string   `json:"state"`
		Summary   string   `json:"summary,omitempty"`
		Tier      string   `json:"summary_tier,omitempty"`
		Tags      []string `json:"tags,omitempty"`
		Topics    []string `json:"topics,omitempty"`
		ErrorNote string   `json:"error_note,omitempty"`
	}
	out := make([]messageJSON, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		out = append(out, messageJSON{
			Key:       m.Key(),
			Date:      m.InternalDate,
			From:      m.FromAddr,
			Subject:   m.Subject,
			State:     string(m.State()),
			Summary:   m.Summary,
			Tier:      string(m.SummaryTier),
			Tags:      decodeList(m.TagsJSON),
			Topics:    decodeList(m.TopicsJSON),
			ErrorNote: m.ErrorNote,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func (s *Server) dayOverview(c *gin.Context) {
	day := c.Param("day")
	overview, err := s.db.GetDailyOverview(c.Request.Context(), day)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no overview for " + day})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"day": day, "overview": overview})
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.db.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_messages":   stats.TotalMessages,
		"archived":         stats.Archived,
		"summarized":       stats.Summarized,
		"exported":         stats.Exported,
		"seen_marked":      stats.SeenMarked,
		"with_errors":      stats.WithErrors,
		"avg_summarize_ms": stats.AvgSummarizeMS,
	})
}

func (s *Server) listModels(c *gin.Context) {
	type modelJSON struct {
		ID        string `json:"id"`
		Label     string `json:"label"`
		Tier      string `json:"tier"`
		Installed bool   `json:"installed"`
	}
	out := make([]modelJSON, 0, len(llm.LocalModels))
	for _, m := range llm.LocalModels {
		out = append(out, modelJSON{
			ID:        m.ID,
			Label:     m.Label,
			Tier:      string(m.Tier),
			Installed: llm.ModelInstalled(s.dataRoot, m.ID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}
