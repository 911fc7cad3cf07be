package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// MaxRequestBodySize caps request bodies at 1MB.
const MaxRequestBodySize int64 = 1 << 20

// DebateManager owns the shared collaborators and the registry of running
// orchestrators, one per active debate.
type DebateManager struct {
	cfg      *AppConfig
	store    DebateStore
	provider GenerationProvider
	limiter  *RateLimiter
	hub      *SSEHub

	mu     sync.Mutex
	active map[string]*DebateOrchestrator
}

// NewDebateManager wires the manager around the shared collaborators.
func NewDebateManager(cfg *AppConfig, store DebateStore, provider GenerationProvider, limiter *RateLimiter, hub *SSEHub) *DebateManager {
	return &DebateManager{
		cfg:      cfg,
		store:    store,
		provider: provider,
		limiter:  limiter,
		hub:      hub,
		active:   make(map[string]*DebateOrchestrator),
	}
}

func (m *DebateManager) orchestrator(debateID string) (*DebateOrchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orch, ok := m.active[debateID]
	return orch, ok
}

// StartDebate creates and persists a new debate, then runs it in the
// background. Returns the debate id immediately.
func (m *DebateManager) StartDebate(req CreateDebateRequest) (string, error) {
	debateID := uuid.New().String()
	debate := NewDebate(debateID, req.Proposition)
	if err := m.store.CreateDebate(debate); err != nil {
		return "", fmt.Errorf("failed to create debate: %w", err)
	}

	cfg := m.cfg.Settings.Orchestrator
	if req.FlowMode == FlowModeStep {
		cfg.FlowMode = FlowModeStep
	}

	var engine *InterruptionEngine
	if req.Lively {
		engine = NewInterruptionEngine(debateID, m.provider, m.store, m.cfg.Settings.Lively, m.cfg.Settings.Models.Judge)
	}

	orch := NewDebateOrchestrator(
		debateID,
		cfg,
		NewDefaultTurnPlanner(),
		m.provider,
		m.store,
		m.hub,
		engine,
		m.cfg.Settings.Models.Map(),
	)

	m.mu.Lock()
	m.active[debateID] = orch
	m.mu.Unlock()

	go m.runDebate(orch, engine, debateID, req)
	return debateID, nil
}

/// runDebate drives one debate to completion in the background: title
// generation and citation fetch up front, then the orchestrator loop with an
// engine event forwarder alongside.
func (m *DebateManager) runDebate(orch *DebateOrchestrator, engine *InterruptionEngine, debateID string, req CreateDebateRequest) {
	ctx := context.Background()

	go func() {
		title, err := GenerateDebateTitle(ctx, m.provider, m.cfg.Settings.Models.Judge, req.Proposition)
		if err != nil {
			logger.Warn().Err(err).Str("debate_id", debateID).Msg("title generation failed")
			title = "New Debate"
		}
		if err := m.store.UpdateTitle(debateID, title); err != nil {
			logger.Warn().Err(err).Str("debate_id", debateID).Msg("failed to save title")
		}
	}()

	if req.ResearchURL != "" {
		if citation, err := FetchCitation(ctx, req.ResearchURL); err != nil {
			logger.Warn().Err(err).Str("url", req.ResearchURL).Msg("citation fetch failed")
		} else {
			orch.SetCitations([]Citation{*citation})
		}
	}

	done := make(chan struct{})
	g, ctx := errgroup.WithContext(ctx)

	if engine != nil {
		g.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				case ev := <-engine.Events():
					m.hub.Broadcast(debateID, ev.Type, ev)
				}
			}
		})
	}

	g.Go(func() error {
		defer close(done)
		_, err := orch.StartDebate(ctx, req.Proposition)
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Str("debate_id", debateID).Msg("debate ended with error")
	}

	m.mu.Lock()
	delete(m.active, debateID)
	m.mu.Unlock()
}

// GenerateDebateTitle asks a fast model for a 3-5 word debate title.
func GenerateDebateTitle(ctx context.Context, provider GenerationProvider, model, proposition string) (string, error) {
	prompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) for a debate on the following topic.
Do not use quotes or punctuation in the title.

Topic: %s

Title:`, proposition)

	result, err := provider.Generate(ctx, GenerationRequest{
		Model:     model,
		Messages:  []ChatMessage{{Role: "user", Content: prompt}},
		MaxTokens: 20,
	})
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.Trim(strings.TrimSpace(result.Content), "\"'")
	return truncateOnRuneBoundary(title, 47), nil
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	store := NewFileStore(cfg.DataDir)
	limiter := NewRateLimiter(cfg.Settings.RateLimits)
	provider := NewOpenRouterClient(cfg.OpenRouterAPIURL, cfg.OpenRouterAPIKey, limiter)
	hub := NewSSEHub()
	manager := NewDebateManager(cfg, store, provider, limiter, hub)

	// Periodic limiter maintenance: prune windows, expire header state,
	// evict idle models.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 60s", limiter.Sweep); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule rate limiter sweep")
	}
	sweeper.Start()
	defer sweeper.Stop()

	if cfg.ProbeOnStartup {
		models := []string{cfg.Settings.Models.Pro, cfg.Settings.Models.Con, cfg.Settings.Models.Moderator, cfg.Settings.Models.Judge}
		for model, probeErr := range provider.ProbeModels(context.Background(), models) {
			if probeErr != nil {
				logger.Warn().Err(probeErr).Str("model", model).Msg("model probe failed")
			} else {
				logger.Info().Str("model", model).Msg("model reachable")
			}
		}
	}

	router := gin.Default()

	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if len(cfg.CORSAllowedOrigins) > 0 {
				for _, allowed := range cfg.CORSAllowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			}
			return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1")
		},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	router.GET("/", healthCheck)
	router.GET("/api/debates", listDebatesHandler(store))
	router.POST("/api/debates", createDebateHandler(manager))
	router.GET("/api/debates/:id", getDebateHandler(store))
	router.GET("/api/debates/:id/transcript", getTranscriptHandler(store))
	router.POST("/api/debates/:id/pause", pauseDebateHandler(manager))
	router.POST("/api/debates/:id/resume", resumeDebateHandler(manager))
	router.POST("/api/debates/:id/stop", stopDebateHandler(manager))
	router.POST("/api/debates/:id/continue", continueDebateHandler(store, hub))
	router.POST("/api/debates/:id/intervention", interventionHandler(manager))
	router.GET("/api/debates/:id/stream", streamDebateHandler(store, hub))

	logger.Info().Str("port", cfg.Port).Msg("starting LLM Debate Arena backend")
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}
}

// healthCheck returns service status.
// GET /
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "LLM Debate Arena API",
	})
}

// listDebatesHandler lists all debates with metadata only.
// GET /api/debates
func listDebatesHandler(store DebateStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		debates, err := store.ListDebates()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to list debates: %v", err)})
			return
		}
		c.JSON(http.StatusOK, debates)
	}
}

// createDebateHandler creates a debate and starts it in the background.
// POST /api/debates
func createDebateHandler(manager *DebateManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateDebateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
			return
		}
		if req.FlowMode != "" && req.FlowMode != FlowModeAuto && req.FlowMode != FlowModeStep {
			c.JSON(http.StatusBadRequest, gin.H{"error": "flow_mode must be auto or step"})
			return
		}

		debateID, err := manager.StartDebate(req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to start debate: %v", err)})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": debateID, "status": DebateCreated})
	}
}

// getDebateHandler returns the full debate aggregate.
// GET /api/debates/:id
func getDebateHandler(store DebateStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		debate, err := store.FindDebate(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to get debate: %v", err)})
			return
		}
		if debate == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Debate not found"})
			return
		}
		c.JSON(http.StatusOK, debate)
	}
}

// getTranscriptHandler returns the final transcript snapshot.
// GET /api/debates/:id/transcript
func getTranscriptHandler(store DebateStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		debate, err := store.FindDebate(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to get debate: %v", err)})
			return
		}
		if debate == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Debate not found"})
			return
		}
		if debate.Transcript == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Transcript not available yet"})
			return
		}
		c.JSON(http.StatusOK, debate.Transcript)
	}
}

// pauseDebateHandler pauses a running debate.
// POST /api/debates/:id/pause
func pauseDebateHandler(manager *DebateManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		orch, ok := manager.orchestrator(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "No active debate with that id"})
			return
		}
		if err := orch.Pause(); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": DebatePaused})
	}
}

// resumeDebateHandler resumes a paused debate.
// POST /api/debates/:id/resume
func resumeDebateHandler(manager *DebateManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		orch, ok := manager.orchestrator(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "No active debate with that id"})
			return
		}
		if err := orch.Resume(); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": DebateRunning})
	}
}

// stopDebateHandler terminates a debate.
// POST /api/debates/:id/stop
func stopDebateHandler(manager *DebateManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StopDebateRequest
		_ = c.ShouldBindJSON(&req)
		if req.Reason == "" {
			req.Reason = "stopped by user"
		}

		orch, ok := manager.orchestrator(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "No active debate with that id"})
			return
		}
		if err := orch.Stop(req.Reason); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": DebateStopped})
	}
}

// continueDebateHandler clears the step-mode gate so the next turn runs.
// POST /api/debates/:id/continue
func continueDebateHandler(store DebateStore, hub *SSEHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		debateID := c.Param("id")
		debate, err := store.FindDebate(debateID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to get debate: %v", err)})
			return
		}
		if debate == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Debate not found"})
			return
		}
		if err := store.SetAwaitingContinue(debateID, false); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to continue: %v", err)})
			return
		}
		hub.Broadcast(debateID, EventAwaitingContinue, map[string]any{"awaiting": false})
		c.JSON(http.StatusOK, gin.H{"continued": true})
	}
}

// interventionHandler injects a user message and returns the generated
// response.
// POST /api/debates/:id/intervention
func interventionHandler(manager *DebateManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req InterventionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
			return
		}

		directedTo := SpeakerModerator
		if req.DirectedTo != "" {
			parsed, ok := ParseSpeaker(req.DirectedTo)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "directed_to must be pro, con, moderator, or system"})
				return
			}
			directedTo = parsed
		}

		orch, ok := manager.orchestrator(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "No active debate with that id"})
			return
		}

		intervention, err := orch.HandleIntervention(c.Request.Context(), req.Content, directedTo, req.Pause)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Intervention failed: %v", err)})
			return
		}
		c.JSON(http.StatusOK, intervention)
	}
}

// streamDebateHandler streams a debate's events as Server-Sent Events.
// GET /api/debates/:id/stream
func streamDebateHandler(store DebateStore, hub *SSEHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		debateID := c.Param("id")
		debate, err := store.FindDebate(debateID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to get debate: %v", err)})
			return
		}
		if debate == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Debate not found"})
			return
		}

		events, cancel := hub.Subscribe(debateID)
		defer cancel()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")

		clientGone := c.Request.Context().Done()
		c.Stream(func(w io.Writer) bool {
			select {
			case <-clientGone:
				return false
			case ev, ok := <-events:
				if !ok {
					return false
				}
				if err := sse.Encode(w, sse.Event{Event: ev.Type, Data: ev}); err != nil {
					logger.Warn().Err(err).Msg("failed to encode SSE event")
					return false
				}
				// Stop streaming once the debate reaches a terminal event.
				return ev.Type != EventDebateComplete && ev.Type != EventDebateStopped
			}
		})
	}
}
