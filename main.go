package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// Server holds what the HTTP handlers share.
// Config is replaced by PUT /api/config; handlers read it through council().
type Server struct {
	Council      *Council
	Config       CouncilConfig
	Fetcher      ContextProvider
	ContextCache *ContextCache
	// Logs backs the /api/logs endpoints; nil when file logging is off
	Logs *FileLogger

	mu sync.RWMutex
}

// NewServer creates a server for a council and its configuration
func NewServer(council *Council, cfg CouncilConfig) *Server {
	server := &Server{
		Council: council,
		Config:  cfg,
		Fetcher: council.Context,
	}
	if provider, ok := council.Context.(*URLContextProvider); ok {
		server.ContextCache = provider.Cache
	}
	return server
}

func (s *Server) council() CouncilConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Config
}

// NewRouter builds the gin engine with middleware and routes
func NewRouter(server *Server) *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc:  allowOrigin,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	// Routes
	router.GET("/", healthCheck)
	router.GET("/api/config", server.getConfigHandler)
	router.PUT("/api/config", server.updateConfigHandler)
	router.GET("/api/config/defaults", server.getDefaultsHandler)
	router.GET("/api/conversations", listConversationsHandler)
	router.POST("/api/conversations", createConversationHandler)
	router.GET("/api/conversations/:id", getConversationHandler)
	router.DELETE("/api/conversations/:id", deleteConversationHandler)
	router.POST("/api/conversations/:id/message", server.sendMessageHandler)
	router.POST("/api/conversations/:id/message/stream", server.sendMessageStreamHandler)
	router.POST("/api/fetch-url", server.fetchURLHandler)
	router.GET("/api/context/cache", server.contextCacheHandler)
	router.DELETE("/api/context/cache", server.clearContextCacheHandler)
	router.GET("/api/logs/recent", server.recentErrorsHandler)
	router.GET("/api/logs/files", server.logFilesHandler)
	router.GET("/api/logs/file/:filename", server.logFileHandler)
	router.POST("/api/logs/client", server.clientLogHandler)

	return router
}

// allowOrigin accepts configured origins, or any localhost origin when none are configured
func allowOrigin(origin string) bool {
	// In production, use environment-configured origins
	if len(CORSAllowedOrigins) > 0 {
		for _, allowedOrigin := range CORSAllowedOrigins {
			if origin == allowedOrigin {
				return true
			}
		}
		return false
	}
	// In development, allow any localhost/127.0.0.1 origin
	return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1")
}

// healthCheck returns a simple health check response.
// GET / - Returns service status information.
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "LLM Council API",
	})
}

// getConfigHandler returns the active council configuration.
// GET /api/config
func (s *Server) getConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"council":         s.council(),
		"execution_modes": ExecutionModes,
		"min_members":     MinCouncilMembers,
		"max_members":     MaxCouncilMembers,
	})
}

// updateConfigHandler replaces the active council configuration.
// PUT /api/config - Fields missing from the body keep their current values.
func (s *Server) updateConfigHandler(c *gin.Context) {
	cfg := s.council()
	cfg.Members = append([]string(nil), cfg.Members...)

	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid council configuration: %v", err),
		})
		return
	}

	s.mu.Lock()
	s.Config = cfg
	s.mu.Unlock()

	log.Printf("Council updated: %d members, chairman %s, mode %s", len(cfg.Members), cfg.Chairman, cfg.ExecutionMode)
	c.JSON(http.StatusOK, gin.H{"council": cfg})
}

// getDefaultsHandler returns the built-in council and prompt templates.
// GET /api/config/defaults
func (s *Server) getDefaultsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"council": DefaultCouncilConfig(),
		"prompts": gin.H{
			"stage1": DefaultStage1Prompt,
			"stage2": DefaultStage2Prompt,
			"stage3": DefaultStage3Prompt,
		},
	})
}

// listConversationsHandler lists all conversations with metadata only.
// GET /api/conversations - Returns array of conversation metadata sorted by date.
func listConversationsHandler(c *gin.Context) {
	conversations, err := ListConversations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new conversation.
// POST /api/conversations - Generates a new UUID and creates an empty conversation.
func createConversationHandler(c *gin.Context) {
	// Generate new UUID
	conversationID := uuid.New().String()

	// Create conversation
	conversation, err := CreateConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// getConversationHandler gets a specific conversation by ID.
// GET /api/conversations/:id - Returns full conversation including all messages.
func getConversationHandler(c *gin.Context) {
	conversation, ok := loadConversation(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// deleteConversationHandler deletes a conversation.
// DELETE /api/conversations/:id
func deleteConversationHandler(c *gin.Context) {
	conversationID := c.Param("id")
	if !ValidConversationID(conversationID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}

	deleted, err := DeleteConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to delete conversation: %v", err),
		})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": conversationID})
}

// loadConversation reads the :id conversation, writing an error response when it cannot
func loadConversation(c *gin.Context) (*Conversation, bool) {
	conversationID := c.Param("id")
	if !ValidConversationID(conversationID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return nil, false
	}

	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return nil, false
	}

	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return nil, false
	}

	return conversation, true
}

// prepareMessage validates a send-message request, stores the user turn, and
// builds the deliberation request for it.
func (s *Server) prepareMessage(c *gin.Context) (DeliberationRequest, bool) {
	// Parse request
	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return DeliberationRequest{}, false
	}

	mode := ExecutionMode(request.ExecutionMode)
	if mode != "" && !mode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid execution_mode %q: must be one of %v", mode, ExecutionModes),
		})
		return DeliberationRequest{}, false
	}

	conversation, ok := loadConversation(c)
	if !ok {
		return DeliberationRequest{}, false
	}

	// Check if this is the first message
	isFirstMessage := len(conversation.Messages) == 0

	// Add user message
	if err := AddUserMessage(conversation.ID, request.Content); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add user message: %v", err),
		})
		return DeliberationRequest{}, false
	}

	return DeliberationRequest{
		ID:            conversation.ID,
		Query:         request.Content,
		Context:       request.ContextOverride,
		ContextURL:    request.ContextURL,
		Mode:          mode,
		GenerateTitle: isFirstMessage,
	}, true
}

// saveOutcome persists what a deliberation produced.
// Cancelled runs leave only the user message behind.
func saveOutcome(conversationID string, result *DeliberationResult, runErr error) error {
	if runErr != nil {
		if errors.Is(runErr, ErrCancelled) {
			return nil
		}
		return AddErrorMessage(conversationID, runErr.Error())
	}

	return AddAssistantMessage(conversationID, result)
}

// sendMessageHandler sends a message and runs the council process.
// POST /api/conversations/:id/message - Runs the deliberation and returns every stage at once.
// Use sendMessageStreamHandler for SSE streaming version.
func (s *Server) sendMessageHandler(c *gin.Context) {
	req, ok := s.prepareMessage(c)
	if !ok {
		return
	}

	result, runErr := s.Council.Run(c.Request.Context(), s.council(), req, nil)
	if err := saveOutcome(req.ID, result, runErr); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to save message: %v", err),
		})
		return
	}

	if runErr != nil {
		status := http.StatusInternalServerError
		kind := KindException
		switch {
		case errors.Is(runErr, ErrCancelled):
			status = http.StatusServiceUnavailable
			kind = KindCancelled
		case IsConfigError(runErr):
			kind = KindConfig
		}
		c.JSON(status, gin.H{
			"error":      fmt.Sprintf("Council process failed: %v", runErr),
			"error_kind": kind,
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// sendMessageStreamHandler sends a message and streams the council process via SSE.
// POST /api/conversations/:id/message/stream - Streams progress events as each model and stage completes.
// The stream ends with a complete, error or cancelled event.
func (s *Server) sendMessageStreamHandler(c *gin.Context) {
	req, ok := s.prepareMessage(c)
	if !ok {
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	// A disconnected client cancels the request context and with it the deliberation
	result, runErr := s.Council.Run(c.Request.Context(), s.council(), req, NewSSESink(c.Writer))
	if runErr != nil {
		log.Printf("Deliberation for %s ended: %v", req.ID, runErr)
	}

	if err := saveOutcome(req.ID, result, runErr); err != nil {
		log.Printf("Failed to save message for %s: %v", req.ID, err)
	}
}

// fetchURLHandler fetches and extracts content from a given URL
// POST /api/fetch-url - Body: {"url": "https://..."}
func (s *Server) fetchURLHandler(c *gin.Context) {
	// Parse request
	var request struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	if s.Fetcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "URL fetching is not configured",
		})
		return
	}

	// Fetch content
	content, err := s.Fetcher.FetchContext(c.Request.Context(), request.URL)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": fmt.Sprintf("Failed to fetch URL content: %v", err),
		})
		return
	}

	response := gin.H{
		"url":     request.URL,
		"content": content,
	}
	if s.ContextCache != nil {
		if fetchedAt, ok := s.ContextCache.FetchedAt(request.URL); ok {
			response["fetched_at"] = fetchedAt
		}
	}
	c.JSON(http.StatusOK, response)
}

// contextCacheHandler reports the URL context cache state.
// GET /api/context/cache
func (s *Server) contextCacheHandler(c *gin.Context) {
	if s.ContextCache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Context cache is not configured"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":     s.ContextCache.Size(),
		"ttl_seconds": int(s.ContextCache.TTL().Seconds()),
	})
}

// clearContextCacheHandler drops every cached URL context.
// DELETE /api/context/cache
func (s *Server) clearContextCacheHandler(c *gin.Context) {
	if s.ContextCache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Context cache is not configured"})
		return
	}

	removed := s.ContextCache.Size()
	s.ContextCache.Clear()
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "removed": removed})
}

// requireLogs writes a 503 when file logging is off
func (s *Server) requireLogs(c *gin.Context) bool {
	if s.Logs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "File logging is not enabled"})
		return false
	}
	return true
}

// recentErrorsHandler returns the latest error records.
// GET /api/logs/recent?limit=50
func (s *Server) recentErrorsHandler(c *gin.Context) {
	if !s.requireLogs(c) {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"errors": s.Logs.RecentErrors(limit)})
}

// logFilesHandler lists the log files on disk.
// GET /api/logs/files
func (s *Server) logFilesHandler(c *gin.Context) {
	if !s.requireLogs(c) {
		return
	}

	files, err := s.Logs.LogFiles()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list log files: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"files": files})
}

// logFileHandler returns the tail of one log file.
// GET /api/logs/file/:filename?lines=100
func (s *Server) logFileHandler(c *gin.Context) {
	if !s.requireLogs(c) {
		return
	}

	filename := c.Param("filename")
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, "/\\") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid filename"})
		return
	}

	lines, err := strconv.Atoi(c.DefaultQuery("lines", "100"))
	if err != nil || lines < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lines must be a positive integer"})
		return
	}

	content, err := s.Logs.ReadLogFile(filename, lines)
	switch {
	case errors.Is(err, ErrInvalidLogFile):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid filename"})
	case errors.Is(err, os.ErrNotExist):
		c.JSON(http.StatusNotFound, gin.H{"error": "Log file not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to read log file: %v", err),
		})
	default:
		c.JSON(http.StatusOK, gin.H{"filename": filename, "content": content})
	}
}

// clientLogHandler records an event reported by the frontend.
// POST /api/logs/client - Body: {"level": "ERROR", "message": "...", "data": {...}}
func (s *Server) clientLogHandler(c *gin.Context) {
	if !s.requireLogs(c) {
		return
	}

	var request struct {
		Level   string         `json:"level"`
		Message string         `json:"message" binding:"required"`
		Data    map[string]any `json:"data"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	s.Logs.LogClient(request.Level, request.Message, request.Data)
	c.JSON(http.StatusOK, gin.H{"status": "logged"})
}
