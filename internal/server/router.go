package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/opencivic/quill/internal/auth"
	"github.com/opencivic/quill/internal/realtime"
	"github.com/opencivic/quill/internal/records"
	"go.uber.org/zap"
)

const (
	userIDContextKey      = "quill_user_id"
	displayNameContextKey = "quill_user_display_name"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingRecordsService   = errors.New("records service dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

type Dependencies struct {
	SessionValidator *auth.SessionValidator
	RecordsService   *records.Service
	Realtime         *realtime.Server
	RealtimePath     string
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.RecordsService == nil {
		return nil, errMissingRecordsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Sec-Websocket-Protocol"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:       deps.SessionValidator,
		recordsService: deps.RecordsService,
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/records", handler.handleCreateRecord)
	protected.GET("/records", handler.handleListRecords)
	protected.GET("/records/:recordID", handler.handleGetRecord)

	if deps.Realtime != nil {
		path := deps.RealtimePath
		if strings.TrimSpace(path) == "" {
			path = "/ws/:roomType/:resourceID"
		}
		router.GET(path, deps.Realtime.HandleConnection)
	}

	return router, nil
}

type httpHandler struct {
	sessions       *auth.SessionValidator
	recordsService *records.Service
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createRecordPayload struct {
	Title string `json:"title"`
}

type recordPayload struct {
	RecordID         string `json:"record_id"`
	Title            string `json:"title"`
	CreatedBy        string `json:"created_by"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func recordToPayload(record records.Record) recordPayload {
	return recordPayload{
		RecordID:         record.RecordID,
		Title:            record.Title,
		CreatedBy:        record.CreatedBy,
		CreatedAtSeconds: record.CreatedAtSeconds,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request createRecordPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.recordsService.Create(c.Request.Context(), userID, request.Title)
	if err != nil {
		h.logger.Error("failed to create record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, recordToPayload(*record))
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	result, err := h.recordsService.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payload := make([]recordPayload, 0, len(result))
	for _, record := range result {
		payload = append(payload, recordToPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"records": payload})
}

func (h *httpHandler) handleGetRecord(c *gin.Context) {
	recordID, err := records.NewRecordID(c.Param("recordID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_id"})
		return
	}

	record, err := h.recordsService.Get(c.Request.Context(), recordID)
	if err != nil {
		h.logger.Error("failed to load record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, recordToPayload(*record))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.sessions.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(displayNameContextKey, claims.UserDisplayName)
	c.Next()
}
