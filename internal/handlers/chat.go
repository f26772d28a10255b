package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"telehealth-chat/internal/chat"
	"telehealth-chat/internal/middleware"
	"telehealth-chat/internal/storage"
	"telehealth-chat/internal/telemetry"
)

// ChatHandler exposes threads and messages over HTTP.
type ChatHandler struct {
	service        *chat.Service
	audit          *telemetry.AuditEmitter
	maxUploadBytes int64
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(service *chat.Service, audit *telemetry.AuditEmitter, maxUploadBytes int64) *ChatHandler {
	return &ChatHandler{service: service, audit: audit, maxUploadBytes: maxUploadBytes}
}

// ListThreads returns the caller's threads, most recently active first.
func (h *ChatHandler) ListThreads(c *gin.Context) {
	threads, err := h.service.ListThreads(c.Request.Context(), middleware.IdentityFromContext(c))
	if err != nil {
		respondError(c, err, "failed to load threads")
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

// CreateThread opens (or returns) the thread between the calling patient and a doctor.
func (h *ChatHandler) CreateThread(c *gin.Context) {
	var req struct {
		DoctorID int `json:"doctor_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	identity := middleware.IdentityFromContext(c)
	thread, err := h.service.CreateOrGetThread(c.Request.Context(), identity, req.DoctorID)
	if err != nil {
		respondError(c, err, "could not open thread")
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.EventThreadCreated, requestIDFromContext(c), identity.UserID,
		telemetry.AuditPayload{ThreadID: thread.ID})
	c.JSON(http.StatusOK, gin.H{"thread": thread})
}

// GetMessages returns the full history of a thread.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	threadID, ok := parseThreadID(c)
	if !ok {
		return
	}

	msgs, err := h.service.ListMessages(c.Request.Context(), middleware.IdentityFromContext(c), threadID)
	if err != nil {
		respondError(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage stores a message with optional files. Accepts JSON or multipart/form-data.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	threadID, ok := parseThreadID(c)
	if !ok {
		return
	}

	req, status, err := h.bindSend(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	req.ThreadID = threadID

	identity := middleware.IdentityFromContext(c)
	msg, err := h.service.SendMessage(c.Request.Context(), identity, req)
	if err != nil {
		respondError(c, err, "failed to send message")
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.EventMessageSent, requestIDFromContext(c), identity.UserID,
		telemetry.AuditPayload{ThreadID: threadID, MessageID: msg.ID, Detail: fmt.Sprintf("attachments=%d", len(msg.Attachments))})
	c.JSON(http.StatusCreated, msg)
}

// CloseThread deactivates a thread for new messages.
func (h *ChatHandler) CloseThread(c *gin.Context) {
	threadID, ok := parseThreadID(c)
	if !ok {
		return
	}

	identity := middleware.IdentityFromContext(c)
	thread, err := h.service.CloseThread(c.Request.Context(), identity, threadID)
	if err != nil {
		respondError(c, err, "could not close thread")
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.EventThreadClosed, requestIDFromContext(c), identity.UserID,
		telemetry.AuditPayload{ThreadID: thread.ID})
	c.JSON(http.StatusOK, gin.H{"thread": thread})
}

func (h *ChatHandler) bindSend(c *gin.Context) (chat.SendRequest, int, error) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		var body struct {
			Content  *string `json:"content"`
			ClientID string  `json:"client_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			return chat.SendRequest{}, bindStatus(err), err
		}
		return chat.SendRequest{Content: body.Content, ClientID: body.ClientID}, 0, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return chat.SendRequest{}, bindStatus(err), err
	}
	var req chat.SendRequest
	if values := form.Value["content"]; len(values) > 0 {
		req.Content = &values[0]
	}
	if values := form.Value["client_id"]; len(values) > 0 {
		req.ClientID = values[0]
	}
	for _, fh := range form.File["files"] {
		file, err := readFormFile(fh)
		if err != nil {
			return chat.SendRequest{}, http.StatusBadRequest, err
		}
		req.Files = append(req.Files, file)
	}
	return req, 0, nil
}

func readFormFile(fh *multipart.FileHeader) (storage.File, error) {
	f, err := fh.Open()
	if err != nil {
		return storage.File{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return storage.File{}, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return storage.File{Name: fh.Filename, MimeType: fh.Header.Get("Content-Type"), Data: data}, nil
}

func bindStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func parseThreadID(c *gin.Context) (int, bool) {
	threadID, err := strconv.Atoi(c.Param("thread_id"))
	if err != nil || threadID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
		return 0, false
	}
	return threadID, true
}

func respondError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, chat.ErrAuthenticationRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	case errors.Is(err, chat.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for thread"})
	case errors.Is(err, chat.ErrThreadNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
	case errors.Is(err, chat.ErrThreadClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "thread is closed"})
	case errors.Is(err, chat.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "message needs content or files"})
	case errors.Is(err, chat.ErrAttachmentStore):
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to store attachments"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
