package notifications

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/streamsync/streamsync/internal/pkg/httputil"
	"golang.org/x/time/rate"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrNotificationNotFound, Status: http.StatusNotFound, Message: "notification not found"},
}

// Handler handles HTTP requests for notifications and device tokens.
type Handler struct {
	service   *Service
	validator *validator.Validate

	mu           sync.Mutex
	testLimiters map[string]*rate.Limiter
}

// NewHandler creates a notifications handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:      service,
		validator:    validator.New(),
		testLimiters: make(map[string]*rate.Limiter),
	}
}

// RegisterRoutes registers notification routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/mark-read", h.MarkRead)
		r.Delete("/{id}", h.Delete)
		r.Post("/send-test", h.SendTest)
	})
	r.Post("/device-tokens", h.RegisterToken)
}

// MarkReadRequest represents request body for marking a notification read.
type MarkReadRequest struct {
	NotificationID string `json:"notification_id" validate:"required,uuid4"`
}

// SendTestRequest represents request body for a test push.
type SendTestRequest struct {
	Title string `json:"title" validate:"omitempty,max=255"`
	Body  string `json:"body" validate:"omitempty,max=4096"`
}

// RegisterTokenRequest represents request body for registering a device token.
type RegisterTokenRequest struct {
	Token    string `json:"token" validate:"required,max=500"`
	Platform string `json:"platform" validate:"omitempty,oneof=ios android web"`
}

// List handles GET /notifications.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid since timestamp, expected RFC 3339")
			return
		}
		since = &parsed
	}

	items, err := h.service.ListNotifications(r.Context(), userID, limit, since)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}

// MarkRead handles POST /notifications/mark-read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.service.MarkRead(r.Context(), userID, req.NotificationID); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]string{"message": "notification marked as read"})
}

// Delete handles DELETE /notifications/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.service.Delete(r.Context(), userID, id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]string{"message": "notification deleted"})
}

// SendTest handles POST /notifications/send-test. It is the producer path:
// one notification row plus one pending job row, picked up by the worker.
func (h *Handler) SendTest(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	if !h.allowTestPush(userID) {
		httputil.Error(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
		return
	}

	var req SendTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	notification, jobID, err := h.service.CreateTestNotification(r.Context(), userID, req.Title, req.Body)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, map[string]string{
		"notification_id": notification.ID,
		"job_id":          jobID,
	})
}

// RegisterToken handles POST /device-tokens.
func (h *Handler) RegisterToken(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	var req RegisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.service.RegisterDeviceToken(r.Context(), userID, req.Token, req.Platform); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, map[string]string{"message": "device token registered"})
}

// allowTestPush rate-limits test pushes to 3 per minute per user.
func (h *Handler) allowTestPush(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	lim, ok := h.testLimiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(20*time.Second), 3)
		h.testLimiters[userID] = lim
	}
	return lim.Allow()
}
