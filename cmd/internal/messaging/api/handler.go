package msgapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parley/cmd/internal/auth"
	"parley/cmd/internal/messaging"
	v1 "parley/shared/contracts/realtime/v1"
)

// Handler serves the direct-messaging REST surface. Every route requires a
// bearer token; the token subject is the acting user of every service call.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	svc      *messaging.Service
	verifier auth.Verifier
	limiter  *userLimiter
	now      func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *messaging.Service, verifier auth.Verifier, cfg Config) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("msgapi: nil messaging service")
	}
	if verifier == nil {
		return nil, errors.New("msgapi: nil token verifier")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()
	return &Handler{
		log:      log,
		cfg:      cfg,
		svc:      svc,
		verifier: verifier,
		limiter:  newUserLimiter(cfg.SendRate, cfg.SendBurst),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires the messaging routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/messages", h.handleSend)
	mux.HandleFunc("GET /api/messages", h.handleConversations)
	mux.HandleFunc("GET /api/messages/unread/count", h.handleUnreadCount)
	mux.HandleFunc("GET /api/messages/{userId}", h.handleMessages)
	mux.HandleFunc("POST /api/messages/{userId}/read", h.handleMarkRead)
	mux.HandleFunc("DELETE /api/messages/{conversationId}", h.handleDelete)
	mux.HandleFunc("POST /api/conversations", h.handleOpenConversation)
}

// ---- handlers ----

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	if allowed, wait := h.limiter.reserve(claims.UserID, h.now()); !allowed {
		h.log.Info("http.send.rate_limited", "user_id", claims.UserID, "retry_after", wait)
		writeRateLimited(w, wait)
		return
	}

	ctx := r.Context()
	res, err := h.svc.Send(ctx, messaging.SendInput{
		SenderID:    claims.UserID,
		RecipientID: req.Recipient,
		Content:     req.Content,
		Attachments: messaging.AttachmentsFromWire(req.Attachments),
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		h.writeServiceError(w, "http.send", err)
		return
	}

	summaries := h.svc.Summaries(ctx, res.Message.SenderID, res.Message.RecipientID)
	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, sendResponse{
		Message:      toMessage(res.Message, summaries),
		Conversation: toConversation(res.Conversation, claims.UserID, summaries),
		Duplicated:   res.Duplicated,
	})
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	page, limit, ok := parsePaging(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	otherID := strings.TrimSpace(r.PathValue("userId"))
	out, err := h.svc.Messages(ctx, claims.UserID, otherID, page, limit)
	if err != nil {
		h.writeServiceError(w, "http.messages", err)
		return
	}

	summaries := h.svc.Summaries(ctx, claims.UserID, otherID)
	resp := messagesResponse{
		ConversationID: out.ConversationID,
		Messages:       make([]v1.Message, 0, len(out.Messages)),
		Pagination:     pagination{Page: out.Page, Limit: out.PageSize, Total: out.Total, Pages: out.Pages()},
	}
	for _, m := range out.Messages {
		resp.Messages = append(resp.Messages, toMessage(m, summaries))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	page, limit, ok := parsePaging(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	out, err := h.svc.Conversations(ctx, claims.UserID, page, limit)
	if err != nil {
		h.writeServiceError(w, "http.conversations", err)
		return
	}

	ids := []string{claims.UserID}
	for _, c := range out.Conversations {
		ids = append(ids, c.Other(claims.UserID))
	}
	summaries := h.svc.Summaries(ctx, ids...)

	resp := conversationsResponse{
		Conversations: make([]conversationResponse, 0, len(out.Conversations)),
		Pagination:    pagination{Page: out.Page, Limit: out.PageSize, Total: out.Total, Pages: out.Pages()},
	}
	for _, c := range out.Conversations {
		resp.Conversations = append(resp.Conversations, toConversation(c, claims.UserID, summaries))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	n, err := h.svc.UnreadTotal(r.Context(), claims.UserID)
	if err != nil {
		h.writeServiceError(w, "http.unread", err)
		return
	}
	writeJSON(w, http.StatusOK, unreadCountResponse{Count: n})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	res, err := h.svc.MarkRead(r.Context(), claims.UserID, r.PathValue("userId"))
	if err != nil {
		h.writeServiceError(w, "http.mark_read", err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{ConversationID: res.ConversationID, Marked: res.Marked})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	convID := strings.TrimSpace(r.PathValue("conversationId"))
	if err := h.svc.DeleteConversation(r.Context(), convID, claims.UserID); err != nil {
		h.writeServiceError(w, "http.delete", err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: true, ConversationID: convID})
}

func (h *Handler) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req openConversationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx := r.Context()
	c, created, err := h.svc.OpenConversation(ctx, claims.UserID, req.Participant)
	if err != nil {
		h.writeServiceError(w, "http.open_conversation", err)
		return
	}

	summaries := h.svc.Summaries(ctx, c.Participants[0], c.Participants[1])
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, openConversationResponse{
		Conversation: toConversation(c, claims.UserID, summaries),
		Created:      created,
	})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (auth.AccessClaims, bool) {
	token := auth.BearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return auth.AccessClaims{}, false
	}
	claims, err := h.verifier.Verify(token, h.now())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return auth.AccessClaims{}, false
	}
	return claims, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, event string, err error) {
	code := messaging.Code(err)
	msg := messaging.PublicMessage(err)

	switch {
	case messaging.IsInvalidMessage(err), messaging.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, code, msg)
	case messaging.IsUnknownUser(err), messaging.IsNotFound(err):
		writeError(w, http.StatusNotFound, code, msg)
	case messaging.IsForbidden(err):
		writeError(w, http.StatusForbidden, code, msg)
	case messaging.IsConflict(err):
		writeError(w, http.StatusConflict, code, msg)
	default:
		h.log.Error(event+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// parsePaging reads ?page and ?limit. Missing values take the service defaults.
func parsePaging(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	q := r.URL.Query()
	var err error
	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page < 1 {
			writeError(w, http.StatusBadRequest, "invalid_query", "page must be a positive integer")
			return 0, 0, false
		}
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid_query", "limit must be a positive integer")
			return 0, 0, false
		}
	}
	return page, limit, true
}
