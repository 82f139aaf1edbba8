package handler

import (
	"log/slog"
	"net/http"

	"tollgate/internal/config"
	llmSvc "tollgate/internal/domain/services/llm"
	"tollgate/internal/httputil"
)

// ConversationHandler handles conversation metadata and version graph requests.
// Handlers only talk to services, never repositories.
type ConversationHandler struct {
	chatService    llmSvc.ChatService
	versionService llmSvc.VersionService
	logger         *slog.Logger
}

// NewConversationHandler creates a new conversation handler
func NewConversationHandler(chatService llmSvc.ChatService, versionService llmSvc.VersionService, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{
		chatService:    chatService,
		versionService: versionService,
		logger:         logger,
	}
}

// CreateConversation creates an empty conversation
// POST /api/conversations
func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req llmSvc.CreateConversationRequest
	if !parseOptionalJSON(w, r, &req) {
		return
	}
	req.UserID = httputil.GetUserID(r)

	conv, err := h.chatService.CreateConversation(r.Context(), &req)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, conv)
}

// ListConversations lists the user's conversations
// GET /api/conversations
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chatService.ListConversations(r.Context(), httputil.GetUserID(r))
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, convs)
}

// GetConversation retrieves a single conversation
// GET /api/conversations/{id}
func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := PathParam(w, r, "id", "Conversation ID")
	if !ok {
		return
	}

	conv, err := h.chatService.GetConversation(r.Context(), conversationID, httputil.GetUserID(r))
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, conv)
}

type renameConversationBody struct {
	Title httputil.OptionalString `json:"title"`
}

// RenameConversation updates the title; a null title resets it to the default
// PATCH /api/conversations/{id}
func (h *ConversationHandler) RenameConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := PathParam(w, r, "id", "Conversation ID")
	if !ok {
		return
	}

	var body renameConversationBody
	if !parseJSON(w, r, &body) {
		return
	}
	if !body.Title.Present {
		httputil.RespondError(w, http.StatusBadRequest, "title is required")
		return
	}

	req := llmSvc.UpdateConversationRequest{Title: body.Title.ValueOr(config.DefaultConversationTitle)}

	conv, err := h.chatService.RenameConversation(r.Context(), conversationID, httputil.GetUserID(r), &req)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, conv)
}

// DeleteConversation deletes a conversation and all of its messages
// DELETE /api/conversations/{id}
func (h *ConversationHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := PathParam(w, r, "id", "Conversation ID")
	if !ok {
		return
	}

	if err := h.chatService.DeleteConversation(r.Context(), conversationID, httputil.GetUserID(r)); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetActivePath returns the canonical view of a conversation
// GET /api/conversations/{id}/path
func (h *ConversationHandler) GetActivePath(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := PathParam(w, r, "id", "Conversation ID")
	if !ok {
		return
	}

	path, err := h.versionService.GetActivePath(r.Context(), conversationID, httputil.GetUserID(r))
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, path)
}

// ListMessages pages every message of a conversation, newest first
// GET /api/conversations/{id}/messages?limit=50&before=<RFC 3339>
func (h *ConversationHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := PathParam(w, r, "id", "Conversation ID")
	if !ok {
		return
	}
	params, ok := pageParams(w, r)
	if !ok {
		return
	}

	page, err := h.chatService.ListHistory(r.Context(), conversationID, httputil.GetUserID(r), params)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, page)
}

// ListUserHistory pages the user's messages across conversations
// GET /api/users/me/history?limit=50&before=<RFC 3339>
func (h *ConversationHandler) ListUserHistory(w http.ResponseWriter, r *http.Request) {
	params, ok := pageParams(w, r)
	if !ok {
		return
	}

	page, err := h.chatService.ListUserHistory(r.Context(), httputil.GetUserID(r), params)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, page)
}

type switchVersionBody struct {
	Version int `json:"version"`
}

// SwitchVersion makes a version current and returns it
// POST /api/groups/{originalId}/switch
func (h *ConversationHandler) SwitchVersion(w http.ResponseWriter, r *http.Request) {
	originalID, ok := PathParam(w, r, "originalId", "Original message ID")
	if !ok {
		return
	}

	var body switchVersionBody
	if !parseJSON(w, r, &body) {
		return
	}

	node, err := h.versionService.SwitchVersion(r.Context(), originalID, body.Version, httputil.GetUserID(r))
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, node)
}

// ListVersions returns every version of a message group
// GET /api/groups/{originalId}/versions
func (h *ConversationHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	originalID, ok := PathParam(w, r, "originalId", "Original message ID")
	if !ok {
		return
	}

	versions, err := h.versionService.ListVersions(r.Context(), originalID, httputil.GetUserID(r))
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, versions)
}

// DeleteMessage hard-deletes a message and its subtree
// DELETE /api/messages/{id}
func (h *ConversationHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := PathParam(w, r, "id", "Message ID")
	if !ok {
		return
	}

	deleted, err := h.versionService.DeleteNode(r.Context(), nodeID, httputil.GetUserID(r))
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"id":      nodeID,
		"deleted": deleted,
	})
}

func pageParams(w http.ResponseWriter, r *http.Request) (*llmSvc.PageParams, bool) {
	before, ok := QueryTime(w, r, "before")
	if !ok {
		return nil, false
	}
	return &llmSvc.PageParams{
		Limit:  QueryInt(r, "limit", config.DefaultPageSize, 1, config.MaxPageSize),
		Before: before,
	}, true
}
