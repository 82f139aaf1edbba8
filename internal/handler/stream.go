package handler

import (
	"context"
	"log/slog"
	"net/http"

	"tollgate/internal/domain/models/llm"
	llmSvc "tollgate/internal/domain/services/llm"
	"tollgate/internal/handler/sse"
	"tollgate/internal/httputil"
)

// newConversationID in the path starts a new conversation
const newConversationID = "new"

// StreamHandler serves the metered completion endpoints over SSE
type StreamHandler struct {
	streaming llmSvc.StreamingService
	sseConfig *sse.Config
	logger    *slog.Logger
}

// NewStreamHandler creates a stream handler. A nil sseConfig uses sse.DefaultConfig.
func NewStreamHandler(streaming llmSvc.StreamingService, sseConfig *sse.Config, logger *slog.Logger) *StreamHandler {
	if sseConfig == nil {
		sseConfig = sse.DefaultConfig()
	}
	return &StreamHandler{
		streaming: streaming,
		sseConfig: sseConfig,
		logger:    logger,
	}
}

// SendMessage appends a user message and streams the reply
// POST /api/conversations/{id}/messages ("new" creates the conversation)
func (h *StreamHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := PathParam(w, r, "id", "Conversation ID")
	if !ok {
		return
	}

	var req llmSvc.SendMessageRequest
	if !parseJSON(w, r, &req) {
		return
	}
	req.UserID = httputil.GetUserID(r)
	if conversationID != newConversationID {
		req.ConversationID = conversationID
	}

	streamID, events, err := h.streaming.SendMessage(r.Context(), &req)
	h.serve(w, r, streamID, events, err)
}

// EditMessage edits a user message and streams the regenerated reply
// POST /api/messages/{id}/edit
func (h *StreamHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := PathParam(w, r, "id", "Message ID")
	if !ok {
		return
	}

	var req llmSvc.EditMessageRequest
	if !parseJSON(w, r, &req) {
		return
	}
	req.NodeID = nodeID
	req.UserID = httputil.GetUserID(r)

	streamID, events, err := h.streaming.EditAndRegenerate(r.Context(), &req)
	h.serve(w, r, streamID, events, err)
}

// Regenerate streams a new version of an assistant message
// POST /api/messages/{id}/regenerate
func (h *StreamHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := PathParam(w, r, "id", "Message ID")
	if !ok {
		return
	}

	var req llmSvc.RegenerateRequest
	if !parseOptionalJSON(w, r, &req) {
		return
	}
	req.NodeID = nodeID
	req.UserID = httputil.GetUserID(r)

	streamID, events, err := h.streaming.Regenerate(r.Context(), &req)
	h.serve(w, r, streamID, events, err)
}

// Complete streams a metered completion over explicit messages
// POST /api/completions
func (h *StreamHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req llmSvc.ExplicitCompletionRequest
	if !parseJSON(w, r, &req) {
		return
	}
	req.UserID = httputil.GetUserID(r)

	streamID, events, err := h.streaming.Complete(r.Context(), &req)
	h.serve(w, r, streamID, events, err)
}

// Interrupt cancels an in-flight stream
// POST /api/streams/{id}/interrupt
func (h *StreamHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	streamID, ok := PathParam(w, r, "id", "Stream ID")
	if !ok {
		return
	}

	if err := h.streaming.Interrupt(r.Context(), streamID, httputil.GetUserID(r)); err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"stream_id": streamID,
		"status":    "cancelled",
	})
}

// serve answers synchronous rejections as JSON, otherwise relays events until
// the channel closes or the client goes away
func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request, streamID string, events <-chan llm.StreamEvent, err error) {
	if err != nil {
		handleError(w, err)
		return
	}

	writer, err := sse.NewWriter(w, h.sseConfig, map[string]string{"X-Stream-ID": streamID})
	if err != nil {
		h.logger.Error("response does not support streaming", "stream_id", streamID)
		httputil.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h.logger.Debug("SSE stream established", "stream_id", streamID, "path", r.URL.Path)

	ctx := r.Context()
	keepAliveCtx, stopKeepAlive := context.WithCancel(ctx)
	keepAliveStopped := sse.StartKeepAlive(keepAliveCtx, h.sseConfig.KeepAliveInterval, writer, h.logger)
	defer func() {
		stopKeepAlive()
		<-keepAliveStopped
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				h.logger.Debug("SSE stream ended", "stream_id", streamID)
				return
			}
			if err := writer.WriteEvent(event); err != nil {
				h.logger.Info("client disconnected during event write", "stream_id", streamID, "error", err)
				return
			}
		case <-ctx.Done():
			h.logger.Info("client disconnected", "stream_id", streamID)
			return
		}
	}
}
