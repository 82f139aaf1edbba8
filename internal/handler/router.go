package handler

import "net/http"

// Handlers groups every HTTP handler served by the API
type Handlers struct {
	Conversations *ConversationHandler
	Streams       *StreamHandler
	Billing       *BillingHandler
	Models        *ModelsHandler
}

// RegisterRoutes registers all API routes (Go 1.22+ enhanced patterns)
func RegisterRoutes(mux *http.ServeMux, h Handlers) {
	mux.HandleFunc("GET /health", HealthCheck)

	// Conversation routes
	mux.HandleFunc("GET /api/conversations", h.Conversations.ListConversations)
	mux.HandleFunc("POST /api/conversations", h.Conversations.CreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", h.Conversations.GetConversation)
	mux.HandleFunc("PATCH /api/conversations/{id}", h.Conversations.RenameConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", h.Conversations.DeleteConversation)
	mux.HandleFunc("GET /api/conversations/{id}/path", h.Conversations.GetActivePath)
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.Conversations.ListMessages)

	// Version graph routes
	mux.HandleFunc("POST /api/groups/{originalId}/switch", h.Conversations.SwitchVersion)
	mux.HandleFunc("GET /api/groups/{originalId}/versions", h.Conversations.ListVersions)
	mux.HandleFunc("DELETE /api/messages/{id}", h.Conversations.DeleteMessage)

	// Streaming routes (SSE)
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.Streams.SendMessage)
	mux.HandleFunc("POST /api/messages/{id}/edit", h.Streams.EditMessage)
	mux.HandleFunc("POST /api/messages/{id}/regenerate", h.Streams.Regenerate)
	mux.HandleFunc("POST /api/completions", h.Streams.Complete)
	mux.HandleFunc("POST /api/streams/{id}/interrupt", h.Streams.Interrupt)

	// User routes
	mux.HandleFunc("GET /api/users/me/balance", h.Billing.GetBalance)
	mux.HandleFunc("GET /api/users/me/charges", h.Billing.ListCharges)
	mux.HandleFunc("GET /api/users/me/history", h.Conversations.ListUserHistory)

	// Model routes
	mux.HandleFunc("GET /api/models", h.Models.ListModels)
	mux.HandleFunc("GET /api/quotes/{model...}", h.Models.GetQuote)
}
