package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/models"
	"github.com/pointdeck/pointdeck/go/internal/store"
)

// Handler exposes the gateway's HTTP surface: the websocket upgrade and the
// bootstrap snapshot a client loads before subscribing live.
type Handler struct {
	connectionManager *ConnectionManager
	store             store.Store
}

// NewHandler creates the HTTP handler set.
func NewHandler(cm *ConnectionManager, st store.Store) *Handler {
	return &Handler{connectionManager: cm, store: st}
}

// HandleSessionConnection upgrades a websocket for one session.
func (h *Handler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, "valid session_id is required", http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, "valid user_id is required", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetSession(r.Context(), sessionID); err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	if err := h.connectionManager.UpgradeConnection(w, r, userID, sessionID); err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Str("user_id", userID.String()).
			Msg("failed to upgrade websocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}
}

// bootstrapState is the snapshot a client mounts from before going live.
type bootstrapState struct {
	Session  *models.Session      `json:"session"`
	Items    []models.Item        `json:"items"`
	Votes    []models.Vote        `json:"votes"`
	Messages []models.ChatMessage `json:"messages"`
}

// HandleSessionState serves authoritative persisted state for a session: the
// session record, its items, the active item's votes and the chat tail.
func (h *Handler) HandleSessionState(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	session, err := h.store.GetSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	items, err := h.store.ListSessionItems(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "failed to load items", http.StatusInternalServerError)
		return
	}

	state := bootstrapState{Session: session, Items: items}
	if session.ActiveItemIndex >= 0 && session.ActiveItemIndex < len(items) {
		votes, err := h.store.ListVotesForItem(r.Context(), items[session.ActiveItemIndex].ID)
		if err != nil {
			http.Error(w, "failed to load votes", http.StatusInternalServerError)
			return
		}
		state.Votes = votes
	}

	messages, err := h.store.ListChatMessages(r.Context(), sessionID, 200)
	if err != nil {
		http.Error(w, "failed to load chat", http.StatusInternalServerError)
		return
	}
	state.Messages = messages

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		log.Error().Err(err).Msg("failed to encode session state")
	}
}

// HandleStats reports live connection counts.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	total, sessions := h.connectionManager.Stats()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"total_connections": total,
		"sessions":          sessions,
	}); err != nil {
		log.Error().Err(err).Msg("failed to encode stats")
	}
}

// Routes builds the gateway mux wrapped in CORS.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleSessionConnection)
	mux.HandleFunc("GET /api/sessions/{id}/state", h.HandleSessionState)
	mux.HandleFunc("GET /api/stats", h.HandleStats)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}
