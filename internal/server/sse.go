package server

import (
	"errors"
	"net/http"

	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/events"
)

// handleEvents handles GET /api/events, the SSE stream. Query params:
// subscribe=<comma-separated event types> narrows delivery (default all),
// key=<subscriber_key> scopes targeted events when bearer auth is off.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	clientID := common.ResolveClientID(r.Context())

	// A token subject always wins over the query param, otherwise any
	// caller could subscribe to another subject's targeted events.
	subscriberKey := common.ResolveSubscriberKey(r.Context())
	if subscriberKey == "" {
		subscriberKey = r.URL.Query().Get("key")
	}

	conn := s.hub.NewConnection(clientID, subscriberKey, r.URL.Query().Get("subscribe"))
	if err := s.hub.Register(conn); err != nil {
		switch {
		case errors.Is(err, events.ErrPoolFull):
			WriteErrorWithCode(w, http.StatusTooManyRequests,
				"event stream connection pool is full", "pool_full")
		case errors.Is(err, events.ErrClientLimit):
			WriteErrorWithCode(w, http.StatusTooManyRequests,
				"too many event stream connections for this client", "client_limit")
		case errors.Is(err, events.ErrHubClosed):
			WriteErrorWithCode(w, http.StatusServiceUnavailable,
				"server is shutting down", "shutting_down")
		default:
			s.logger.Error().Err(err).Msg("SSE registration failed")
			WriteError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	defer s.hub.Unregister(conn)

	s.hub.Stream(w, r, conn)
}
