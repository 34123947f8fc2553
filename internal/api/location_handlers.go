package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/onnwee/kitchenops/internal/auth"
	"github.com/onnwee/kitchenops/internal/facade"
	"github.com/onnwee/kitchenops/internal/geolocation"
	"github.com/onnwee/kitchenops/internal/middleware"
	"github.com/onnwee/kitchenops/internal/validate"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// LocationHandlers serves the per-user location state.
type LocationHandlers struct {
	sessions *facade.Sessions
	events   *EventBroadcaster
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewLocationHandlers creates the handlers. events may be nil, in which case
// a broadcaster is created.
func NewLocationHandlers(sessions *facade.Sessions, events *EventBroadcaster, logger *slog.Logger) *LocationHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = NewEventBroadcaster(logger)
	}
	return &LocationHandlers{
		sessions: sessions,
		events:   events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// WithAllowedOrigins lets websocket upgrades from the given origins through.
// Without it only same-host origins are accepted.
func (h *LocationHandlers) WithAllowedOrigins(origins []string) *LocationHandlers {
	if len(origins) == 0 {
		return h
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
	return h
}

// CodeRequest is the body of PUT /location/active and POST /location/prefetch.
type CodeRequest struct {
	Code string `json:"code"`
}

// InvalidateRequest is the body of POST /location/invalidate. An empty code
// invalidates every cached bundle.
type InvalidateRequest struct {
	Code string `json:"code,omitempty"`
}

// PositionResponse is returned by POST /location/position.
type PositionResponse struct {
	SuggestedLocation *facade.Location `json:"suggestedLocation"`
}

// session resolves the caller's session from the authenticated profile.
func (h *LocationHandlers) session(w http.ResponseWriter, r *http.Request) (*facade.Session, bool) {
	profile, ok := auth.ProfileFromContext(r.Context())
	if !ok || profile.UserID == "" {
		WriteError(w, r, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return nil, false
	}
	return h.sessions.Acquire(r.Context(), profile.Grant()), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		WriteError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// validCode writes a validation error for a malformed code.
func validCode(w http.ResponseWriter, r *http.Request, raw string) (string, bool) {
	code, err := validate.LocationCode(raw)
	switch {
	case errors.Is(err, validate.ErrEmpty):
		WriteError(w, r, http.StatusBadRequest, ErrCodeValidation, "code is required")
		return "", false
	case err != nil:
		WriteError(w, r, http.StatusBadRequest, ErrCodeValidation, "Invalid location code")
		return "", false
	}
	return code, true
}

// GetState handles GET /location.
func (h *LocationHandlers) GetState(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, sess.State(r.Context()))
}

// SetActive handles PUT /location/active.
func (h *LocationHandlers) SetActive(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req CodeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	code, ok := validCode(w, r, req.Code)
	if !ok {
		return
	}
	if !sess.SetActiveLocation(r.Context(), code) {
		WriteError(w, r, http.StatusForbidden, ErrCodeLocationNotGranted, "Location is not in your grant")
		return
	}
	writeJSON(w, r, http.StatusOK, sess.Snapshot())
}

// ReportPosition handles POST /location/position. The device position is
// delivered to the session's locator and a geolocation request is run.
func (h *LocationHandlers) ReportPosition(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var pos geolocation.Position
	if !decodeBody(w, r, &pos, false) {
		return
	}
	if err := sess.Positions.Report(pos); err != nil {
		WriteError(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, PositionResponse{
		SuggestedLocation: sess.RequestLocationPermission(r.Context()),
	})
}

// AcceptSuggestion handles POST /location/suggestion/accept.
func (h *LocationHandlers) AcceptSuggestion(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if !sess.AcceptSuggestedLocation(r.Context()) {
		WriteError(w, r, http.StatusConflict, ErrCodeNoSuggestion, "No location suggestion to accept")
		return
	}
	writeJSON(w, r, http.StatusOK, sess.Snapshot())
}

// DismissSuggestion handles POST /location/suggestion/dismiss.
func (h *LocationHandlers) DismissSuggestion(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.DismissSuggestedLocation()
	w.WriteHeader(http.StatusNoContent)
}

// Prefetch handles POST /location/prefetch.
func (h *LocationHandlers) Prefetch(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req CodeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	code, ok := validCode(w, r, req.Code)
	if !ok {
		return
	}
	if err := sess.PrefetchLocationData(r.Context(), code); err != nil {
		writeLocationError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Invalidate handles POST /location/invalidate.
func (h *LocationHandlers) Invalidate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req InvalidateRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	code, err := validate.OptionalLocationCode(req.Code)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, ErrCodeValidation, "Invalid location code")
		return
	}
	if code != "" {
		sess.InvalidateLocationData(code)
	} else {
		sess.InvalidateLocationData()
	}
	w.WriteHeader(http.StatusNoContent)
}

// CacheReport handles GET /location/cache.
func (h *LocationHandlers) CacheReport(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, sess.CacheReport())
}

// ReloadCatalog handles POST /location/catalog/reload.
func (h *LocationHandlers) ReloadCatalog(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.RetryCatalog(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "catalog reload failed", "error", err)
		writeLocationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sess.Snapshot())
}

// Logout handles DELETE /session.
func (h *LocationHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	profile, ok := auth.ProfileFromContext(r.Context())
	if !ok || profile.UserID == "" {
		WriteError(w, r, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return
	}
	h.events.Drop(profile.UserID)
	h.sessions.End(r.Context(), profile.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// Events handles GET /location/events, a websocket that pushes location
// changes of the caller's session.
func (h *LocationHandlers) Events(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to upgrade websocket connection", "error", err)
		return
	}

	detach := h.sessions.Attach(sess)
	defer detach()
	h.events.Subscribe(sess.UserID, sess, conn)
	requestID := middleware.GetRequestID(ctx)
	h.logger.InfoContext(ctx, "websocket client subscribed to location events",
		"user_id", sess.UserID,
		"request_id", requestID,
	)

	defer func() {
		h.events.Unsubscribe(sess.UserID, conn)
		_ = conn.Close()
		h.logger.InfoContext(ctx, "websocket client unsubscribed",
			"user_id", sess.UserID,
			"request_id", requestID,
		)
	}()

	// Clients do not send messages; reading detects disconnection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.WarnContext(ctx, "websocket connection closed unexpectedly",
					"error", err,
					"user_id", sess.UserID,
				)
			}
			return
		}
	}
}
