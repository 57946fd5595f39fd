// Package api exposes HTTP handlers for the safewalk service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/safewalk/internal/auth"
	"example.com/safewalk/internal/domain"
	"example.com/safewalk/internal/persistence"
	"example.com/safewalk/internal/scheduler"
	"example.com/safewalk/internal/sms"
	"example.com/safewalk/internal/timer"
)

// ProfileStore captures the profile and quota operations the API needs.
type ProfileStore interface {
	Profile(ctx context.Context, userID string) (*domain.Profile, error)
	ConsumeQuota(ctx context.Context, userID string, quota domain.QuotaType) (int, error)
	LogSMS(ctx context.Context, rec domain.SMSRecord) error
}

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service   *domain.Service
	profiles  ProfileStore
	sender    sms.Sender
	reminders *scheduler.Registry
}

// NewHandler builds a Handler. sender may be nil when Twilio credentials are
// absent; SMS endpoints then answer with a configuration error. reminders may
// be nil when no reminder pipeline is configured.
func NewHandler(service *domain.Service, profiles ProfileStore, sender sms.Sender, reminders *scheduler.Registry) *Handler {
	return &Handler{service: service, profiles: profiles, sender: sender, reminders: reminders}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sessions", h.sessions)
	mux.HandleFunc("/v1/sessions/", h.sessionSubtree)
	mux.HandleFunc("/v1/sos", h.sendSOS)
	mux.HandleFunc("/v1/sms/test", h.sendTestSMS)
	mux.HandleFunc("/v1/quota/decrement", h.decrementQuota)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.startSession(w, r)
	case http.MethodGet:
		h.listSessions(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) sessionSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "missing session id")
		return
	}

	if rest == "sync" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		h.syncSession(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.getSession(w, r, id)
		case http.MethodPatch:
			h.updateSession(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		}
		return
	}

	if parts[1] == "countdown" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		h.countdown(w, r, id)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	switch parts[1] {
	case "checkin":
		h.checkIn(w, r, id)
	case "extend":
		h.extend(w, r, id)
	case "complete":
		h.endSession(w, r, id, domain.StatusCompleted)
	case "cancel":
		h.endSession(w, r, id, domain.StatusCancelled)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown session action")
	}
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireScope(w, r, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	input := domain.StartInput{
		UserID:        claims.Subject,
		FirstName:     req.FirstName,
		LimitTime:     req.LimitTime,
		Tolerance:     time.Duration(req.ToleranceMinutes) * time.Minute,
		Note:          req.Note,
		ShareLocation: req.ShareLocation,
	}
	if req.Location != nil {
		input.Location = &domain.Location{Latitude: req.Location.Latitude, Longitude: req.Location.Longitude}
	}
	for _, c := range req.Contacts {
		input.Contacts = append(input.Contacts, domain.Contact{Name: c.Name, Phone: sms.NormalizePhone(c.Phone)})
	}

	session, err := h.service.Start(r.Context(), input)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.reminders.Arm(*session)
	writeJSON(w, http.StatusCreated, toSessionView(*session))
}

// countdown reports the time remaining before the deadline sweep would
// alert, so a reconnecting client can redraw its timer without recomputing
// server rules.
func (h *Handler) countdown(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.requireScope(w, r, auth.ScopeSessionsRead, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	session, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if session.UserID != claims.Subject {
		writeError(w, http.StatusForbidden, "forbidden", "session belongs to another user")
		return
	}

	snap := timer.NewCountdown(session.StartedAt, session.Deadline, nil, nil).At(time.Now())
	writeJSON(w, http.StatusOK, CountdownView{
		RemainingSecs:   snap.RemainingSecs,
		DisplayText:     snap.DisplayText,
		IsExpired:       snap.IsExpired,
		IsAlertImminent: snap.IsAlertImminent,
		Percentage:      snap.Percentage,
	})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.requireScope(w, r, auth.ScopeSessionsRead, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	session, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if session.UserID != claims.Subject {
		writeError(w, http.StatusForbidden, "forbidden", "session belongs to another user")
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(*session))
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireScope(w, r, auth.ScopeSessionsRead, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid cursor")
		return
	}

	sessions, next, err := h.service.ListByUser(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]SessionView, 0, len(sessions))
	for _, session := range sessions {
		items = append(items, toSessionView(session))
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) syncSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireScope(w, r, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	var req SyncSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "unable to parse body")
		return
	}

	session, err := req.toSession(claims.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	if err := h.service.Sync(r.Context(), session); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if (session.Status == domain.StatusActive || session.Status == domain.StatusExtended) && !session.CheckInConfirmed {
		h.reminders.Arm(session)
	} else {
		h.reminders.Cancel(session.ID)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"synced": true})
}

func (h *Handler) updateSession(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.requireScope(w, r, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	existing, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if existing.UserID != claims.Subject {
		writeError(w, http.StatusForbidden, "forbidden", "session belongs to another user")
		return
	}

	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "unable to parse body")
		return
	}

	patch, err := req.toPatch()
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	session, err := h.service.Update(r.Context(), id, patch)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if (session.Status == domain.StatusActive || session.Status == domain.StatusExtended) && !session.CheckInConfirmed {
		h.reminders.Arm(*session)
	} else {
		h.reminders.Cancel(id)
	}
	writeJSON(w, http.StatusOK, toSessionView(*session))
}

func (h *Handler) checkIn(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.requireScope(w, r, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	session, err := h.service.ConfirmCheckIn(r.Context(), id, claims.Subject)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.reminders.Cancel(id)
	writeJSON(w, http.StatusOK, toSessionView(*session))
}

func (h *Handler) extend(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.requireScope(w, r, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	minutes := 15
	if r.Body != nil && r.ContentLength != 0 {
		var req ExtendSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "unable to parse body")
			return
		}
		if req.Minutes != 0 {
			minutes = req.Minutes
		}
	}

	session, err := h.service.Extend(r.Context(), id, claims.Subject, minutes)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.reminders.Arm(*session)
	writeJSON(w, http.StatusOK, toSessionView(*session))
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request, id string, terminal domain.Status) {
	claims, ok := h.requireScope(w, r, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	var session *domain.Session
	var err error
	if terminal == domain.StatusCompleted {
		session, err = h.service.Complete(r.Context(), id, claims.Subject)
	} else {
		session, err = h.service.Cancel(r.Context(), id, claims.Subject)
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.reminders.Cancel(id)
	writeJSON(w, http.StatusOK, toSessionView(*session))
}

func (h *Handler) sendSOS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.requireScope(w, r, auth.ScopeSessionsWrite)
	if !ok {
		return
	}
	if h.sender == nil {
		writeError(w, http.StatusInternalServerError, "CONFIG_ERROR", "sms delivery is not configured")
		return
	}

	var req SOSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "unable to parse body")
		return
	}
	if len(req.Contacts) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "at least one contact is required")
		return
	}
	for _, c := range req.Contacts {
		if err := sms.ValidatePhone(c.Phone); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid contact phone: "+c.Phone)
			return
		}
	}

	profile, err := h.profiles.Profile(r.Context(), claims.Subject)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !profile.PhoneVerified {
		writeError(w, http.StatusForbidden, "phone_not_verified", "verify your phone number first")
		return
	}
	if profile.AlertsRemaining <= 0 {
		writeError(w, http.StatusForbidden, "no_credits", "no alert credits remaining")
		return
	}

	params := sms.TemplateParams{
		FirstName:  profile.FirstName,
		UserPhone:  profile.Phone,
		SharePhone: profile.SharePhoneInAlerts,
	}
	if req.Location != nil {
		params.Latitude = &req.Location.Latitude
		params.Longitude = &req.Location.Longitude
	}
	body := sms.BuildSOSAlert(params)

	delivered := 0
	for _, c := range req.Contacts {
		to := sms.NormalizePhone(c.Phone)
		sid, sendErr := h.sender.Send(r.Context(), to, body)
		rec := domain.SMSRecord{
			UserID:       claims.Subject,
			ContactName:  c.Name,
			ContactPhone: to,
			Type:         domain.SMSTypeSOS,
			Body:         body,
		}
		if sendErr != nil {
			rec.Status = domain.SMSStatusFailed
			rec.ErrorMessage = sendErr.Error()
		} else {
			rec.Status = domain.SMSStatusSent
			rec.MessageSID = sid
			delivered++
		}
		if logErr := h.profiles.LogSMS(r.Context(), rec); logErr != nil {
			log.Printf("sms log failed: %v", logErr)
		}
	}

	if delivered == 0 {
		writeError(w, http.StatusBadGateway, "twilio_failed", "no SOS message could be delivered")
		return
	}

	if _, err := h.profiles.ConsumeQuota(r.Context(), claims.Subject, domain.QuotaAlert); err != nil && !errors.Is(err, domain.ErrQuotaExhausted) {
		log.Printf("quota decrement failed: %v", err)
	}
	writeJSON(w, http.StatusOK, SOSResponse{Delivered: delivered, Contacts: len(req.Contacts)})
}

func (h *Handler) sendTestSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.requireScope(w, r, auth.ScopeSessionsWrite)
	if !ok {
		return
	}
	if h.sender == nil {
		writeError(w, http.StatusInternalServerError, "CONFIG_ERROR", "sms delivery is not configured")
		return
	}

	profile, err := h.profiles.Profile(r.Context(), claims.Subject)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !profile.PhoneVerified {
		writeError(w, http.StatusForbidden, "phone_not_verified", "verify your phone number first")
		return
	}
	if profile.TestSMSRemaining <= 0 {
		writeError(w, http.StatusForbidden, "quota_reached", "test SMS quota reached")
		return
	}

	body := sms.BuildTestMessage(sms.TemplateParams{FirstName: profile.FirstName})
	sid, sendErr := h.sender.Send(r.Context(), profile.Phone, body)

	rec := domain.SMSRecord{
		UserID:       claims.Subject,
		ContactPhone: profile.Phone,
		Type:         domain.SMSTypeTest,
		Body:         body,
	}
	if sendErr != nil {
		rec.Status = domain.SMSStatusFailed
		rec.ErrorMessage = sendErr.Error()
	} else {
		rec.Status = domain.SMSStatusSent
		rec.MessageSID = sid
	}
	if logErr := h.profiles.LogSMS(r.Context(), rec); logErr != nil {
		log.Printf("sms log failed: %v", logErr)
	}

	if sendErr != nil {
		writeError(w, http.StatusBadGateway, "twilio_failed", "test message could not be delivered")
		return
	}

	remaining := profile.TestSMSRemaining - 1
	if left, err := h.profiles.ConsumeQuota(r.Context(), claims.Subject, domain.QuotaTestSMS); err == nil {
		remaining = left
	}
	writeJSON(w, http.StatusOK, TestSMSResponse{MessageSID: sid, Remaining: remaining})
}

func (h *Handler) decrementQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.requireScope(w, r, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	var req DecrementQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "unable to parse body")
		return
	}

	if req.UserID != "" && req.UserID != claims.Subject {
		writeError(w, http.StatusForbidden, "forbidden", "cannot decrement another user's quota")
		return
	}

	quota := domain.QuotaType(req.QuotaType)
	if !quota.Valid() {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "unknown quota type")
		return
	}

	remaining, err := h.profiles.ConsumeQuota(r.Context(), claims.Subject, quota)
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExhausted) {
			writeError(w, http.StatusForbidden, "quota_reached", "quota exhausted")
			return
		}
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DecrementQuotaResponse{Remaining: remaining})
}

// requireScope extracts claims and checks that at least one scope matches.
func (h *Handler) requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
	case errors.Is(err, domain.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "profile not found")
	case errors.Is(err, domain.ErrNotSessionOwner):
		writeError(w, http.StatusForbidden, "forbidden", "session belongs to another user")
	case errors.Is(err, domain.ErrSessionTerminal):
		writeError(w, http.StatusConflict, "session_terminal", "session already ended")
	case errors.Is(err, domain.ErrExtensionLimit):
		writeError(w, http.StatusConflict, "extension_limit", "extension limit reached")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", "transition not allowed from current status")
	default:
		writeError(w, http.StatusInternalServerError, "DB_ERROR", err.Error())
	}
}

// LocationView is a latitude/longitude pair on the wire.
type LocationView struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ContactView is one emergency contact on the wire.
type ContactView struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone"`
}

// StartSessionRequest is the payload for POST /v1/sessions.
type StartSessionRequest struct {
	FirstName        string        `json:"firstName"`
	LimitTime        time.Time     `json:"limitTime"`
	ToleranceMinutes int           `json:"toleranceMinutes"`
	Note             string        `json:"note"`
	ShareLocation    bool          `json:"shareLocation"`
	Location         *LocationView `json:"location"`
	Contacts         []ContactView `json:"contacts"`
}

// Validate ensures request correctness.
func (r StartSessionRequest) Validate() error {
	if r.LimitTime.IsZero() {
		return errors.New("limitTime is required")
	}
	if r.ToleranceMinutes < 0 {
		return errors.New("toleranceMinutes must be >= 0")
	}
	if len(r.Contacts) == 0 {
		return errors.New("at least one contact is required")
	}
	for _, c := range r.Contacts {
		if err := sms.ValidatePhone(c.Phone); err != nil {
			return errors.New("invalid contact phone: " + c.Phone)
		}
	}
	return nil
}

// ExtendSessionRequest is the payload for POST /v1/sessions/{id}/extend.
type ExtendSessionRequest struct {
	Minutes int `json:"minutes"`
}

// SyncSessionRequest mirrors a full client-side session record.
type SyncSessionRequest struct {
	ID                 string        `json:"id"`
	FirstName          string        `json:"firstName"`
	StartTime          string        `json:"startTime"`
	LimitTime          string        `json:"limitTime"`
	ToleranceMinutes   int           `json:"toleranceMinutes"`
	Deadline           string        `json:"deadline"`
	Status             string        `json:"status"`
	Note               string        `json:"note"`
	ExtensionsCount    int           `json:"extensionsCount"`
	CheckInConfirmed   bool          `json:"checkInConfirmed"`
	CheckInConfirmedAt *string       `json:"checkInConfirmedAt"`
	AlertTriggeredAt   *string       `json:"alertTriggeredAt"`
	EndTime            *string       `json:"endTime"`
	ShareLocation      bool          `json:"shareLocation"`
	Location           *LocationView `json:"location"`
	Contacts           []ContactView `json:"contacts"`
}

func (r SyncSessionRequest) toSession(userID string) (domain.Session, error) {
	startedAt, err := parseTimestamp("startTime", r.StartTime)
	if err != nil {
		return domain.Session{}, err
	}
	limitTime, err := parseTimestamp("limitTime", r.LimitTime)
	if err != nil {
		return domain.Session{}, err
	}
	deadline, err := parseTimestamp("deadline", r.Deadline)
	if err != nil {
		return domain.Session{}, err
	}

	status := domain.Status(r.Status)
	if !validStatus(status) {
		return domain.Session{}, errors.New("unknown status: " + r.Status)
	}

	session := domain.Session{
		ID:               r.ID,
		UserID:           userID,
		FirstName:        r.FirstName,
		StartedAt:        startedAt,
		LimitTime:        limitTime,
		Tolerance:        time.Duration(r.ToleranceMinutes) * time.Minute,
		Deadline:         deadline,
		Status:           status,
		Note:             r.Note,
		ExtensionsCount:  r.ExtensionsCount,
		CheckInConfirmed: r.CheckInConfirmed,
		ShareLocation:    r.ShareLocation,
		CreatedAt:        startedAt,
	}

	if session.CheckInConfirmedAt, err = parseOptionalTimestamp("checkInConfirmedAt", r.CheckInConfirmedAt); err != nil {
		return domain.Session{}, err
	}
	if session.AlertSentAt, err = parseOptionalTimestamp("alertTriggeredAt", r.AlertTriggeredAt); err != nil {
		return domain.Session{}, err
	}
	if session.EndedAt, err = parseOptionalTimestamp("endTime", r.EndTime); err != nil {
		return domain.Session{}, err
	}

	if r.Location != nil {
		session.LastLocation = &domain.Location{Latitude: r.Location.Latitude, Longitude: r.Location.Longitude}
	}
	for _, c := range r.Contacts {
		session.Contacts = append(session.Contacts, domain.Contact{Name: c.Name, Phone: sms.NormalizePhone(c.Phone)})
	}
	return session, nil
}

// UpdateSessionRequest is the payload for PATCH /v1/sessions/{id}. Timestamps
// arrive as RFC 3339 strings and absent fields leave the session untouched.
type UpdateSessionRequest struct {
	Status             *string       `json:"status"`
	Deadline           *string       `json:"deadline"`
	EndTime            *string       `json:"endTime"`
	AlertTriggeredAt   *string       `json:"alertTriggeredAt"`
	CheckInConfirmed   *bool         `json:"checkInConfirmed"`
	CheckInConfirmedAt *string       `json:"checkInConfirmedAt"`
	ExtensionsCount    *int          `json:"extensionsCount"`
	Note               *string       `json:"note"`
	Location           *LocationView `json:"location"`
}

func (r UpdateSessionRequest) toPatch() (domain.SessionPatch, error) {
	var patch domain.SessionPatch
	var err error

	if r.Status != nil {
		status := domain.Status(*r.Status)
		if !validStatus(status) {
			return patch, errors.New("unknown status: " + *r.Status)
		}
		patch.Status = &status
	}
	if patch.Deadline, err = parseOptionalTimestamp("deadline", r.Deadline); err != nil {
		return patch, err
	}
	if patch.EndedAt, err = parseOptionalTimestamp("endTime", r.EndTime); err != nil {
		return patch, err
	}
	if patch.AlertSentAt, err = parseOptionalTimestamp("alertTriggeredAt", r.AlertTriggeredAt); err != nil {
		return patch, err
	}
	if patch.CheckInConfirmedAt, err = parseOptionalTimestamp("checkInConfirmedAt", r.CheckInConfirmedAt); err != nil {
		return patch, err
	}

	patch.CheckInConfirmed = r.CheckInConfirmed
	patch.Note = r.Note
	if r.ExtensionsCount != nil {
		if *r.ExtensionsCount < 0 || *r.ExtensionsCount > domain.MaxExtensions {
			return patch, errors.New("extensionsCount out of range")
		}
		patch.ExtensionsCount = r.ExtensionsCount
	}
	if r.Location != nil {
		patch.LastLocation = &domain.Location{Latitude: r.Location.Latitude, Longitude: r.Location.Longitude}
	}
	return patch, nil
}

// SOSRequest is the payload for POST /v1/sos.
type SOSRequest struct {
	Location *LocationView `json:"location"`
	Contacts []ContactView `json:"contacts"`
}

// SOSResponse reports SOS delivery counts.
type SOSResponse struct {
	Delivered int `json:"delivered"`
	Contacts  int `json:"contacts"`
}

// TestSMSResponse reports the delivered test message.
type TestSMSResponse struct {
	MessageSID string `json:"messageSid"`
	Remaining  int    `json:"remaining"`
}

// DecrementQuotaRequest is the payload for POST /v1/quota/decrement. UserID
// is optional; when present it must match the authenticated subject.
type DecrementQuotaRequest struct {
	UserID    string `json:"user_id,omitempty"`
	QuotaType string `json:"quota_type"`
}

// DecrementQuotaResponse reports the remaining balance.
type DecrementQuotaResponse struct {
	Remaining int `json:"remaining"`
}

// CountdownView describes the time left before the alert deadline.
type CountdownView struct {
	RemainingSecs   int     `json:"remainingSecs"`
	DisplayText     string  `json:"displayText"`
	IsExpired       bool    `json:"isExpired"`
	IsAlertImminent bool    `json:"isAlertImminent"`
	Percentage      float64 `json:"percentage"`
}

// SessionView exposes full details about a session.
type SessionView struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"userId"`
	FirstName          string        `json:"firstName,omitempty"`
	StartTime          time.Time     `json:"startTime"`
	LimitTime          time.Time     `json:"limitTime"`
	ToleranceMinutes   int           `json:"toleranceMinutes"`
	Deadline           time.Time     `json:"deadline"`
	Status             string        `json:"status"`
	Note               string        `json:"note,omitempty"`
	ExtensionsCount    int           `json:"extensionsCount"`
	CheckInConfirmed   bool          `json:"checkInConfirmed"`
	CheckInConfirmedAt *time.Time    `json:"checkInConfirmedAt,omitempty"`
	AlertTriggeredAt   *time.Time    `json:"alertTriggeredAt,omitempty"`
	EndTime            *time.Time    `json:"endTime,omitempty"`
	ShareLocation      bool          `json:"shareLocation"`
	Location           *LocationView `json:"location,omitempty"`
	Contacts           []ContactView `json:"contacts,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// ListSessionsResponse packages list results.
type ListSessionsResponse struct {
	Items      []SessionView `json:"items"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

func toSessionView(session domain.Session) SessionView {
	view := SessionView{
		ID:                 session.ID,
		UserID:             session.UserID,
		FirstName:          session.FirstName,
		StartTime:          session.StartedAt,
		LimitTime:          session.LimitTime,
		ToleranceMinutes:   int(session.Tolerance / time.Minute),
		Deadline:           session.Deadline,
		Status:             string(session.Status),
		Note:               session.Note,
		ExtensionsCount:    session.ExtensionsCount,
		CheckInConfirmed:   session.CheckInConfirmed,
		CheckInConfirmedAt: session.CheckInConfirmedAt,
		AlertTriggeredAt:   session.AlertSentAt,
		EndTime:            session.EndedAt,
		ShareLocation:      session.ShareLocation,
		CreatedAt:          session.CreatedAt,
		UpdatedAt:          session.UpdatedAt,
	}
	if session.LastLocation != nil {
		view.Location = &LocationView{Latitude: session.LastLocation.Latitude, Longitude: session.LastLocation.Longitude}
	}
	for _, c := range session.Contacts {
		view.Contacts = append(view.Contacts, ContactView{Name: c.Name, Phone: c.Phone})
	}
	return view
}

func validStatus(status domain.Status) bool {
	switch status {
	case domain.StatusActive, domain.StatusExtended, domain.StatusCheckedIn,
		domain.StatusOverdue, domain.StatusAlerted, domain.StatusCompleted, domain.StatusCancelled:
		return true
	}
	return false
}

func parseTimestamp(field, value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, errors.New(field + " is required")
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errors.New(field + " must be RFC 3339")
	}
	return ts.UTC(), nil
}

func parseOptionalTimestamp(field string, value *string) (*time.Time, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	ts, err := parseTimestamp(field, *value)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
