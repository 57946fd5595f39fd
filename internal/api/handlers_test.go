package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/safewalk/internal/auth"
	"example.com/safewalk/internal/domain"
	"example.com/safewalk/internal/scheduler"
)

type memRepo struct {
	sessions map[string]domain.Session
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]domain.Session)}
}

func (m *memRepo) Create(_ context.Context, session domain.Session) error {
	m.sessions[session.ID] = session
	return nil
}

func (m *memRepo) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (m *memRepo) Save(_ context.Context, session domain.Session, _ string) error {
	m.sessions[session.ID] = session
	return nil
}

func (m *memRepo) Upsert(_ context.Context, session domain.Session) error {
	m.sessions[session.ID] = session
	return nil
}

func (m *memRepo) Patch(_ context.Context, sessionID string, patch domain.SessionPatch) (*domain.Session, error) {
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if patch.Status != nil {
		session.Status = *patch.Status
	}
	if patch.Deadline != nil {
		session.Deadline = *patch.Deadline
	}
	if patch.EndedAt != nil {
		session.EndedAt = patch.EndedAt
	}
	if patch.AlertSentAt != nil {
		session.AlertSentAt = patch.AlertSentAt
	}
	if patch.CheckInConfirmed != nil {
		session.CheckInConfirmed = *patch.CheckInConfirmed
	}
	if patch.CheckInConfirmedAt != nil {
		session.CheckInConfirmedAt = patch.CheckInConfirmedAt
	}
	if patch.ExtensionsCount != nil {
		session.ExtensionsCount = *patch.ExtensionsCount
	}
	if patch.Note != nil {
		session.Note = *patch.Note
	}
	if patch.LastLocation != nil {
		session.LastLocation = patch.LastLocation
	}
	m.sessions[sessionID] = session
	return &session, nil
}

func (m *memRepo) ListByUser(_ context.Context, userID string, _ *domain.Cursor, _ int) ([]domain.Session, *domain.Cursor, error) {
	var out []domain.Session
	for _, session := range m.sessions {
		if session.UserID == userID {
			out = append(out, session)
		}
	}
	return out, nil, nil
}

type memProfiles struct {
	profile   *domain.Profile
	smsLog    []domain.SMSRecord
	exhausted bool
}

func (m *memProfiles) Profile(_ context.Context, userID string) (*domain.Profile, error) {
	if m.profile == nil || m.profile.UserID != userID {
		return nil, domain.ErrProfileNotFound
	}
	return m.profile, nil
}

func (m *memProfiles) ConsumeQuota(_ context.Context, _ string, quota domain.QuotaType) (int, error) {
	if m.exhausted {
		return 0, domain.ErrQuotaExhausted
	}
	switch quota {
	case domain.QuotaAlert:
		m.profile.AlertsRemaining--
		return m.profile.AlertsRemaining, nil
	default:
		m.profile.TestSMSRemaining--
		return m.profile.TestSMSRemaining, nil
	}
}

func (m *memProfiles) LogSMS(_ context.Context, rec domain.SMSRecord) error {
	m.smsLog = append(m.smsLog, rec)
	return nil
}

type stubSender struct {
	err  error
	sent []string
}

func (s *stubSender) Send(_ context.Context, to, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, to)
	return "SM123", nil
}

func newTestHandler() (*Handler, *memRepo, *memProfiles, *stubSender) {
	repo := newMemRepo()
	profiles := &memProfiles{profile: &domain.Profile{
		UserID:           "user-1",
		FirstName:        "Claire",
		Phone:            "+33698765432",
		PhoneVerified:    true,
		AlertsRemaining:  3,
		TestSMSRemaining: 1,
	}}
	sender := &stubSender{}
	handler := NewHandler(domain.NewService(repo), profiles, sender, nil)
	return handler, repo, profiles, sender
}

func authedRequest(method, target string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	claims := &auth.Claims{
		Subject: "user-1",
		Scopes: map[string]struct{}{
			auth.ScopeSessionsWrite: {},
			auth.ScopeSessionsRead:  {},
		},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func startSession(t *testing.T, h *Handler) SessionView {
	t.Helper()
	limit := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	req := authedRequest(http.MethodPost, "/v1/sessions", StartSessionRequest{
		FirstName:        "Claire",
		LimitTime:        limit,
		ToleranceMinutes: 15,
		Contacts:         []ContactView{{Name: "Max", Phone: "+33612345678"}},
	})
	rr := serve(h, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}
	var view SessionView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return view
}

func TestStartSessionComputesDeadline(t *testing.T) {
	handler, _, _, _ := newTestHandler()
	view := startSession(t, handler)

	if view.Status != "active" {
		t.Fatalf("expected active got %s", view.Status)
	}
	want := view.LimitTime.Add(15 * time.Minute)
	if !view.Deadline.Equal(want) {
		t.Fatalf("expected deadline %v got %v", want, view.Deadline)
	}
	if view.UserID != "user-1" {
		t.Fatalf("expected owner user-1 got %s", view.UserID)
	}
}

func TestStartSessionRejectsInvalidContactPhone(t *testing.T) {
	handler, _, _, _ := newTestHandler()
	req := authedRequest(http.MethodPost, "/v1/sessions", StartSessionRequest{
		LimitTime: time.Now().Add(time.Hour),
		Contacts:  []ContactView{{Phone: "0612345678"}},
	})
	rr := serve(handler, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("INVALID_INPUT")) {
		t.Fatalf("expected INVALID_INPUT got %s", rr.Body.String())
	}
}

func TestStartSessionRequiresAuth(t *testing.T) {
	handler, _, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString("{}"))
	rr := serve(handler, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("UNAUTHORIZED")) {
		t.Fatalf("expected UNAUTHORIZED got %s", rr.Body.String())
	}
}

func TestCheckInIsIdempotent(t *testing.T) {
	handler, _, _, _ := newTestHandler()
	view := startSession(t, handler)

	for i := 0; i < 2; i++ {
		rr := serve(handler, authedRequest(http.MethodPost, "/v1/sessions/"+view.ID+"/checkin", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("checkin %d: expected 200 got %d: %s", i, rr.Code, rr.Body.String())
		}
		var got SessionView
		if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if got.Status != "checked_in" {
			t.Fatalf("expected checked_in got %s", got.Status)
		}
		if !got.Deadline.Equal(got.LimitTime) {
			t.Fatalf("expected deadline collapsed to limit time, got %v vs %v", got.Deadline, got.LimitTime)
		}
	}
}

func TestExtendStopsAtLimit(t *testing.T) {
	handler, _, _, _ := newTestHandler()
	view := startSession(t, handler)

	for i := 0; i < 3; i++ {
		rr := serve(handler, authedRequest(http.MethodPost, "/v1/sessions/"+view.ID+"/extend", ExtendSessionRequest{Minutes: 15}))
		if rr.Code != http.StatusOK {
			t.Fatalf("extend %d: expected 200 got %d: %s", i, rr.Code, rr.Body.String())
		}
	}

	rr := serve(handler, authedRequest(http.MethodPost, "/v1/sessions/"+view.ID+"/extend", ExtendSessionRequest{Minutes: 15}))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("extension_limit")) {
		t.Fatalf("expected extension_limit got %s", rr.Body.String())
	}
}

func TestGetSessionOfAnotherUserIsForbidden(t *testing.T) {
	handler, repo, _, _ := newTestHandler()
	repo.sessions["other"] = domain.Session{
		ID:     "other",
		UserID: "user-2",
		Status: domain.StatusActive,
	}

	rr := serve(handler, authedRequest(http.MethodGet, "/v1/sessions/other", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestUpdateSessionParsesTimestamps(t *testing.T) {
	handler, _, _, _ := newTestHandler()
	view := startSession(t, handler)

	status := "cancelled"
	endTime := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	rr := serve(handler, authedRequest(http.MethodPatch, "/v1/sessions/"+view.ID, UpdateSessionRequest{
		Status:  &status,
		EndTime: &endTime,
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var got SessionView
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.Status != "cancelled" || got.EndTime == nil {
		t.Fatalf("patch not applied: %s", rr.Body.String())
	}
}

func TestUpdateSessionRejectsBadTimestamp(t *testing.T) {
	handler, _, _, _ := newTestHandler()
	view := startSession(t, handler)

	bad := "yesterday at noon"
	rr := serve(handler, authedRequest(http.MethodPatch, "/v1/sessions/"+view.ID, UpdateSessionRequest{
		EndTime: &bad,
	}))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

type nopNotifier struct{}

func (nopNotifier) Publish(_ context.Context, _ scheduler.Reminder) error { return nil }

func newReminderHandler() (*Handler, *scheduler.Registry) {
	repo := newMemRepo()
	profiles := &memProfiles{profile: &domain.Profile{
		UserID:          "user-1",
		Phone:           "+33698765432",
		PhoneVerified:   true,
		AlertsRemaining: 3,
	}}
	state := func(_ context.Context, _ string) (scheduler.SessionState, error) {
		return scheduler.SessionState{Status: domain.StatusActive}, nil
	}
	registry := scheduler.NewRegistry(nopNotifier{}, state)
	return NewHandler(domain.NewService(repo), profiles, &stubSender{}, registry), registry
}

func TestStartSessionArmsReminders(t *testing.T) {
	handler, registry := newReminderHandler()
	view := startSession(t, handler)

	if !registry.Armed(view.ID) {
		t.Fatal("expected reminders armed after start")
	}
}

func TestCheckInCancelsReminders(t *testing.T) {
	handler, registry := newReminderHandler()
	view := startSession(t, handler)

	rr := serve(handler, authedRequest(http.MethodPost, "/v1/sessions/"+view.ID+"/checkin", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	if registry.Armed(view.ID) {
		t.Fatal("expected reminders cancelled after check-in")
	}
}

func TestCompleteCancelsReminders(t *testing.T) {
	handler, registry := newReminderHandler()
	view := startSession(t, handler)

	rr := serve(handler, authedRequest(http.MethodPost, "/v1/sessions/"+view.ID+"/complete", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	if registry.Armed(view.ID) {
		t.Fatal("expected reminders cancelled after completion")
	}
}

func TestCountdownReportsRemainingTime(t *testing.T) {
	handler, _, _, _ := newTestHandler()
	view := startSession(t, handler)

	rr := serve(handler, authedRequest(http.MethodGet, "/v1/sessions/"+view.ID+"/countdown", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	var resp CountdownView
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.IsExpired {
		t.Fatal("fresh session should not be expired")
	}
	if resp.RemainingSecs <= 0 {
		t.Fatalf("expected positive remaining, got %d", resp.RemainingSecs)
	}
	if resp.DisplayText == "" {
		t.Fatal("expected a display text")
	}
}

func TestSyncSessionUpserts(t *testing.T) {
	handler, repo, _, _ := newTestHandler()
	now := time.Now().UTC().Truncate(time.Second)

	body := SyncSessionRequest{
		ID:        "client-session-1",
		FirstName: "Claire",
		StartTime: now.Format(time.RFC3339),
		LimitTime: now.Add(time.Hour).Format(time.RFC3339),
		Deadline:  now.Add(75 * time.Minute).Format(time.RFC3339),
		Status:    "active",
		Contacts:  []ContactView{{Phone: "+33612345678"}},
	}
	rr := serve(handler, authedRequest(http.MethodPost, "/v1/sessions/sync", body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	stored, ok := repo.sessions["client-session-1"]
	if !ok {
		t.Fatal("session was not stored")
	}
	if stored.UserID != "user-1" {
		t.Fatalf("expected sync to take owner from token, got %s", stored.UserID)
	}
}

func TestSOSRequiresVerifiedPhone(t *testing.T) {
	handler, _, profiles, _ := newTestHandler()
	profiles.profile.PhoneVerified = false

	rr := serve(handler, authedRequest(http.MethodPost, "/v1/sos", SOSRequest{
		Contacts: []ContactView{{Phone: "+33612345678"}},
	}))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("phone_not_verified")) {
		t.Fatalf("expected phone_not_verified got %s", rr.Body.String())
	}
}

func TestSOSRequiresCredits(t *testing.T) {
	handler, _, profiles, _ := newTestHandler()
	profiles.profile.AlertsRemaining = 0

	rr := serve(handler, authedRequest(http.MethodPost, "/v1/sos", SOSRequest{
		Contacts: []ContactView{{Phone: "+33612345678"}},
	}))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("no_credits")) {
		t.Fatalf("expected no_credits got %s", rr.Body.String())
	}
}

func TestSOSSendsAndConsumesQuota(t *testing.T) {
	handler, _, profiles, sender := newTestHandler()

	rr := serve(handler, authedRequest(http.MethodPost, "/v1/sos", SOSRequest{
		Contacts: []ContactView{{Name: "Max", Phone: "+33612345678"}},
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one SMS got %d", len(sender.sent))
	}
	if profiles.profile.AlertsRemaining != 2 {
		t.Fatalf("expected quota decremented to 2 got %d", profiles.profile.AlertsRemaining)
	}
	if len(profiles.smsLog) != 1 || profiles.smsLog[0].Status != domain.SMSStatusSent {
		t.Fatalf("expected one sent sms_log row")
	}
}

func TestSOSReportsTwilioFailure(t *testing.T) {
	handler, _, _, sender := newTestHandler()
	sender.err = errors.New("twilio 503")

	rr := serve(handler, authedRequest(http.MethodPost, "/v1/sos", SOSRequest{
		Contacts: []ContactView{{Phone: "+33612345678"}},
	}))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("twilio_failed")) {
		t.Fatalf("expected twilio_failed got %s", rr.Body.String())
	}
}

func TestTestSMSQuota(t *testing.T) {
	handler, _, profiles, _ := newTestHandler()

	rr := serve(handler, authedRequest(http.MethodPost, "/v1/sms/test", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	if profiles.profile.TestSMSRemaining != 0 {
		t.Fatalf("expected test quota 0 got %d", profiles.profile.TestSMSRemaining)
	}

	rr = serve(handler, authedRequest(http.MethodPost, "/v1/sms/test", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("quota_reached")) {
		t.Fatalf("expected quota_reached got %s", rr.Body.String())
	}
}

func TestDecrementQuota(t *testing.T) {
	handler, _, profiles, _ := newTestHandler()

	rr := serve(handler, authedRequest(http.MethodPost, "/v1/quota/decrement", DecrementQuotaRequest{UserID: "user-1", QuotaType: "alert"}))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	var resp DecrementQuotaResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Remaining != 2 {
		t.Fatalf("expected remaining 2 got %d", resp.Remaining)
	}

	profiles.exhausted = true
	rr = serve(handler, authedRequest(http.MethodPost, "/v1/quota/decrement", DecrementQuotaRequest{QuotaType: "alert"}))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestDecrementQuotaRejectsUnknownType(t *testing.T) {
	handler, _, _, _ := newTestHandler()

	rr := serve(handler, authedRequest(http.MethodPost, "/v1/quota/decrement", DecrementQuotaRequest{QuotaType: "gold"}))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestDecrementQuotaRejectsForeignUser(t *testing.T) {
	handler, _, _, _ := newTestHandler()

	rr := serve(handler, authedRequest(http.MethodPost, "/v1/quota/decrement", DecrementQuotaRequest{UserID: "user-2", QuotaType: "alert"}))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestDecrementQuotaFieldNames(t *testing.T) {
	handler, _, _, _ := newTestHandler()

	body := bytes.NewBufferString(`{"user_id":"user-1","quota_type":"test_sms"}`)
	req := authedRequest(http.MethodPost, "/v1/quota/decrement", nil)
	req.Body = io.NopCloser(body)

	rr := serve(handler, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
}
