package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
)

type testServer struct {
	router http.Handler
	repo   *db.MemoryRepository
}

func newTestServer(t *testing.T, opts ...func(*Handler)) *testServer {
	t.Helper()
	logger := zap.NewNop()
	repo := db.NewMemoryRepository()
	svc := queue.NewService(repo, events.NewLogPublisher(logger), logger)

	h := NewHandler(logger, svc, repo)
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Route("/v1", h.Routes)
	return &testServer{router: r, repo: repo}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return redis.NewFromClient(rdb, zap.NewNop())
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func validRequest() map[string]any {
	return map[string]any{
		"user_id": "user-1",
		"email":   "ada@example.com",
		"channel": "email",
		"subject": "Welcome",
		"body":    "Hello {{FirstName}}",
		"metadata": map[string]string{
			"FirstName": "Ada",
		},
	}
}

func TestCreateNotification(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/v1/notifications", validRequest())
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	resp := decode[NotificationResponse](t, rr)
	id, err := uuid.Parse(resp.ID)
	if err != nil {
		t.Fatalf("invalid id %q", resp.ID)
	}

	n, err := s.repo.GetNotification(context.Background(), id)
	if err != nil {
		t.Fatalf("notification not persisted: %v", err)
	}
	if n.Status != notification.StatusPending {
		t.Errorf("status = %s, want pending", n.Status)
	}
}

func TestCreateNotification_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		body      any
		wantField string
	}{
		{"malformed json", `{"user_id":`, ""},
		{"no contact method", func() map[string]any { r := validRequest(); delete(r, "email"); return r }(), "recipient"},
		{"missing body", func() map[string]any { r := validRequest(); delete(r, "body"); return r }(), "body"},
		{"bad channel", func() map[string]any { r := validRequest(); r["channel"] = "pigeon"; return r }(), "channel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rr := s.do(t, http.MethodPost, "/v1/notifications", tt.body)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("Content-Type = %q", ct)
			}
			problem := decode[ErrorResponse](t, rr)
			if tt.wantField != "" {
				if _, ok := problem.Errors[tt.wantField]; !ok {
					t.Errorf("expected error for %q, got %v", tt.wantField, problem.Errors)
				}
			}
		})
	}
}

func TestCreateNotification_Idempotency(t *testing.T) {
	idem := redis.NewIdempotencyService(newTestRedis(t), zap.NewNop())
	s := newTestServer(t, func(h *Handler) { h.WithIdempotency(idem) })

	first := s.do(t, http.MethodPost, "/v1/notifications", validRequest(), "Idempotency-Key", "k-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	firstID := decode[NotificationResponse](t, first).ID

	replay := s.do(t, http.MethodPost, "/v1/notifications", validRequest(), "Idempotency-Key", "k-1")
	if replay.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", replay.Code)
	}
	if replay.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected X-Idempotency-Replayed header")
	}
	if got := decode[NotificationResponse](t, replay).ID; got != firstID {
		t.Errorf("replayed id = %s, want %s", got, firstID)
	}

	list, err := s.repo.ListNotificationsByUser(context.Background(), "user-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("expected a single stored notification, got %d", len(list))
	}

	// A different user may reuse the key.
	other := validRequest()
	other["user_id"] = "user-2"
	if rr := s.do(t, http.MethodPost, "/v1/notifications", other, "Idempotency-Key", "k-1"); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 for another user, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, "/v1/notifications", other, "Idempotency-Key", "k-1"); rr.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay for second user")
	}
}

func TestCreateNotification_IdempotencyReleasedOnValidationError(t *testing.T) {
	idem := redis.NewIdempotencyService(newTestRedis(t), zap.NewNop())
	s := newTestServer(t, func(h *Handler) { h.WithIdempotency(idem) })

	bad := validRequest()
	delete(bad, "email")
	if rr := s.do(t, http.MethodPost, "/v1/notifications", bad, "Idempotency-Key", "k-2"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	// The corrected retry must not be reported as a duplicate.
	if rr := s.do(t, http.MethodPost, "/v1/notifications", validRequest(), "Idempotency-Key", "k-2"); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestGetNotification(t *testing.T) {
	s := newTestServer(t)
	created := decode[NotificationResponse](t, s.do(t, http.MethodPost, "/v1/notifications", validRequest()))

	rr := s.do(t, http.MethodGet, "/v1/notifications/"+created.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	n := decode[notification.Notification](t, rr)
	if n.ID.String() != created.ID {
		t.Errorf("id = %s, want %s", n.ID, created.ID)
	}
	if n.Recipient.Email() != "ada@example.com" {
		t.Errorf("recipient email = %q", n.Recipient.Email())
	}

	if rr := s.do(t, http.MethodGet, "/v1/notifications/not-a-uuid", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodGet, "/v1/notifications/"+uuid.NewString(), nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d", rr.Code)
	}
}

func TestListNotifications(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		s.do(t, http.MethodPost, "/v1/notifications", validRequest())
	}

	if rr := s.do(t, http.MethodGet, "/v1/notifications", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without user_id, got %d", rr.Code)
	}

	rr := s.do(t, http.MethodGet, "/v1/notifications?user_id=user-1&limit=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	page := decode[struct {
		Notifications []notification.Notification `json:"notifications"`
		Limit         int                         `json:"limit"`
	}](t, rr)
	if len(page.Notifications) != 2 || page.Limit != 2 {
		t.Errorf("got %d notifications with limit %d", len(page.Notifications), page.Limit)
	}

	rr = s.do(t, http.MethodGet, "/v1/notifications?user_id=nobody", nil)
	if body := rr.Body.String(); !bytes.Contains([]byte(body), []byte(`"notifications":[]`)) {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestCancelAndRequeue(t *testing.T) {
	s := newTestServer(t)
	created := decode[NotificationResponse](t, s.do(t, http.MethodPost, "/v1/notifications", validRequest()))
	base := "/v1/notifications/" + created.ID

	if rr := s.do(t, http.MethodPost, base+"/requeue", nil); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 requeueing a pending notification, got %d", rr.Code)
	}

	rr := s.do(t, http.MethodPost, base+"/cancel", CancelRequest{Reason: "duplicate"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if n := decode[notification.Notification](t, rr); n.Status != notification.StatusCancelled {
		t.Errorf("status = %s, want cancelled", n.Status)
	}

	if rr := s.do(t, http.MethodPost, base+"/cancel", nil); rr.Code != http.StatusConflict {
		t.Errorf("expected 409 cancelling twice, got %d", rr.Code)
	}

	rr = s.do(t, http.MethodPost, base+"/requeue", nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if decode[NotificationResponse](t, rr).ID == created.ID {
		t.Error("requeue must create a new notification")
	}

	if rr := s.do(t, http.MethodPost, "/v1/notifications/"+uuid.NewString()+"/cancel", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestPreferences(t *testing.T) {
	s := newTestServer(t)

	if rr := s.do(t, http.MethodGet, "/v1/preferences/user-1/sms", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodPut, "/v1/preferences/user-1/fax", map[string]bool{"enabled": false}); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad channel, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodPut, "/v1/preferences/user-1/sms", map[string]any{}); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without enabled, got %d", rr.Code)
	}

	if rr := s.do(t, http.MethodPut, "/v1/preferences/user-1/sms", map[string]bool{"enabled": false}); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr := s.do(t, http.MethodGet, "/v1/preferences/user-1/sms", nil)
	p := decode[notification.Preference](t, rr)
	if p.Enabled || p.Channel != notification.ChannelSMS {
		t.Errorf("unexpected preference %+v", p)
	}
}

type recordingInvalidator struct {
	keys []string
	err  error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, key string) error {
	r.keys = append(r.keys, key)
	return r.err
}

func TestTemplates(t *testing.T) {
	inv := &recordingInvalidator{err: errors.New("redis down")}
	s := newTestServer(t, func(h *Handler) { h.WithTemplateCache(inv) })

	if rr := s.do(t, http.MethodGet, "/v1/templates/welcome", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodPut, "/v1/templates/welcome", TemplateRequest{SubjectTemplate: "Hi"}); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without body_template, got %d", rr.Code)
	}

	rr := s.do(t, http.MethodPut, "/v1/templates/welcome", TemplateRequest{
		SubjectTemplate: "Hi {{FirstName}}",
		BodyTemplate:    "<p>Welcome</p>",
		IsHTML:          true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 even when invalidation fails, got %d", rr.Code)
	}
	if len(inv.keys) != 1 || inv.keys[0] != "welcome" {
		t.Errorf("invalidated keys = %v", inv.keys)
	}

	tmpl := decode[notification.Template](t, s.do(t, http.MethodGet, "/v1/templates/welcome", nil))
	if tmpl.SubjectTemplate != "Hi {{FirstName}}" || !tmpl.IsHTML {
		t.Errorf("unexpected template %+v", tmpl)
	}
}
