package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/content"
	"github.com/lalithlochan/courier/internal/notification"
)

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-msg-1")}, nil
}

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-msg-1")}, nil
}

func makeNotification(t *testing.T, ch notification.Channel, userID, email, phone string) *notification.Notification {
	t.Helper()
	rec, err := notification.NewRecipient(userID, email, phone)
	if err != nil {
		t.Fatalf("recipient: %v", err)
	}
	n, _, err := notification.New(notification.Params{
		Channel:   ch,
		Recipient: rec,
		Subject:   "Subject",
		Body:      "Body",
		Metadata:  map[string]string{"order": "42"},
	}, time.Now())
	if err != nil {
		t.Fatalf("new notification: %v", err)
	}
	return n
}

func TestRegistry(t *testing.T) {
	first := &fakeBackend{channel: notification.ChannelEmail}
	second := &fakeBackend{channel: notification.ChannelEmail}
	sms := &fakeBackend{channel: notification.ChannelSMS}
	r := NewRegistry(zap.NewNop(), first, sms, second)

	tests := []struct {
		channel notification.Channel
		want    Backend
		found   bool
	}{
		{notification.ChannelEmail, first, true},
		{notification.ChannelSMS, sms, true},
		{notification.ChannelInApp, nil, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.channel), func(t *testing.T) {
			got, ok := r.Resolve(tt.channel)
			if ok != tt.found {
				t.Fatalf("Resolve(%s) found = %v, want %v", tt.channel, ok, tt.found)
			}
			if ok && got != tt.want {
				t.Errorf("Resolve(%s) returned the wrong backend", tt.channel)
			}
		})
	}

	if got := r.Channels(); len(got) != 2 {
		t.Errorf("Channels() = %v, want 2 entries", got)
	}
}

func TestLogBackend(t *testing.T) {
	b := NewLogBackend(notification.ChannelSMS, zap.NewNop())
	if b.Channel() != notification.ChannelSMS {
		t.Fatalf("channel = %s", b.Channel())
	}
	n := makeNotification(t, notification.ChannelSMS, "u", "", "+15550100")
	if err := b.Send(context.Background(), n, content.Content{Body: "hi"}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestEmailBackend_Send(t *testing.T) {
	tests := []struct {
		name     string
		isHTML   bool
		wantHTML bool
	}{
		{"html body", true, true},
		{"text body", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeSES{}
			b := NewEmailBackend(client, "noreply@example.com", zap.NewNop())
			n := makeNotification(t, notification.ChannelEmail, "u", "ada@example.com", "")

			err := b.Send(context.Background(), n, content.Content{Subject: "Hi", Body: "<p>Hello</p>", IsHTML: tt.isHTML})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			in := client.input
			if aws.ToString(in.Source) != "noreply@example.com" {
				t.Errorf("source = %s", aws.ToString(in.Source))
			}
			if len(in.Destination.ToAddresses) != 1 || in.Destination.ToAddresses[0] != "ada@example.com" {
				t.Errorf("to = %v", in.Destination.ToAddresses)
			}
			if aws.ToString(in.Message.Subject.Data) != "Hi" {
				t.Errorf("subject = %s", aws.ToString(in.Message.Subject.Data))
			}
			if (in.Message.Body.Html != nil) != tt.wantHTML || (in.Message.Body.Text != nil) == tt.wantHTML {
				t.Errorf("unexpected body parts: html=%v text=%v", in.Message.Body.Html != nil, in.Message.Body.Text != nil)
			}
		})
	}
}

func TestEmailBackend_Errors(t *testing.T) {
	smsOnly := makeNotification(t, notification.ChannelEmail, "u", "", "+15550100")
	withEmail := makeNotification(t, notification.ChannelEmail, "u", "ada@example.com", "")

	tests := []struct {
		name   string
		n      *notification.Notification
		body   string
		sesErr error
	}{
		{"no email address", smsOnly, "body", nil},
		{"empty body", withEmail, "", nil},
		{"provider error", withEmail, "body", errors.New("MessageRejected")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewEmailBackend(&fakeSES{err: tt.sesErr}, "noreply@example.com", zap.NewNop())
			err := b.Send(context.Background(), tt.n, content.Content{Subject: "s", Body: tt.body})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.sesErr != nil && !errors.Is(err, tt.sesErr) {
				t.Errorf("expected wrapped provider error, got %v", err)
			}
			if got := errors.Is(err, notification.ErrRecipientUnreachable); got != (tt.sesErr == nil) {
				t.Errorf("unreachable = %v for %v", got, err)
			}
		})
	}
}

func TestSMSBackend_Send(t *testing.T) {
	client := &fakeSNS{}
	b := NewSMSBackend(client, zap.NewNop())
	n := makeNotification(t, notification.ChannelSMS, "u", "", "+15550100")

	if err := b.Send(context.Background(), n, content.Content{Subject: "ignored", Body: "Your code is 1234"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aws.ToString(client.input.PhoneNumber) != "+15550100" {
		t.Errorf("phone = %s", aws.ToString(client.input.PhoneNumber))
	}
	if aws.ToString(client.input.Message) != "Your code is 1234" {
		t.Errorf("message = %s", aws.ToString(client.input.Message))
	}
}

func TestSMSBackend_Errors(t *testing.T) {
	emailOnly := makeNotification(t, notification.ChannelSMS, "u", "ada@example.com", "")
	if err := NewSMSBackend(&fakeSNS{}, zap.NewNop()).Send(context.Background(), emailOnly, content.Content{Body: "b"}); !errors.Is(err, notification.ErrRecipientUnreachable) {
		t.Errorf("expected unreachable error for recipient without phone, got %v", err)
	}

	withPhone := makeNotification(t, notification.ChannelSMS, "u", "", "+15550100")
	snsErr := errors.New("OptedOut")
	err := NewSMSBackend(&fakeSNS{err: snsErr}, zap.NewNop()).Send(context.Background(), withPhone, content.Content{Body: "b"})
	if !errors.Is(err, snsErr) {
		t.Errorf("expected wrapped provider error, got %v", err)
	}
}

func TestSMSBackend_MissingPhoneDoesNotOpenBreaker(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), zap.NewNop())
	b := circuitbreaker.NewProtectedBackend(NewSMSBackend(&fakeSNS{}, zap.NewNop()), breaker, zap.NewNop())

	emailOnly := makeNotification(t, notification.ChannelSMS, "u", "ada@example.com", "")
	for i := 0; i < 10; i++ {
		if err := b.Send(context.Background(), emailOnly, content.Content{Body: "b"}); err == nil {
			t.Fatal("expected error for recipient without phone")
		}
	}

	withPhone := makeNotification(t, notification.ChannelSMS, "u", "", "+15550100")
	if err := b.Send(context.Background(), withPhone, content.Content{Body: "b"}); err != nil {
		t.Fatalf("healthy recipient rejected: %v", err)
	}
	if breaker.GetState() != circuitbreaker.StateClosed {
		t.Errorf("expected closed breaker, got %s", breaker.GetState())
	}
}

func TestInAppBackend_Send(t *testing.T) {
	var got inboxMessage
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		header = r.Header.Get("X-Courier-Notification-ID")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	b := NewInAppBackend(InAppConfig{InboxURL: server.URL, Timeout: 5 * time.Second}, zap.NewNop())
	n := makeNotification(t, notification.ChannelInApp, "user-9", "ada@example.com", "")

	if err := b.Send(context.Background(), n, content.Content{Subject: "New order", Body: "Order shipped", IsHTML: false}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if header != n.ID.String() {
		t.Errorf("notification header = %q", header)
	}
	if got.UserID != "user-9" || got.Subject != "New order" || got.Body != "Order shipped" {
		t.Errorf("unexpected inbox message: %+v", got)
	}
	if got.Metadata["order"] != "42" {
		t.Errorf("metadata not forwarded: %v", got.Metadata)
	}
}

func TestInAppBackend_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("inbox overloaded"))
	}))
	defer server.Close()

	b := NewInAppBackend(InAppConfig{InboxURL: server.URL}, zap.NewNop())

	n := makeNotification(t, notification.ChannelInApp, "user-9", "ada@example.com", "")
	if err := b.Send(context.Background(), n, content.Content{Body: "b"}); err == nil {
		t.Error("expected error for non-2xx response")
	}

	anonymous := makeNotification(t, notification.ChannelInApp, "", "ada@example.com", "")
	if err := b.Send(context.Background(), anonymous, content.Content{Body: "b"}); !errors.Is(err, notification.ErrRecipientUnreachable) {
		t.Errorf("expected unreachable error for recipient without user id, got %v", err)
	}
}
