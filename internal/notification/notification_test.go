package notification

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustRecipient(t *testing.T) Recipient {
	t.Helper()
	r, err := NewRecipient("user-1", "ada@example.com", "")
	require.NoError(t, err)
	return r
}

func newPending(t *testing.T) *Notification {
	t.Helper()
	n, _, err := New(Params{
		Channel:   ChannelEmail,
		Recipient: mustRecipient(t),
		Subject:   "Hello",
		Body:      "World",
	}, testNow)
	require.NoError(t, err)
	return n
}

func TestNew_StartsPendingWithQueuedEvent(t *testing.T) {
	n, ev, err := New(Params{
		Channel:       ChannelEmail,
		Recipient:     mustRecipient(t),
		Subject:       "Hello",
		Body:          "World",
		Metadata:      map[string]string{"FirstName": "Ada"},
		CorrelationID: "corr-1",
	}, testNow)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, n.Status)
	assert.Equal(t, 0, n.AttemptCount)
	assert.Nil(t, n.NextAttemptAt)
	assert.Equal(t, testNow, n.CreatedAt)

	assert.Equal(t, EventQueued, ev.EventType())
	assert.Equal(t, n.ID, ev.NotificationID)
	assert.Equal(t, "user-1", ev.RecipientUserID)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.Equal(t, testNow, ev.SendAfter)
}

func TestNew_CopiesMetadata(t *testing.T) {
	meta := map[string]string{"k": "v"}
	n, _, err := New(Params{Channel: ChannelSMS, Recipient: mustRecipient(t), Subject: "s", Body: "b", Metadata: meta}, testNow)
	require.NoError(t, err)

	meta["k"] = "changed"
	assert.Equal(t, "v", n.Metadata["k"])
}

func TestNew_Validation(t *testing.T) {
	rec := mustRecipient(t)

	tests := []struct {
		name    string
		params  Params
		wantErr error
	}{
		{
			name:    "missing recipient",
			params:  Params{Channel: ChannelEmail, Subject: "s", Body: "b"},
			wantErr: ErrNoContactMethod,
		},
		{
			name:    "missing body without template",
			params:  Params{Channel: ChannelEmail, Recipient: rec, Subject: "s"},
			wantErr: ErrMissingContent,
		},
		{
			name:    "blank subject without template",
			params:  Params{Channel: ChannelEmail, Recipient: rec, Subject: "  ", Body: "b"},
			wantErr: ErrMissingContent,
		},
		{
			name:    "unknown channel",
			params:  Params{Channel: "pigeon", Recipient: rec, Subject: "s", Body: "b"},
			wantErr: ErrInvalidChannel,
		},
		{
			name:   "template without content",
			params: Params{Channel: ChannelInApp, Recipient: rec, TemplateKey: "welcome"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := New(tt.params, testNow)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestIsReadyToDispatch_NonPendingNeverReady(t *testing.T) {
	for _, status := range []Status{StatusDispatched, StatusDelivered, StatusFailed, StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			n := newPending(t)
			n.Status = status
			assert.False(t, n.IsReadyToDispatch(testNow.Add(24*time.Hour)))
		})
	}
}

func TestIsReadyToDispatch_Schedule(t *testing.T) {
	n := newPending(t)
	assert.True(t, n.IsReadyToDispatch(testNow))

	future := testNow.Add(10 * time.Minute)
	n.ScheduledSendAt = &future
	assert.False(t, n.IsReadyToDispatch(testNow))
	assert.True(t, n.IsReadyToDispatch(future))
}

func TestIsReadyToDispatch_UsesLaterOfScheduleAndRetry(t *testing.T) {
	n := newPending(t)
	next := testNow.Add(time.Minute)
	n.NextAttemptAt = &next

	assert.False(t, n.IsReadyToDispatch(testNow.Add(30*time.Second)))
	assert.True(t, n.IsReadyToDispatch(next))
}

func TestIsDue_RespectsBudget(t *testing.T) {
	n := newPending(t)
	n.AttemptCount = MaxAttempts
	assert.True(t, n.IsReadyToDispatch(testNow))
	assert.False(t, n.IsDue(testNow))
}

func TestRecordAttempt(t *testing.T) {
	n := newPending(t)
	at := testNow.Add(time.Second)
	n.RecordAttempt(at)

	assert.Equal(t, 1, n.AttemptCount)
	require.NotNil(t, n.LastAttemptedAt)
	assert.Equal(t, at, *n.LastAttemptedAt)
	assert.Equal(t, at, n.UpdatedAt)
}

func TestHandleFailure_SchedulesRetry(t *testing.T) {
	n := newPending(t)
	for attempt := 1; attempt < MaxAttempts; attempt++ {
		n.RecordAttempt(testNow)
		n.HandleFailure("smtp timeout", testNow)

		assert.Equal(t, StatusPending, n.Status)
		require.NotNil(t, n.NextAttemptAt)
		assert.True(t, n.NextAttemptAt.After(testNow))
		assert.Equal(t, testNow.Add(Backoff(attempt)), *n.NextAttemptAt)
		assert.Equal(t, "smtp timeout", n.Error())
	}
}

func TestHandleFailure_ExhaustsBudget(t *testing.T) {
	n := newPending(t)
	for i := 0; i < MaxAttempts; i++ {
		n.RecordAttempt(testNow)
		n.HandleFailure("boom", testNow)
	}

	assert.Equal(t, StatusFailed, n.Status)
	assert.Nil(t, n.NextAttemptAt)
	assert.Equal(t, MaxAttempts, n.AttemptCount)
	assert.False(t, n.IsReadyToDispatch(testNow.Add(time.Hour)))
}

func TestMarkDelivered_ClearsFailureState(t *testing.T) {
	n := newPending(t)
	n.RecordAttempt(testNow)
	n.HandleFailure("boom", testNow)
	n.RecordAttempt(testNow.Add(time.Minute))
	n.MarkDelivered(testNow.Add(time.Minute))

	assert.Equal(t, StatusDelivered, n.Status)
	assert.Nil(t, n.LastError)
	assert.Nil(t, n.NextAttemptAt)
}

func TestMarkDispatched(t *testing.T) {
	n := newPending(t)
	require.NoError(t, n.MarkDispatched(testNow))
	assert.Equal(t, StatusDispatched, n.Status)
	assert.False(t, n.IsReadyToDispatch(testNow))

	n.MarkDelivered(testNow)
	assert.ErrorIs(t, n.MarkDispatched(testNow), ErrTerminal)
}

func TestCancel(t *testing.T) {
	n := newPending(t)
	next := testNow.Add(time.Minute)
	n.NextAttemptAt = &next

	require.NoError(t, n.Cancel("user unsubscribed", testNow))
	assert.Equal(t, StatusCancelled, n.Status)
	assert.Equal(t, "user unsubscribed", n.Error())
	assert.Nil(t, n.NextAttemptAt)

	assert.ErrorIs(t, n.Cancel("again", testNow), ErrTerminal)
}

func TestCancel_FromDispatched(t *testing.T) {
	n := newPending(t)
	require.NoError(t, n.MarkDispatched(testNow))
	require.NoError(t, n.Cancel("", testNow))
	assert.Equal(t, "cancelled", n.Error())
}

func TestRecipient(t *testing.T) {
	_, err := NewRecipient("u", " ", "")
	assert.ErrorIs(t, err, ErrNoContactMethod)

	a, err := NewRecipient("u", "a@example.com", "+15550100")
	require.NoError(t, err)
	b, err := NewRecipient("u", "a@example.com", "+15550100")
	require.NoError(t, err)
	c, err := NewRecipient("u", "a@example.com", "")
	require.NoError(t, err)

	assert.True(t, a == b)
	assert.False(t, a == c)

	data, err := json.Marshal(a)
	require.NoError(t, err)
	var decoded Recipient
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, a, decoded)

	assert.Error(t, json.Unmarshal([]byte(`{"user_id":"u"}`), &decoded))
}

func TestParseChannel(t *testing.T) {
	c, err := ParseChannel("in_app")
	require.NoError(t, err)
	assert.Equal(t, ChannelInApp, c)

	_, err = ParseChannel("Email")
	assert.ErrorIs(t, err, ErrInvalidChannel)
}
