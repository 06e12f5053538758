package messaging

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/AllybyWaiter/AllyGate/internal/twiliowhatsapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwilioService_ImplementsService(t *testing.T) {
	var _ Service = (*TwilioService)(nil)
}

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"whatsapp:+15551234567", "+15551234567", false},
		{"+1 (555) 123-4567", "+15551234567", false},
		{"15551234567", "+15551234567", false},
		{"", "", true},
		{"whatsapp:", "", true},
		{"abc", "", true},
		{"+123", "", true},
	}
	for _, tt := range tests {
		got, err := svc.ValidateAndCanonicalizeRecipient(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	require.NoError(t, svc.SendMessage(context.Background(), "whatsapp:+15551234567", "How many gallons is your pool?"))
	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+15551234567", sent[0].To)
	assert.Equal(t, "How many gallons is your pool?", sent[0].Body)
}

func TestTwilioService_SendMessage_Chunks(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	body := strings.Repeat("word ", 700)
	require.NoError(t, svc.SendMessage(context.Background(), "+15551234567", body))
	sent := mock.Sent()
	require.Len(t, sent, 3)
	for _, m := range sent {
		assert.LessOrEqual(t, len([]rune(m.Body)), MaxTwilioBodyLength)
	}
}

func TestTwilioService_SendMessage_Errors(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	assert.Error(t, svc.SendMessage(context.Background(), "nope", "hi"))

	mock.Err = errors.New("twilio down")
	err := svc.SendMessage(context.Background(), "+15551234567", "hi")
	assert.ErrorIs(t, err, mock.Err)
	assert.Equal(t, "twilio down", err.Error(), "single message errors are not prefixed")

	mock.FailCall = 3
	err = svc.SendMessage(context.Background(), "+15551234567", strings.Repeat("word ", 700))
	assert.ErrorIs(t, err, mock.Err)
	assert.Equal(t, "chunk 2/3: twilio down", err.Error())
}

func TestParseTwilioInbound(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	in, err := svc.ParseTwilioInbound(url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"my pool is green"}})
	require.NoError(t, err)
	assert.Equal(t, Inbound{From: "+15551234567", Body: "my pool is green"}, in)
	assert.Equal(t, "whatsapp:+15551234567", in.ConversationID(TwilioChannel))

	in, err = svc.ParseTwilioInbound(url.Values{"From": {"whatsapp:+15551234567"}, "NumMedia": {"1"}, "MessageSid": {"SM123"}})
	require.NoError(t, err)
	assert.Equal(t, 1, in.MediaCount)
	assert.Equal(t, "SM123", in.MessageID)

	_, err = svc.ParseTwilioInbound(url.Values{"Body": {"hi"}})
	assert.ErrorIs(t, err, ErrEmptyInbound)
	_, err = svc.ParseTwilioInbound(url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"  "}})
	assert.ErrorIs(t, err, ErrEmptyInbound)
}

func TestSplitBody(t *testing.T) {
	assert.Equal(t, []string{"short"}, SplitBody("short", 10))
	assert.Equal(t, []string{""}, SplitBody("", 10))

	chunks := SplitBody("alpha beta gamma delta", 11)
	assert.Equal(t, []string{"alpha beta", "gamma delta"}, chunks)

	chunks = SplitBody(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, chunks)
}
