package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/AllybyWaiter/AllyGate/internal/twiliowhatsapp"
)

const (
	// TwilioChannel names the WhatsApp-over-Twilio channel in conversation IDs.
	TwilioChannel = "whatsapp"
	// MaxTwilioBodyLength is the longest body Twilio accepts for one WhatsApp message.
	MaxTwilioBodyLength = 1600
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client twiliowhatsapp.Sender // Could be real Twilio client or MockClient
}

// NewTwilioService creates a new TwilioService around a Twilio sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It strips the whatsapp: prefix, removes all non-numeric characters and requires at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimPrefix(strings.TrimSpace(recipient), twiliowhatsapp.AddressPrefix)
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	canonical := "+" + digits
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// SendMessage sends a message via Twilio, one request per chunk.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	chunks := s.Chunks(body)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.client.SendMessage(ctx, canonicalTo, chunk); err != nil {
			return chunkError(i, len(chunks), err)
		}
	}
	slog.Debug("TwilioService SendMessage succeeded", "to", canonicalTo, "chunks", len(chunks))
	return nil
}

// Chunks splits body into the pieces SendMessage delivers as separate messages.
func (s *TwilioService) Chunks(body string) []string {
	return SplitBody(body, MaxTwilioBodyLength)
}

// chunkError names the failed chunk when a body was split.
func chunkError(i, total int, err error) error {
	if total <= 1 {
		return err
	}
	return fmt.Errorf("chunk %d/%d: %w", i+1, total, err)
}

// ParseTwilioInbound extracts an inbound message from a Twilio webhook form.
func (s *TwilioService) ParseTwilioInbound(form url.Values) (Inbound, error) {
	from := form.Get("From")
	body := form.Get("Body")
	mediaCount, _ := strconv.Atoi(form.Get("NumMedia"))

	if from == "" || (strings.TrimSpace(body) == "" && mediaCount == 0) {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "", "body_set", body != "", "numMedia", mediaCount)
		return Inbound{}, ErrEmptyInbound
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{From: canonical, Body: body, MediaCount: mediaCount, MessageID: form.Get("MessageSid")}, nil
}

// SplitBody breaks body into chunks of at most limit runes, preferring to cut
// at the last newline or space inside each chunk.
func SplitBody(body string, limit int) []string {
	runes := []rune(body)
	if limit <= 0 || len(runes) <= limit {
		return []string{body}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i] == '\n' || runes[i] == ' ' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
