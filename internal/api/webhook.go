package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/AllybyWaiter/AllyGate/internal/assistant"
	"github.com/AllybyWaiter/AllyGate/internal/messaging"
	"github.com/AllybyWaiter/AllyGate/internal/models"
)

// TwilioSignatureHeader carries Twilio's HMAC signature of a webhook request.
const TwilioSignatureHeader = "X-Twilio-Signature"

// emptyTwiML acknowledges a webhook without an inline reply. Replies are sent
// through the REST API so long answers can be split.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// twilioWebhookHandler runs an inbound WhatsApp message through the pipeline
// and sends the reply back to the sender.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Debug("Server.twilioWebhookHandler: invalid form", "error", err)
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.webhookURL, params, r.Header.Get(TwilioSignatureHeader)) {
			slog.Warn("Server.twilioWebhookHandler: signature rejected", "remoteAddr", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	inbound, err := s.twilio.ParseTwilioInbound(r.PostForm)
	if err != nil {
		slog.Debug("Server.twilioWebhookHandler: ignoring inbound", "error", err)
		if errors.Is(err, messaging.ErrEmptyInbound) {
			writeTwiML(w)
			return
		}
		http.Error(w, "invalid sender", http.StatusBadRequest)
		return
	}

	convID := inbound.ConversationID(messaging.TwilioChannel)
	claimed := false
	if s.ledger != nil && inbound.MessageID != "" {
		fresh, err := s.ledger.RecordInbound(inbound.MessageID, convID)
		switch {
		case err != nil:
			slog.Error("Server.twilioWebhookHandler: inbound ledger unavailable", "messageID", inbound.MessageID, "error", err)
		case !fresh:
			slog.Info("Server.twilioWebhookHandler: duplicate delivery ignored", "messageID", inbound.MessageID, "conversationID", convID)
			writeTwiML(w)
			return
		default:
			claimed = true
		}
	}

	result, err := s.pipeline.HandleTurn(r.Context(), convID, models.TurnRequest{
		Content:       inbound.Body,
		HasAttachment: inbound.MediaCount > 0,
		MessageID:     inbound.MessageID,
	})
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			slog.Warn("Server.twilioWebhookHandler: inbound rejected", "conversationID", convID, "error", err)
			s.markInbound(claimed, inbound.MessageID)
			writeTwiML(w)
			return
		}
		slog.Error("Server.twilioWebhookHandler: turn failed", "conversationID", convID, "error", err)
		s.releaseInbound(claimed, inbound.MessageID)
		http.Error(w, "turn failed", http.StatusInternalServerError)
		return
	}

	reply, err := result.ReplyText()
	switch {
	case errors.Is(err, assistant.ErrGeneratorNotConfigured):
		slog.Warn("Server.twilioWebhookHandler: no generator configured, reply skipped", "conversationID", convID, "outcome", result.Outcome())
	case reply == "":
		slog.Debug("Server.twilioWebhookHandler: empty reply, nothing sent", "conversationID", convID)
	case s.outbox != nil:
		id, err := s.outbox.EnqueueReply(convID, inbound.From, reply, inbound.MessageID)
		if err != nil {
			slog.Error("Server.twilioWebhookHandler: failed to queue reply", "conversationID", convID, "error", err)
			s.releaseInbound(claimed, inbound.MessageID)
			http.Error(w, "reply failed", http.StatusInternalServerError)
			return
		}
		slog.Debug("Server.twilioWebhookHandler: reply queued", "conversationID", convID, "replyID", id)
	default:
		if err := s.twilio.SendMessage(r.Context(), inbound.From, reply); err != nil {
			slog.Error("Server.twilioWebhookHandler: failed to send reply", "conversationID", convID, "error", err)
			s.releaseInbound(claimed, inbound.MessageID)
			http.Error(w, "reply failed", http.StatusBadGateway)
			return
		}
	}
	s.markInbound(claimed, inbound.MessageID)
	writeTwiML(w)
}

// markInbound records a claimed message as handled once its reply is queued or
// sent. Redeliveries after this point are dropped.
func (s *Server) markInbound(claimed bool, messageID string) {
	if !claimed {
		return
	}
	if err := s.ledger.MarkInboundProcessed(messageID); err != nil {
		slog.Error("Server.markInbound: failed to mark inbound processed", "messageID", messageID, "error", err)
	}
}

// releaseInbound drops a claim so the channel's redelivery is processed again.
func (s *Server) releaseInbound(claimed bool, messageID string) {
	if !claimed {
		return
	}
	if err := s.ledger.ReleaseInbound(messageID); err != nil {
		slog.Error("Server.releaseInbound: failed to release inbound", "messageID", messageID, "error", err)
	}
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(emptyTwiML)); err != nil {
		slog.Error("Server.writeTwiML: failed to write response", "error", err)
	}
}
