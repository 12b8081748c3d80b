package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func TestRender_VerificationCode(t *testing.T) {
	e, err := Render("verification_code", "a@example.com", TemplateData{RecipientName: "Aye", AssetName: "House <1>", Code: "04217", DistributionType: "gift"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if e.Subject == "" || e.To != "a@example.com" || e.ToName != "Aye" {
		t.Fatalf("unexpected email header fields: %+v", e)
	}
	if !strings.Contains(e.HTMLBody, "04217") {
		t.Fatalf("expected code in body")
	}
	if strings.Contains(e.HTMLBody, "House <1>") {
		t.Fatalf("expected asset name to be escaped")
	}
}

func TestRender_PlainTextBody(t *testing.T) {
	e, err := Render("distribution_completed", "a@example.com", TemplateData{RecipientName: "Aye", AssetName: "House <1>", AdminName: "Registrar", DistributionType: "gift", DocumentURL: "https://docs.example.com/d-1.pdf"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(e.TextBody, "House <1>") || !strings.Contains(e.TextBody, "https://docs.example.com/d-1.pdf") {
		t.Fatalf("unexpected text body %q", e.TextBody)
	}
	if strings.Contains(e.TextBody, "<p>") || strings.Contains(e.TextBody, "&lt;") {
		t.Fatalf("expected text body without markup, got %q", e.TextBody)
	}
}

func TestRender_UnknownTemplate(t *testing.T) {
	if _, err := Render("nope", "a@example.com", TemplateData{}); err == nil {
		t.Fatalf("expected error for unknown template")
	}
}

func TestPubSubSender_PublishesEmailJSON(t *testing.T) {
	var gotTopic string
	var got Email
	var gotAttrs map[string]string
	s, err := NewPubSubSender("mail", func(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
		gotTopic = topic
		gotAttrs = attrs
		return "1", json.Unmarshal(data, &got)
	})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	err = s.Send(context.Background(), Email{To: "b@example.com", Subject: "s", HTMLBody: "<p>x</p>", Kind: "agreement_signed", CorrelationId: "c-1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotTopic != "mail" || got.To != "b@example.com" || gotAttrs["kind"] != "agreement_signed" || gotAttrs["correlation_id"] != "c-1" {
		t.Fatalf("unexpected publish: topic=%s email=%+v attrs=%v", gotTopic, got, gotAttrs)
	}
}

func TestPubSubSender_RejectsEmptyRecipientAndPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	s, _ := NewPubSubSender("mail", func(context.Context, string, []byte, map[string]string) (string, error) {
		return "", boom
	})
	if err := s.Send(context.Background(), Email{Subject: "s"}); err == nil {
		t.Fatalf("expected error for empty recipient")
	}
	if err := s.Send(context.Background(), Email{To: "x@example.com", Subject: "s", TextBody: "x"}); !errors.Is(err, boom) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestNewSMTPSender_RequiresHostAndFrom(t *testing.T) {
	if _, err := NewSMTPSender(SMTPConfig{From: "x@example.com"}); err == nil {
		t.Fatalf("expected error without host")
	}
	if _, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com"}); err == nil {
		t.Fatalf("expected error without from")
	}
	s, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "x@example.com"})
	if err != nil {
		t.Fatalf("new smtp sender: %v", err)
	}
	m := s.message(Email{To: "y@example.com", ToName: "Y", Subject: "hello", HTMLBody: "<p>hi</p>"})
	if got := m.GetHeader("Subject"); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected subject header %v", got)
	}
}

func TestSMTPSender_SendsTextAndHTMLAlternatives(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "x@example.com"})
	if err != nil {
		t.Fatalf("new smtp sender: %v", err)
	}
	tests := []struct {
		name  string
		email Email
		want  []string
		skip  []string
	}{
		{"both", Email{To: "y@example.com", Subject: "s", TextBody: "plain hi", HTMLBody: "<p>hi</p>"}, []string{"multipart/alternative", "text/plain", "text/html", "plain hi"}, nil},
		{"html only", Email{To: "y@example.com", Subject: "s", HTMLBody: "<p>hi</p>"}, []string{"text/html"}, []string{"multipart/alternative", "text/plain"}},
		{"text only", Email{To: "y@example.com", Subject: "s", TextBody: "plain hi"}, []string{"text/plain", "plain hi"}, []string{"multipart/alternative", "text/html"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if _, err := s.message(tt.email).WriteTo(&buf); err != nil {
				t.Fatalf("write message: %v", err)
			}
			raw := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(raw, w) {
					t.Fatalf("expected %q in message:\n%s", w, raw)
				}
			}
			for _, w := range tt.skip {
				if strings.Contains(raw, w) {
					t.Fatalf("did not expect %q in message:\n%s", w, raw)
				}
			}
		})
	}
}

func TestPubSubSender_RejectsEmptyBody(t *testing.T) {
	s, _ := NewPubSubSender("mail", func(context.Context, string, []byte, map[string]string) (string, error) {
		return "1", nil
	})
	if err := s.Send(context.Background(), Email{To: "x@example.com", Subject: "s"}); err == nil {
		t.Fatalf("expected error for empty body")
	}
}

type recordingSender struct {
	sent []Email
	err  error
}

func (r *recordingSender) Send(ctx context.Context, email Email) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, email)
	return nil
}

func pushBody(t *testing.T, data []byte) *bytes.Reader {
	t.Helper()
	var envelope PubSubPushEnvelope
	envelope.Message.Data = data
	envelope.Message.ID = "m-1"
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return bytes.NewReader(raw)
}

func TestRelayPushHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	valid, _ := json.Marshal(Email{To: "c@example.com", Subject: "s", HTMLBody: "<p>x</p>"})
	cases := []struct {
		name     string
		body     *bytes.Reader
		sendErr  error
		want     int
		wantSent int
	}{
		{"delivered", pushBody(t, valid), nil, http.StatusNoContent, 1},
		{"malformed envelope acked", bytes.NewReader([]byte("{")), nil, http.StatusNoContent, 0},
		{"invalid email acked", pushBody(t, []byte(`{"subject":"s"}`)), nil, http.StatusNoContent, 0},
		{"send failure retried", pushBody(t, valid), errors.New("smtp down"), http.StatusInternalServerError, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &recordingSender{err: tc.sendErr}
			r := gin.New()
			r.POST("/pubsub/email", RelayPushHandler(sender, logger))

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pubsub/email", tc.body))
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
			if len(sender.sent) != tc.wantSent {
				t.Fatalf("sent = %d, want %d", len(sender.sent), tc.wantSent)
			}
		})
	}
}
