// Package notify delivers workflow emails. Delivery is best effort; nothing in the
// signing workflow waits on it for correctness.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Email struct {
	To       string `json:"to"`
	ToName   string `json:"to_name"`
	Subject  string `json:"subject"`
	TextBody string `json:"text_body"`
	HTMLBody string `json:"html_body"`
	// Kind and CorrelationId travel with relayed messages for tracing.
	Kind          string `json:"kind,omitempty"`
	CorrelationId string `json:"correlation_id,omitempty"`
}

func (e Email) validate() error {
	if strings.TrimSpace(e.To) == "" {
		return errors.New("email recipient is empty")
	}
	if strings.TrimSpace(e.Subject) == "" {
		return errors.New("email subject is empty")
	}
	if strings.TrimSpace(e.TextBody) == "" && strings.TrimSpace(e.HTMLBody) == "" {
		return errors.New("email body is empty")
	}
	return nil
}

type Sender interface {
	Send(ctx context.Context, email Email) error
}

// New returns the sender for transport ("smtp" or "pubsub"), configured from the environment.
func New(transport string) (Sender, error) {
	switch transport {
	case "", "smtp":
		s, err := NewSMTPSender(SMTPConfigFromEnv())
		if err != nil {
			return nil, err
		}
		return s, nil
	case "pubsub":
		s, err := NewPubSubSender(PubSubTopicFromEnv(), nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown notification transport: %s", transport)
}
