package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/mmdatafocus/estate_backend/config"
)

// PublishFunc matches config.PublishWithResult.
type PublishFunc func(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)

// PubSubSender hands emails to a mail worker through a Pub/Sub topic.
type PubSubSender struct {
	topic   string
	publish PublishFunc
}

func PubSubTopicFromEnv() string {
	return strings.TrimSpace(os.Getenv("NOTIFY_PUBSUB_TOPIC"))
}

func NewPubSubSender(topic string, publish PublishFunc) (*PubSubSender, error) {
	if topic == "" {
		return nil, errors.New("NOTIFY_PUBSUB_TOPIC is required")
	}
	if publish == nil {
		publish = config.PublishWithResult
	}
	return &PubSubSender{topic: topic, publish: publish}, nil
}

func (s *PubSubSender) Send(ctx context.Context, email Email) error {
	if err := email.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(email)
	if err != nil {
		return err
	}
	attrs := map[string]string{"type": "email"}
	if email.Kind != "" {
		attrs["kind"] = email.Kind
	}
	if email.CorrelationId != "" {
		attrs["correlation_id"] = email.CorrelationId
	}
	_, err = s.publish(ctx, s.topic, data, attrs)
	return err
}
