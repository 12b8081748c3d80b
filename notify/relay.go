package notify

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PubSubPushEnvelope is the body Pub/Sub POSTs to a push subscription.
type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// RelayPushHandler delivers emails published by PubSubSender through sender.
// Malformed messages are acked (2xx) so they are not redelivered forever; a failed
// send answers 500 so Pub/Sub retries it and eventually routes it to the DLQ.
func RelayPushHandler(sender Sender, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			logger.WithField("field", "RelayPushHandler").Warn("dropping malformed push envelope: " + err.Error())
			c.Status(http.StatusNoContent)
			return
		}

		var email Email
		if err := json.Unmarshal(envelope.Message.Data, &email); err != nil {
			logger.WithFields(logrus.Fields{
				"field":      "RelayPushHandler",
				"message_id": envelope.Message.ID,
			}).Warn("dropping malformed email payload: " + err.Error())
			c.Status(http.StatusNoContent)
			return
		}
		if err := email.validate(); err != nil {
			logger.WithFields(logrus.Fields{
				"field":      "RelayPushHandler",
				"message_id": envelope.Message.ID,
			}).Warn("dropping invalid email: " + err.Error())
			c.Status(http.StatusNoContent)
			return
		}

		if err := sender.Send(c.Request.Context(), email); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "RelayPushHandler",
				"message_id":     envelope.Message.ID,
				"kind":           email.Kind,
				"correlation_id": email.CorrelationId,
			}).Error("email relay failed: " + err.Error())
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
