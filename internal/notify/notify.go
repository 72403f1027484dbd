package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const subjectPrefix = "covigo.notifications"

// Notification is the payload consumed by the messaging service, which owns
// rendering and delivery.
type Notification struct {
	RecipientID int64     `json:"recipient_id"`
	Text        string    `json:"text"`
	Href        string    `json:"href,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

func Subject(recipientID int64) string {
	return fmt.Sprintf("%s.%d", subjectPrefix, recipientID)
}

// NATSSink publishes notifications fire-and-forget. Publish errors are logged
// and never returned to the caller.
type NATSSink struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func NewNATSSink(nc *nats.Conn, logger *zap.Logger) *NATSSink {
	return &NATSSink{nc: nc, logger: logger}
}

func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("covigo-scheduling"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func (s *NATSSink) Notify(_ context.Context, recipientID int64, text, href string) {
	data, err := json.Marshal(Notification{
		RecipientID: recipientID,
		Text:        text,
		Href:        href,
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("marshal notification", zap.Error(err))
		return
	}

	if err := s.nc.Publish(Subject(recipientID), data); err != nil {
		s.logger.Warn("publish notification",
			zap.Int64("recipient_id", recipientID),
			zap.Error(err),
		)
	}
}

// LogSink only logs notifications. Used when no broker is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, recipientID int64, text, href string) {
	s.logger.Info("notification",
		zap.Int64("recipient_id", recipientID),
		zap.String("text", text),
		zap.String("href", href),
	)
}
