package services

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"scheme-hand/messaging"
	"scheme-hand/models"
)

// Notifier verteilt Änderungsbenachrichtigungen an abonnierte Geräte.
// Zustellung ist best effort; der periodische Sync ist das Auffangnetz.
type Notifier interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

var messageNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://scheme-hand.app/notifications"))

// WatermillNotifier veröffentlicht Benachrichtigungen über einen Watermill-Publisher.
type WatermillNotifier struct {
	Publisher message.Publisher
	Topic     string
	Logger    *zap.Logger
}

// NewWatermillNotifier erstellt einen neuen WatermillNotifier.
func NewWatermillNotifier(pub message.Publisher, topic string, logger *zap.Logger) *WatermillNotifier {
	return &WatermillNotifier{Publisher: pub, Topic: topic, Logger: logger}
}

// Publish sendet ein Event. Die Message-ID ist aus Typ, ID und Fingerprint abgeleitet, sodass
// dieselbe Änderung immer dieselbe ID trägt.
func (n *WatermillNotifier) Publish(ctx context.Context, ev models.ChangeEvent) error {
	payload, err := messaging.EncodeEvent(ev)
	if err != nil {
		return &NotifyError{Event: ev, Err: err}
	}
	msgID := uuid.NewSHA1(messageNamespace, []byte(string(ev.Type)+"\x00"+ev.SchemeID+"\x00"+ev.Fingerprint)).String()
	msg := message.NewMessage(msgID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("type", string(ev.Type))

	if err := n.Publisher.Publish(n.Topic, msg); err != nil {
		return &NotifyError{Event: ev, Err: err}
	}
	n.Logger.Debug("Benachrichtigung gesendet", zap.String("type", string(ev.Type)), zap.String("scheme_id", ev.SchemeID))
	return nil
}

// Close schließt den Publisher.
func (n *WatermillNotifier) Close() error {
	return n.Publisher.Close()
}

// LogNotifier protokolliert Events nur. Wird verwendet, wenn kein Broker konfiguriert ist.
type LogNotifier struct {
	Logger *zap.Logger
}

// Publish loggt das Event.
func (n *LogNotifier) Publish(_ context.Context, ev models.ChangeEvent) error {
	n.Logger.Info("Änderung (kein Broker konfiguriert)", zap.String("type", string(ev.Type)), zap.String("scheme_id", ev.SchemeID))
	return nil
}
