package syncclient

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"scheme-hand/messaging"
)

// Triggerer nimmt Sync-Anforderungen entgegen.
type Triggerer interface {
	Trigger(reason string) bool
}

// Listener leert die Benachrichtigungs-Queue. Jede gültige Nachricht ist nur ein Trigger;
// die Payload wird nie als Datenquelle verwendet.
type Listener struct {
	Subscriber message.Subscriber
	Topic      string
	Target     Triggerer
	Logger     *zap.Logger
}

// NewListener erstellt einen neuen Listener.
func NewListener(sub message.Subscriber, topic string, target Triggerer, logger *zap.Logger) *Listener {
	return &Listener{Subscriber: sub, Topic: topic, Target: target, Logger: logger}
}

// Run abonniert das Topic und verarbeitet Nachrichten, bis ctx endet oder der Kanal geschlossen wird.
func (l *Listener) Run(ctx context.Context) error {
	msgs, err := l.Subscriber.Subscribe(ctx, l.Topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.Topic, err)
	}
	l.Logger.Info("Warte auf Benachrichtigungen", zap.String("topic", l.Topic))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			l.handle(msg)
		}
	}
}

func (l *Listener) handle(msg *message.Message) {
	// auch ungültige Nachrichten bestätigen
	defer msg.Ack()

	ev, ok := messaging.DecodeEvent(msg.Payload)
	if !ok {
		l.Logger.Warn("Ungültige Benachrichtigung verworfen", zap.String("message_id", msg.UUID))
		return
	}
	queued := l.Target.Trigger("notification")
	l.Logger.Debug("Benachrichtigung empfangen",
		zap.String("type", string(ev.Type)),
		zap.String("scheme_id", ev.SchemeID),
		zap.Bool("queued", queued))
}
