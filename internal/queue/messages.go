package queue

import (
	"encoding/json"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/atranelis/recall/pkg/logger"
)

// RunRequestMsg asks the worker for an extraction run outside the periodic
// schedule.
type RunRequestMsg struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// DecodeRunRequest parses a run request body. Malformed or empty bodies
// still trigger a run under a generic reason; a bad message must not be
// able to suppress work.
func DecodeRunRequest(data []byte) RunRequestMsg {
	msg := RunRequestMsg{Reason: "request"}
	if len(data) == 0 {
		return msg
	}
	var decoded RunRequestMsg
	if err := json.Unmarshal(data, &decoded); err != nil || decoded.Reason == "" {
		return msg
	}
	return decoded
}

// NotifyMsg is one run event for downstream consumers.
type NotifyMsg struct {
	Event  string    `json:"event"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// Notifier publishes run events to the notify queue. A nil Notifier is
// silent, so the pipeline works without a broker connection.
type Notifier struct {
	ch *amqp091.Channel
}

func NewNotifier(ch *amqp091.Channel) *Notifier {
	return &Notifier{ch: ch}
}

// Publish sends one event. Publish failures are logged, never propagated:
// notifications are best-effort and must not fail a run.
func (n *Notifier) Publish(event, detail string) {
	if n == nil || n.ch == nil {
		return
	}
	data, err := json.Marshal(NotifyMsg{Event: event, Detail: detail, At: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := PublishFIFO(n.ch, NotifyQueue, data); err != nil {
		logger.Warn("notify publish failed", "event", event, "err", err)
	}
}
