package sink

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/pitfeed/errors"
	"github.com/c360/pitfeed/metric"
)

// Subject prefixes for published updates.
const (
	stateSubjectPrefix = "pitfeed.state."
	eventSubjectPrefix = "pitfeed.event."
)

// envelope wraps every published payload with a message id and timestamp so
// consumers can deduplicate and order across reconnects.
type envelope struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// Publisher is the subject-publish surface the sink needs. Satisfied by
// natsclient.Client.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes updates to NATS subjects: state snapshots on
// pitfeed.state.<concept>, events on pitfeed.event.<name>.
type NATS struct {
	client  Publisher
	logger  *slog.Logger
	metrics *metric.Core
}

// NewNATS creates a NATS sink. metrics may be nil.
func NewNATS(client Publisher, logger *slog.Logger, metrics *metric.Core) *NATS {
	return &NATS{
		client:  client,
		logger:  logger.With("component", "nats_sink"),
		metrics: metrics,
	}
}

var _ Sink = (*NATS)(nil)

// PublishState implements Sink.
func (n *NATS) PublishState(concept string, payload any) error {
	return n.publish(stateSubjectPrefix+concept, "state", payload)
}

// PublishEvent implements Sink.
func (n *NATS) PublishEvent(name string, payload any) error {
	return n.publish(eventSubjectPrefix+name, "event", payload)
}

func (n *NATS) publish(subject, kind string, payload any) error {
	data, err := json.Marshal(envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		n.countError()
		return errors.WrapInvalid(err, "nats_sink", "publish", "marshal envelope")
	}

	if err := n.client.Publish(subject, data); err != nil {
		n.countError()
		n.logger.Warn("publish failed", "subject", subject, "error", err)
		return err
	}

	if n.metrics != nil {
		n.metrics.SinkPublished.WithLabelValues(kind).Inc()
	}
	return nil
}

func (n *NATS) countError() {
	if n.metrics != nil {
		n.metrics.SinkErrors.Inc()
	}
}
