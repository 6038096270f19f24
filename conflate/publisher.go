package conflate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const publishTimeout = 2 * time.Second

// ErrPublishTimeout reports that the broker did not acknowledge an event in time.
var ErrPublishTimeout = errors.New("publish not acknowledged")

// LabelEvent is the payload published for every stored decision.
type LabelEvent struct {
	EventID      string `json:"event_id"`
	Dataset      string `json:"dataset"`
	Neighborhood string `json:"neighborhood,omitempty"`
	IDExisting   string `json:"id_existing"`
	IDNew        string `json:"id_new"`
	Match        Label  `json:"match"`
	Username     string `json:"username"`
	Time         string `json:"time"`
}

// Publisher publishes label events to {prefix}/{dataset}/labels.
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
	logger *slog.Logger

	mu        sync.Mutex
	published int
	failed    int
}

// NewPublisher creates a publisher. A nil client disables publishing.
func NewPublisher(client mqtt.Client, config MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	prefix := config.TopicPrefix
	if prefix == "" {
		prefix = "conflator"
	}
	return &Publisher{client: client, prefix: prefix, qos: config.QoS, retain: config.Retain, logger: logger}
}

// Topic returns the label topic of a dataset.
func (p *Publisher) Topic(dataset string) string {
	return fmt.Sprintf("%s/%s/labels", p.prefix, dataset)
}

// PublishRecords sends one event per record.
func (p *Publisher) PublishRecords(dataset string, records []Record) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	topic := p.Topic(dataset)
	for _, r := range records {
		payload, err := json.Marshal(LabelEvent{
			EventID:      uuid.NewString(),
			Dataset:      dataset,
			Neighborhood: r.Neighborhood,
			IDExisting:   r.IDExisting,
			IDNew:        r.IDNew,
			Match:        r.Match,
			Username:     r.Username,
			Time:         r.Time.Format(TimeFormat),
		})
		if err != nil {
			return fmt.Errorf("marshaling label event: %w", err)
		}
		token := p.client.Publish(topic, p.qos, p.retain, payload)
		if !token.WaitTimeout(publishTimeout) {
			p.count(false)
			return fmt.Errorf("publishing to %s: %w after %s", topic, ErrPublishTimeout, publishTimeout)
		}
		if err := token.Error(); err != nil {
			p.count(false)
			return fmt.Errorf("publishing to %s: %w", topic, err)
		}
		p.count(true)
	}
	return nil
}

// Hook returns a State callback that publishes every stored batch. Failures are
// logged and never reach the labeler.
func (p *Publisher) Hook(dataset string) func([]Record) {
	return func(records []Record) {
		if err := p.PublishRecords(dataset, records); err != nil {
			p.logger.Warn("label events not published", "dataset", dataset, "records", len(records), "error", err)
		}
	}
}

func (p *Publisher) count(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.published++
	} else {
		p.failed++
	}
}

// Stats returns the number of published and failed events.
func (p *Publisher) Stats() (published, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.failed
}
