// Package webhooks delivers channel lifecycle notifications to the HTTP
// endpoints an app configured, and optionally mirrors every payload onto
// a Kafka topic. Delivery is asynchronous and best effort: a full queue
// drops rather than backpressures the publish path.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/ollivr/soketi/internal/apps"
	"github.com/ollivr/soketi/internal/auth"
)

// Webhook event types, matching the names backends already consume.
const (
	EventChannelOccupied = "channel_occupied"
	EventChannelVacated  = "channel_vacated"
	EventMemberAdded     = "member_added"
	EventMemberRemoved   = "member_removed"
	EventClientEvent     = "client_event"
)

// Event is one webhook notification.
type Event struct {
	Name     string          `json:"name"`
	Channel  string          `json:"channel"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
}

// envelope is the body POSTed to webhook targets.
type envelope struct {
	ID     string  `json:"id"`
	TimeMS int64   `json:"time_ms"`
	Events []Event `json:"events"`
}

type job struct {
	app   *apps.App
	event Event
}

const (
	queueSize    = 1024
	workerCount  = 4
	sendAttempts = 3
	sendTimeout  = 10 * time.Second
)

// Dispatcher implements channels.WebhookSender.
type Dispatcher struct {
	client     *http.Client
	producer   sarama.SyncProducer // nil disables the Kafka mirror
	kafkaTopic string

	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher builds a dispatcher. producer may be nil when no Kafka
// mirror is configured.
func NewDispatcher(producer sarama.SyncProducer, kafkaTopic string) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		client:     &http.Client{Timeout: sendTimeout},
		producer:   producer,
		kafkaTopic: kafkaTopic,
		queue:      make(chan job, queueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < workerCount; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) Stop() {
	d.cancel()
}

func (d *Dispatcher) ChannelOccupied(app *apps.App, channel string) {
	d.dispatch(app, Event{Name: EventChannelOccupied, Channel: channel})
}

func (d *Dispatcher) ChannelVacated(app *apps.App, channel string) {
	d.dispatch(app, Event{Name: EventChannelVacated, Channel: channel})
}

func (d *Dispatcher) MemberAdded(app *apps.App, channel, userID string) {
	d.dispatch(app, Event{Name: EventMemberAdded, Channel: channel, UserID: userID})
}

func (d *Dispatcher) MemberRemoved(app *apps.App, channel, userID string) {
	d.dispatch(app, Event{Name: EventMemberRemoved, Channel: channel, UserID: userID})
}

func (d *Dispatcher) ClientEvent(app *apps.App, channel, event string, data json.RawMessage, socketID string) {
	d.dispatch(app, Event{
		Name:     EventClientEvent,
		Channel:  channel,
		Event:    event,
		Data:     data,
		SocketID: socketID,
	})
}

func (d *Dispatcher) dispatch(app *apps.App, event Event) {
	if len(app.Webhooks) == 0 && d.producer == nil {
		return
	}
	select {
	case d.queue <- job{app: app, event: event}:
	default:
		slog.Warn("Webhook queue full, dropping event",
			"appID", app.ID, "event", event.Name, "channel", event.Channel)
	}
}

func (d *Dispatcher) worker() {
	for {
		select {
		case j := <-d.queue:
			d.deliver(j.app, j.event)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) deliver(app *apps.App, event Event) {
	body, err := json.Marshal(envelope{
		ID:     uuid.New().String(),
		TimeMS: time.Now().UnixMilli(),
		Events: []Event{event},
	})
	if err != nil {
		slog.Error("Failed to marshal webhook body", "appID", app.ID, "error", err)
		return
	}

	if d.producer != nil {
		d.mirrorToKafka(app, body)
	}

	signature := auth.SignWebhook(app.Secret, body)
	for _, target := range app.Webhooks {
		if !target.WantsEvent(event.Name) {
			continue
		}
		d.post(app, target.URL, body, signature)
	}
}

func (d *Dispatcher) post(app *apps.App, url string, body []byte, signature string) {
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			slog.Error("Failed to build webhook request", "appID", app.ID, "url", url, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Pusher-Key", app.Key)
		req.Header.Set("X-Pusher-Signature", signature)

		resp, err := d.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return
			}
			lastErr = fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-d.ctx.Done():
			return
		}
	}
	slog.Warn("Webhook delivery failed", "appID", app.ID, "url", url, "error", lastErr)
}

func (d *Dispatcher) mirrorToKafka(app *apps.App, body []byte) {
	_, _, err := d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.kafkaTopic,
		Key:   sarama.StringEncoder(app.ID),
		Value: sarama.ByteEncoder(body),
	})
	if err != nil {
		slog.Warn("Failed to mirror webhook to Kafka", "appID", app.ID, "error", err)
	}
}
