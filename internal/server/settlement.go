package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"groomnet/internal/config"
	"groomnet/internal/domain"
	"groomnet/internal/mq"
	"groomnet/internal/repo"
)

const (
	defaultDeliveryInterval = 2 * time.Second
	defaultDeliveryTimeout  = 5 * time.Second
	defaultDeliveryBatch    = 100
)

// settlementDispatcher tails the event log and hands money-movement signals
// (settlements, refunds on expiry and cancellation) to the wallet collaborator
// over webhooks and, when configured, an AMQP exchange. Each target keeps its
// own cursor, so a slow endpoint never blocks the others.
type settlementDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	pub      *mq.Publisher

	mu         sync.Mutex
	cursors    map[int]int64
	amqpCursor int64
	amqpInit   bool
}

// StartSettlementDispatcher runs the delivery loop until ctx is done. It is a
// no-op when neither webhooks nor AMQP are configured.
func StartSettlementDispatcher(ctx context.Context, r repo.Repo, cfg *config.Config, pub *mq.Publisher) {
	if len(cfg.Webhooks) == 0 && pub == nil {
		return
	}
	d := &settlementDispatcher{
		repo:     r,
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: defaultDeliveryTimeout},
		pub:      pub,
		cursors:  make(map[int]int64),
	}
	go d.run(ctx)
}

func (d *settlementDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultDeliveryInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *settlementDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
	if d.pub != nil {
		d.dispatchAMQP(ctx)
	}
}

func (d *settlementDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.repo.EventsAfter(ctx, defaultDeliveryBatch, cursor)
	if err != nil {
		log.Printf("settlement: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("settlement: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *settlementDispatcher) dispatchAMQP(ctx context.Context) {
	d.mu.Lock()
	if !d.amqpInit {
		cur, err := d.repo.LatestEventID(ctx)
		if err != nil {
			d.mu.Unlock()
			log.Printf("settlement: init amqp cursor failed: %v", err)
			return
		}
		d.amqpCursor = cur
		d.amqpInit = true
	}
	cursor := d.amqpCursor
	d.mu.Unlock()

	events, err := d.repo.EventsAfter(ctx, defaultDeliveryBatch, cursor)
	if err != nil {
		log.Printf("settlement: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		key, ok := amqpRoutingKey(evt.Type)
		if !ok {
			d.setAMQPCursor(evt.ID)
			continue
		}
		if err := d.pub.PublishJSON(ctx, key, deliveryBody(evt)); err != nil {
			log.Printf("settlement: amqp publish failed: %v", err)
			return
		}
		d.setAMQPCursor(evt.ID)
	}
}

func (d *settlementDispatcher) setAMQPCursor(value int64) {
	d.mu.Lock()
	d.amqpCursor = value
	d.mu.Unlock()
}

// Only money-movement signals reach the exchange. Settlements keep their own
// routing key; expiry and cancellation both carry the refund key.
func amqpRoutingKey(eventType string) (string, bool) {
	switch eventType {
	case "settlement.created":
		return "settlement.created", true
	case "booking.expired", "booking.cancelled":
		return "booking.refund", true
	}
	return "", false
}

// cursorFor starts each webhook at the current tail: targets only see events
// appended after the process started.
func (d *settlementDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestEventID(ctx)
	if err != nil {
		log.Printf("settlement: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *settlementDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type deliveryEvent struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	BookingID string          `json:"booking_id,omitempty"`
	ActorID   string          `json:"actor_id"`
	TS        string          `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

func deliveryBody(evt domain.Event) deliveryEvent {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	return deliveryEvent{
		ID:        evt.ID,
		Type:      evt.Type,
		BookingID: evt.BookingID,
		ActorID:   evt.ActorID,
		TS:        evt.TS,
		Payload:   payload,
	}
}

func (d *settlementDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(deliveryBody(evt))
	if err != nil {
		return err
	}
	timeout := defaultDeliveryTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Groomnet-Event", evt.Type)
	req.Header.Set("X-Groomnet-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Groomnet-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
