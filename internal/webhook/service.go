// Package webhook implements outbound event notifications for eSocial
// processing results. Subscribers register a URL and a set of event types;
// accepted events are queued and fanned out concurrently to every matching
// active subscription, signed with a per-subscription HMAC-SHA256 secret.
//
// Delivery is at-least-once with passive retry: a failed subscription has no
// redelivery timer of its own, it is simply attempted again by whatever
// matching event arrives next. The recorded proximaTentativa instant is
// advisory state for operators, never an enforcement gate. Three consecutive
// failures deactivate the subscription; reactivation is manual.
package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/domestica-portal/domestica-portal/internal/audit"
	"github.com/domestica-portal/domestica-portal/internal/kvstore"
	"github.com/domestica-portal/domestica-portal/internal/safego"
	"github.com/domestica-portal/domestica-portal/internal/telemetry"
)

// Persisted store keys. Exported for the backup engine's domain gatherers.
const (
	KeySubscriptions = "webhook:inscricoes"
	KeyHistory       = "webhook:historico"
)

// userAgent identifies the portal on outbound deliveries.
const userAgent = "DomesticaPortal/1.0"

// ErrInvalidEvent marks an event rejected before queuing for missing
// required fields.
var ErrInvalidEvent = errors.New("webhook: event is missing required fields")

// ErrSubscriptionNotFound is returned by lifecycle operations on unknown IDs.
var ErrSubscriptionNotFound = errors.New("webhook: subscription not found")

// Subscription is one registered listener. JSON field names are the portal's
// persisted contract.
type Subscription struct {
	ID          string     `json:"id"`
	Name        string     `json:"nome"`
	URL         string     `json:"url"`
	Events      []string   `json:"eventos"`
	Active      bool       `json:"ativo"`
	Attempts    int        `json:"tentativas"` // consecutive failures
	LastAttempt *time.Time `json:"ultimaTentativa,omitempty"`
	NextAttempt *time.Time `json:"proximaTentativa,omitempty"`
	Secret      string     `json:"segredo,omitempty"`
}

// Event is one eSocial processing result flowing through the queue.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"tipo"`
	Protocol    string    `json:"protocolo"`
	Status      string    `json:"status"`
	CompanyID   string    `json:"empresaId"`
	ProcessedAt time.Time `json:"dataProcessamento,omitempty"`
	Message     string    `json:"mensagem,omitempty"`
	Error       string    `json:"erro,omitempty"`
}

// deliveryBody is the outbound POST payload: the event plus the delivery
// instant and the HMAC signature over the unsigned form.
type deliveryBody struct {
	Event
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature,omitempty"`
}

// Stats summarizes the service. Error subscriptions are those carrying a
// non-zero consecutive-failure counter, active or not.
type Stats struct {
	TotalSubscriptions    int `json:"totalInscricoes"`
	ActiveSubscriptions   int `json:"inscricoesAtivas"`
	InactiveSubscriptions int `json:"inscricoesInativas"`
	ErrorSubscriptions    int `json:"inscricoesComErro"`
	HistorySize           int `json:"totalEventos"`
	QueueDepth            int `json:"filaPendente"`
}

// Options tune delivery behavior. Zero values fall back to safe defaults.
type Options struct {
	MaxAttempts     int           // consecutive failures before deactivation
	RetryBaseDelay  time.Duration // linear backoff unit
	DeliveryTimeout time.Duration
	ProbeTimeout    time.Duration
	HistorySize     int
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Minute
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 10 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.HistorySize < 1 {
		o.HistorySize = 1000
	}
}

// Service is the webhook registry and delivery engine.
type Service struct {
	store   kvstore.Store
	opts    Options
	client  *http.Client
	auditor *audit.Service

	mu       sync.Mutex
	subs     []Subscription
	history  []Event // most-recent-first, capped
	queue    []Event // FIFO, drained by a single consumer
	draining bool
}

// New creates the service, reloading persisted subscriptions and history.
func New(ctx context.Context, store kvstore.Store, opts Options, auditor *audit.Service) (*Service, error) {
	opts.applyDefaults()
	s := &Service{
		store:   store,
		opts:    opts,
		client:  &http.Client{},
		auditor: auditor,
	}

	switch err := store.Get(ctx, KeySubscriptions, &s.subs); err {
	case nil, kvstore.ErrNotFound:
	default:
		return nil, err
	}
	switch err := store.Get(ctx, KeyHistory, &s.history); err {
	case nil, kvstore.ErrNotFound:
	default:
		return nil, err
	}
	return s, nil
}

// Configure registers a new subscription after validating the URL shape and
// probing the endpoint for liveness. Any HTTP response counts as alive; only
// transport-level failures reject the registration.
func (s *Service) Configure(ctx context.Context, sub Subscription) (*Subscription, error) {
	if sub.Name == "" {
		return nil, errors.New("webhook: nome is required")
	}
	if len(sub.Events) == 0 {
		return nil, errors.New("webhook: at least one evento is required")
	}
	parsed, err := url.Parse(sub.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("webhook: invalid url: %s", sub.URL)
	}

	if err := s.probe(ctx, sub.URL); err != nil {
		return nil, fmt.Errorf("webhook: endpoint unreachable: %w", err)
	}

	sub.ID = uuid.New().String()
	sub.Active = true
	sub.Attempts = 0
	sub.LastAttempt = nil
	sub.NextAttempt = nil
	if sub.Secret == "" {
		sub.Secret = newSecret()
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	s.persistSubs(ctx)

	if s.auditor != nil {
		s.auditor.LogWebhookAction(ctx, "sistema", "inscricao criada", map[string]interface{}{
			"id": sub.ID, "nome": sub.Name, "url": sub.URL, "eventos": sub.Events,
		}, audit.ResultSuccess)
	}
	return &sub, nil
}

// Activate re-enables a deactivated subscription and clears its failure state.
func (s *Service) Activate(ctx context.Context, id string) error {
	return s.setActive(ctx, id, true)
}

// Deactivate disables a subscription without removing it.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.setActive(ctx, id, false)
}

func (s *Service) setActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	found := false
	for i := range s.subs {
		if s.subs[i].ID == id {
			s.subs[i].Active = active
			s.subs[i].Attempts = 0
			s.subs[i].NextAttempt = nil
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return ErrSubscriptionNotFound
	}
	s.persistSubs(ctx)

	action := "inscricao desativada"
	if active {
		action = "inscricao reativada"
	}
	if s.auditor != nil {
		s.auditor.LogWebhookAction(ctx, "sistema", action, map[string]interface{}{"id": id}, audit.ResultSuccess)
	}
	return nil
}

// ProcessIncomingEvent validates the event, appends it to the capped history,
// and queues it for delivery. The first event after an idle period starts the
// single drain consumer; later events ride the running drain.
func (s *Service) ProcessIncomingEvent(ctx context.Context, e Event) error {
	if e.ID == "" || e.Type == "" || e.Protocol == "" || e.Status == "" || e.CompanyID == "" {
		slog.Warn("webhook: rejected invalid event",
			"id", e.ID, "tipo", e.Type, "protocolo", e.Protocol, "empresa", e.CompanyID)
		return ErrInvalidEvent
	}
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now()
	}

	s.mu.Lock()
	s.queue = append(s.queue, e)
	depth := len(s.queue)
	s.history = append([]Event{e}, s.history...)
	if len(s.history) > s.opts.HistorySize {
		s.history = s.history[:s.opts.HistorySize]
	}
	startDrain := !s.draining
	if startDrain {
		s.draining = true
	}
	s.mu.Unlock()

	telemetry.WebhookQueueDepth.Set(float64(depth))
	s.persistHistory(ctx)

	if startDrain {
		safego.Go(s.drain)
	}
	return nil
}

// Reload re-reads persisted subscriptions and history after a backup restore.
func (s *Service) Reload(ctx context.Context) error {
	var subs []Subscription
	var history []Event
	if err := s.store.Get(ctx, KeySubscriptions, &subs); err != nil && err != kvstore.ErrNotFound {
		return err
	}
	if err := s.store.Get(ctx, KeyHistory, &history); err != nil && err != kvstore.ErrNotFound {
		return err
	}

	s.mu.Lock()
	s.subs = subs
	s.history = history
	s.mu.Unlock()
	return nil
}

// List returns a copy of all subscriptions.
func (s *Service) List() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, len(s.subs))
	copy(out, s.subs)
	return out
}

// History returns a copy of the event history, most-recent-first.
func (s *Service) History() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.history))
	copy(out, s.history)
	return out
}

// GetStats summarizes the registry and queue.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{
		TotalSubscriptions: len(s.subs),
		HistorySize:        len(s.history),
		QueueDepth:         len(s.queue),
	}
	for _, sub := range s.subs {
		if sub.Active {
			stats.ActiveSubscriptions++
		} else {
			stats.InactiveSubscriptions++
		}
		if sub.Attempts > 0 {
			stats.ErrorSubscriptions++
		}
	}
	return stats
}

// ---------------------------------------------------------------------------
// Delivery internals
// ---------------------------------------------------------------------------

// drain pops queued events one at a time and fans each out to matching
// subscriptions. It exits when the queue is empty; the next accepted event
// starts a new drain.
func (s *Service) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			telemetry.WebhookQueueDepth.Set(0)
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		depth := len(s.queue)
		s.mu.Unlock()

		telemetry.WebhookQueueDepth.Set(float64(depth))
		s.fanOut(e)
	}
}

// fanOut delivers one event to every eligible subscription concurrently and
// waits for all deliveries before the drain moves to the next event.
func (s *Service) fanOut(e Event) {
	s.mu.Lock()
	var targets []Subscription
	for _, sub := range s.subs {
		if !sub.Active || !subscribed(sub, e.Type) {
			continue
		}
		// proximaTentativa is advisory only. Every active matching
		// subscription gets the event; a failing one accumulates tentativas
		// until deactivation.
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		sub := sub
		go func() {
			defer wg.Done()
			s.deliver(sub, e)
		}()
	}
	wg.Wait()
}

// deliver POSTs the signed event to one subscription and records the outcome
// on its failure counter.
func (s *Service) deliver(sub Subscription, e Event) {
	err := s.post(sub, e)

	now := time.Now()
	deactivated := false

	s.mu.Lock()
	for i := range s.subs {
		if s.subs[i].ID != sub.ID {
			continue
		}
		s.subs[i].LastAttempt = &now
		if err == nil {
			s.subs[i].Attempts = 0
			s.subs[i].NextAttempt = nil
		} else {
			s.subs[i].Attempts++
			next := now.Add(s.opts.RetryBaseDelay * time.Duration(s.subs[i].Attempts))
			s.subs[i].NextAttempt = &next
			if s.subs[i].Attempts >= s.opts.MaxAttempts {
				s.subs[i].Active = false
				deactivated = true
			}
		}
		break
	}
	s.mu.Unlock()
	s.persistSubs(context.Background())

	outcome := "sucesso"
	if err != nil {
		outcome = "erro"
		slog.Warn("webhook: delivery failed", "inscricao", sub.ID, "url", sub.URL, "evento", e.Type, "error", err)
	}
	telemetry.WebhookDeliveriesTotal.WithLabelValues(e.Type, outcome).Inc()

	if deactivated {
		telemetry.WebhookSubscriptionsDeactivatedTotal.Inc()
		slog.Error("webhook: subscription deactivated after consecutive failures",
			"inscricao", sub.ID, "nome", sub.Name, "tentativas", s.opts.MaxAttempts)
		if s.auditor != nil {
			s.auditor.LogWebhookAction(context.Background(), "sistema", "inscricao desativada por falhas", map[string]interface{}{
				"id": sub.ID, "nome": sub.Name, "url": sub.URL,
			}, audit.ResultWarning)
		}
	}
}

// post builds, signs, and sends the delivery request. Any 2xx response is
// success; everything else is a delivery failure.
func (s *Service) post(sub Subscription, e Event) error {
	body := deliveryBody{Event: e, Timestamp: time.Now()}
	unsigned, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	body.Signature = Sign(sub.Secret, unsigned)
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", body.Signature)
	req.Header.Set("X-Webhook-Event", e.Type)
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// probe checks that the endpoint answers at all. Non-2xx responses still
// count as alive: many receivers reject anything but signed POSTs.
func (s *Service) probe(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func subscribed(sub Subscription, eventType string) bool {
	for _, ev := range sub.Events {
		if ev == eventType || ev == "*" {
			return true
		}
	}
	return false
}

func newSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process has bigger problems; fall
		// back to a UUID so registration still succeeds.
		return uuid.New().String()
	}
	return hex.EncodeToString(buf)
}

func (s *Service) persistSubs(ctx context.Context) {
	s.mu.Lock()
	subs := make([]Subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	if err := s.store.Set(ctx, KeySubscriptions, subs); err != nil {
		slog.Error("webhook: failed to persist subscriptions", "error", err)
	}
}

func (s *Service) persistHistory(ctx context.Context) {
	s.mu.Lock()
	history := make([]Event, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	if err := s.store.Set(ctx, KeyHistory, history); err != nil {
		slog.Error("webhook: failed to persist event history", "error", err)
	}
}
