// Package webhook implements the WebhookManager of spec §6: buffers
// lifecycle events, filters them per endpoint by network name, signs
// the body with a per-endpoint shared secret, and retries delivery a
// bounded number of times before giving up.
//
// Grounded on _examples/original_source/crates/core/src/webhooks/manager.rs
// for the buffer-then-background-delivery shape and the bounded-retry-
// then-FAILED semantics (three default retries) the distilled spec
// leaves unspecified (SPEC_FULL.md supplemented feature). No Go webhook
// example exists in the pack; HTTP transport and HMAC signing follow the
// stdlib-only choices already made by internal/gas's adapters and
// internal/wallet's REST backends.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rrelayer/rrelayer/internal/model"
)

// DefaultMaxRetries matches the original manager's per-delivery retry
// ceiling (spec SPEC_FULL.md supplemented feature).
const DefaultMaxRetries = 3

// DefaultTimeout bounds one HTTP POST attempt.
const DefaultTimeout = 10 * time.Second

// Endpoint is one subscriber configured in YAML (spec §6).
type Endpoint struct {
	Name         string
	URL          string
	SharedSecret string
	// Networks filters which chains fire to this endpoint; "*" matches
	// all (spec §6: "Filter configuration per endpoint by network
	// name").
	Networks []string
}

func (e Endpoint) matchesNetwork(network string) bool {
	for _, n := range e.Networks {
		if n == "*" || n == network {
			return true
		}
	}
	return false
}

// Config configures the Manager.
type Config struct {
	Endpoints  []Endpoint
	MaxRetries int
	Timeout    time.Duration
}

// Store is the durable surface for webhook.delivery_history (spec §6).
type Store interface {
	SaveDelivery(ctx context.Context, d *Delivery) error
}

// Delivery is one queued attempt to notify one endpoint of one event
// (spec §6: body JSON shape, X-RRelayer-Shared-Secret and delivery-id
// headers).
type Delivery struct {
	Id         string
	Endpoint   Endpoint
	EventType  string
	Payload    []byte
	Attempts   int
	MaxRetries int
	Status     string // "pending", "delivered", "failed"
}

const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// body is the wire shape of spec §6: {event_type, timestamp,
// delivery_id, payload: {transaction: {...}}}.
type body struct {
	EventType  string `json:"event_type"`
	Timestamp  int64  `json:"timestamp"`
	DeliveryId string `json:"delivery_id"`
	Payload    struct {
		Transaction *transactionPayload `json:"transaction,omitempty"`
	} `json:"payload"`
}

type transactionPayload struct {
	Id        string `json:"id"`
	RelayerId string `json:"relayer_id"`
	ChainId   uint64 `json:"chain_id"`
	Status    string `json:"status"`
	Nonce     uint64 `json:"nonce"`
	Hash      string `json:"hash,omitempty"`
}

// Manager buffers, filters, signs, and retries transaction lifecycle
// webhooks (spec §6, component table row "WebhookManager").
type Manager struct {
	cfg          Config
	networkNames map[uint64]string
	store        Store
	client       *http.Client
	queue        chan *Delivery
}

// New constructs a Manager. networkNames maps chain id to the
// human-readable network name used for endpoint filtering.
func New(cfg Config, networkNames map[uint64]string, store Store) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Manager{
		cfg:          cfg,
		networkNames: networkNames,
		store:        store,
		client:       &http.Client{Timeout: cfg.Timeout},
		queue:        make(chan *Delivery, 1024),
	}
}

// Emit queues a lifecycle event for delivery to every endpoint whose
// network filter matches the transaction's chain (spec §6). Matches
// the narrow queue.WebhookEmitter surface: non-blocking, best-effort.
func (m *Manager) Emit(ctx context.Context, event string, tx *model.Transaction) {
	network := m.networkNames[tx.ChainId]
	if network == "" {
		network = fmt.Sprintf("%d", tx.ChainId)
	}

	payload := body{EventType: event, DeliveryId: uuid.NewString()}
	payload.Payload.Transaction = &transactionPayload{
		Id:        tx.Id.String(),
		RelayerId: tx.RelayerId.String(),
		ChainId:   tx.ChainId,
		Status:    tx.Status.String(),
		Nonce:     tx.Nonce,
	}
	if tx.KnownTransactionHash != nil {
		payload.Payload.Transaction.Hash = tx.KnownTransactionHash.Hex()
	}

	for _, ep := range m.cfg.Endpoints {
		if !ep.matchesNetwork(network) {
			continue
		}
		payload.Timestamp = nowUnix()
		encoded, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		d := &Delivery{
			Id:         payload.DeliveryId,
			Endpoint:   ep,
			EventType:  event,
			Payload:    encoded,
			MaxRetries: m.cfg.MaxRetries,
			Status:     StatusPending,
		}
		select {
		case m.queue <- d:
		default:
			// buffer full: drop rather than block the caller's hot path.
		}
	}
}

var nowUnix = func() int64 { return time.Now().Unix() }

// RunDeliveryLoop drains the queue, sending each delivery with bounded
// retries and exponential backoff between attempts, until ctx is
// cancelled (spec §5: "process-wide tasks ... webhook delivery loop").
func (m *Manager) RunDeliveryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.queue:
			m.deliverWithRetry(ctx, d)
		}
	}
}

func (m *Manager) deliverWithRetry(ctx context.Context, d *Delivery) {
	backoff := 500 * time.Millisecond
	for d.Attempts < d.MaxRetries {
		d.Attempts++
		if err := m.send(ctx, d); err == nil {
			d.Status = StatusDelivered
			m.persist(ctx, d)
			return
		}
		if d.Attempts >= d.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	d.Status = StatusFailed
	m.persist(ctx, d)
}

func (m *Manager) persist(ctx context.Context, d *Delivery) {
	if m.store == nil {
		return
	}
	_ = m.store.SaveDelivery(ctx, d)
}

func (m *Manager) send(ctx context.Context, d *Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-RRelayer-Delivery-Id", d.Id)
	req.Header.Set("X-RRelayer-Shared-Secret", sign(d.Endpoint.SharedSecret, d.Payload))

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint %s returned status %d", d.Endpoint.Name, resp.StatusCode)
	}
	return nil
}

// sign HMAC-SHA256s the payload with the endpoint's shared secret,
// hex-encoded as the X-RRelayer-Shared-Secret header value.
func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
