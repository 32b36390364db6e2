// Package dispatch routes inbound connection events to presence and delivery.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinywideclouds/go-relay-service/internal/presence"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// Dispatcher is the per-process gateway dispatcher. Register, send and
// close failures are logged and counted; none of them reach the client.
type Dispatcher struct {
	presence      *presence.Manager
	store         relay.PresenceStore
	channel       relay.BroadcastChannel
	metrics       *Metrics
	notifyOffline bool
	logger        *slog.Logger

	mu      sync.RWMutex
	emitter relay.LocalEmitter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records outcomes on m instead of a private registry.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithNotifyOffline makes the dispatcher tell senders when the recipient
// has no presence entry.
func WithNotifyOffline(enabled bool) Option {
	return func(d *Dispatcher) { d.notifyOffline = enabled }
}

// NewDispatcher wires the dispatcher to the lifecycle manager, the presence
// store used for lookups and the broadcast channel used for forwarding.
func NewDispatcher(
	manager *presence.Manager,
	store relay.PresenceStore,
	channel relay.BroadcastChannel,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		presence: manager,
		store:    store,
		channel:  channel,
		logger:   logger.With("component", "dispatcher", "instance", manager.InstanceID()),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return d
}

// SetEmitter binds the transport that owns local connections. It must be
// called before connections are accepted.
func (d *Dispatcher) SetEmitter(e relay.LocalEmitter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emitter = e
}

func (d *Dispatcher) emit(ctx context.Context, handle, event string, data json.RawMessage) bool {
	d.mu.RLock()
	e := d.emitter
	d.mu.RUnlock()
	if e == nil {
		return false
	}
	return e.Emit(ctx, handle, event, data)
}

// HandleOpen records a newly accepted connection.
func (d *Dispatcher) HandleOpen(handle string) {
	d.presence.Track(handle)
	d.metrics.LocalConnections.Set(float64(d.presence.Count()))
}

// HandleFrame decodes an inbound frame and routes it by event name.
// Unknown events are ignored.
func (d *Dispatcher) HandleFrame(ctx context.Context, handle string, frame relay.Frame) {
	switch frame.Event {
	case relay.EventRegister:
		userID, err := relay.DecodeRegister(frame.Data)
		if err != nil {
			d.metrics.Registrations.WithLabelValues(OutcomeMalformed).Inc()
			d.logger.Warn("Dropping malformed register event", "handle", handle, "err", err)
			return
		}
		d.HandleRegister(ctx, handle, userID)
	case relay.EventSendPrivateMessage:
		msg, err := relay.DecodeSendPrivateMessage(frame.Data)
		if err != nil {
			d.metrics.Messages.WithLabelValues(OutcomeMalformed).Inc()
			d.logger.Warn("Dropping malformed send-private-message event", "handle", handle, "err", err)
			return
		}
		d.HandleSend(ctx, handle, msg)
	default:
		d.logger.Debug("Ignoring unknown event", "handle", handle, "event", frame.Event)
	}
}

// HandleRegister claims userID for the connection. Repeated calls are
// allowed and each one overwrites the presence entry.
func (d *Dispatcher) HandleRegister(ctx context.Context, handle, userID string) {
	if err := d.presence.OnRegister(ctx, d.presence.Locator(handle), userID); err != nil {
		d.metrics.Registrations.WithLabelValues("failed").Inc()
		d.logger.Error("Failed to register user", "handle", handle, "user_id", userID, "err", err)
		return
	}
	d.metrics.Registrations.WithLabelValues("ok").Inc()
	d.logger.Info("User registered", "handle", handle, "user_id", userID)
}

// HandleSend relays a private message to the recipient's current
// connection. Absent recipients and store failures drop the message.
func (d *Dispatcher) HandleSend(ctx context.Context, handle string, msg *relay.SendPrivateMessage) {
	if err := msg.Validate(); err != nil {
		d.metrics.Messages.WithLabelValues(OutcomeMalformed).Inc()
		d.logger.Warn("Dropping malformed message", "handle", handle, "err", err)
		return
	}
	log := d.logger.With("sender_id", msg.SenderID, "recipient_id", msg.RecipientID)

	target, err := d.store.Fetch(ctx, msg.RecipientID)
	if errors.Is(err, relay.ErrPresenceNotFound) {
		d.metrics.Messages.WithLabelValues(OutcomeOffline).Inc()
		log.Info("Recipient is not online, dropping message")
		if d.notifyOffline {
			d.sendOfflineNotice(ctx, handle, msg.RecipientID)
		}
		return
	}
	if err != nil {
		d.metrics.Messages.WithLabelValues(OutcomeLookupFailed).Inc()
		log.Error("Recipient lookup failed, dropping message", "err", err)
		return
	}

	data, err := json.Marshal(relay.PrivateMessage{SenderID: msg.SenderID, Message: msg.Message})
	if err != nil {
		d.metrics.Messages.WithLabelValues(OutcomeMalformed).Inc()
		log.Warn("Could not encode private message", "err", err)
		return
	}

	if target.InstanceID == d.presence.InstanceID() {
		if d.emit(ctx, target.Handle, relay.EventPrivateMessage, data) {
			d.metrics.Messages.WithLabelValues(OutcomeDeliveredLocal).Inc()
			log.Debug("Delivered message locally", "handle", target.Handle)
			return
		}
		d.metrics.Messages.WithLabelValues(OutcomeStale).Inc()
		log.Info("Presence entry points at a closed local connection, dropping message", "handle", target.Handle)
		return
	}

	env := &relay.Envelope{
		Origin: d.presence.InstanceID(),
		Target: target,
		Event:  relay.EventPrivateMessage,
		Data:   data,
	}
	if err := d.channel.Publish(ctx, env); err != nil {
		d.metrics.Messages.WithLabelValues(OutcomePublishFailed).Inc()
		log.Error("Failed to forward message", "target", target.String(), "err", err)
		return
	}
	d.metrics.Messages.WithLabelValues(OutcomeForwarded).Inc()
	log.Debug("Forwarded message", "target", target.String())
}

func (d *Dispatcher) sendOfflineNotice(ctx context.Context, handle, recipientID string) {
	data, err := json.Marshal(relay.RecipientOffline{RecipientID: recipientID})
	if err != nil {
		return
	}
	d.emit(ctx, handle, relay.EventRecipientOffline, data)
}

// HandleClose forgets the connection and removes its presence entries.
func (d *Dispatcher) HandleClose(ctx context.Context, handle string) {
	d.presence.Forget(handle)
	d.metrics.LocalConnections.Set(float64(d.presence.Count()))

	if err := d.presence.OnClose(ctx, d.presence.Locator(handle)); err != nil {
		d.logger.Error("Failed to clean up presence on close", "handle", handle, "err", err)
	}
}

// HandleBroadcast is the subscriber side of broadcast-and-filter: the
// envelope is emitted only when its target is a live connection here.
func (d *Dispatcher) HandleBroadcast(env *relay.Envelope) {
	if !d.presence.Owns(env.Target) {
		d.metrics.Broadcasts.WithLabelValues("discarded").Inc()
		return
	}
	if !d.emit(context.Background(), env.Target.Handle, env.Event, env.Data) {
		d.metrics.Broadcasts.WithLabelValues("discarded").Inc()
		return
	}
	d.metrics.Broadcasts.WithLabelValues("delivered").Inc()
	d.logger.Debug("Delivered forwarded event", "origin", env.Origin, "handle", env.Target.Handle)
}

// Start subscribes to the broadcast channel. The returned subscription
// stays active until it is closed or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) (relay.Subscription, error) {
	sub, err := d.channel.Subscribe(ctx, d.HandleBroadcast)
	if err != nil {
		return nil, fmt.Errorf("broadcast subscribe failed: %w", err)
	}
	d.logger.Info("Subscribed to broadcast channel")
	return sub, nil
}

// Run subscribes to the broadcast channel and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub, err := d.Start(ctx)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Close()
}
