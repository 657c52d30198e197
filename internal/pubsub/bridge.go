package pubsub

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/trovelabs/trove/internal/logger"
)

// notifySubject is the single NATS subject all bridged messages travel
// on; the topic lives inside the envelope.
const notifySubject = "trove.notifications"

// envelope wraps a bus message with the sender's instance id so a process
// can ignore its own publications.
type envelope struct {
	InstanceID string  `json:"instanceId"`
	Message    Message `json:"message"`
}

// Bridge relays bus messages between sibling processes over NATS.
//
// Outbound: every locally published message is wrapped in an envelope and
// published on the shared subject. Inbound: envelopes from other
// instances are unwrapped and delivered to local subscribers only, so a
// message crosses the wire at most once.
type Bridge struct {
	nc           *nats.Conn
	bus          *Bus
	instanceID   string
	subscription *nats.Subscription
	logger       *logger.Logger
}

// Connect dials NATS for the bridge. Callers treat an empty URL as
// "bridge disabled" and never reach here.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("trove"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// NewBridge creates the relay. Returns nil if the NATS connection is not
// available, which callers treat as single-process mode.
func NewBridge(nc *nats.Conn, bus *Bus, instanceID string, log *logger.Logger) *Bridge {
	if nc == nil {
		return nil
	}
	return &Bridge{
		nc:         nc,
		bus:        bus,
		instanceID: instanceID,
		logger:     log.WithComponent("pubsub-bridge"),
	}
}

// Start begins relaying inbound messages. Call once during startup,
// before the HTTP listener accepts traffic.
func (br *Bridge) Start() error {
	sub, err := br.nc.Subscribe(notifySubject, br.handleInbound)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", notifySubject, err)
	}
	br.subscription = sub
	br.logger.Info("notification bridge started",
		slog.String("subject", notifySubject),
		slog.String("instance_id", br.instanceID))
	return nil
}

// Stop drains the subscription so in-flight messages are delivered.
func (br *Bridge) Stop() error {
	if br.subscription != nil {
		if err := br.subscription.Drain(); err != nil {
			return fmt.Errorf("failed to drain subscription: %w", err)
		}
	}
	br.logger.Info("notification bridge stopped")
	return nil
}

// forward publishes a locally originated message to the other instances.
func (br *Bridge) forward(msg Message) {
	data, err := json.Marshal(envelope{InstanceID: br.instanceID, Message: msg})
	if err != nil {
		br.logger.Error("failed to marshal envelope", slog.String("error", err.Error()))
		return
	}
	if err := br.nc.Publish(notifySubject, data); err != nil {
		br.logger.Error("failed to publish notification",
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()))
	}
}

// handleInbound delivers messages from sibling instances locally.
func (br *Bridge) handleInbound(m *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		br.logger.Warn("received invalid notification envelope", slog.String("error", err.Error()))
		return
	}
	if env.InstanceID == br.instanceID {
		return
	}
	br.bus.deliver(env.Message)
}
