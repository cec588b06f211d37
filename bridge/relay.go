package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATS subjects for the pairing relay. The relay is untrusted-but-
// available transport: everything crossing it is either public (token,
// expiry) or wrapped for the joining device (the payload).
const (
	subjectAnnounce = "pairing.bridge.announce"
	subjectConsume  = "pairing.bridge.consume"
)

// RelayConfig holds relay connection settings.
type RelayConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// Relay moves pairing envelopes between devices over NATS.
type Relay struct {
	conn *nats.Conn
	subs []*nats.Subscription
}

// NewRelay connects to the configured NATS relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	opts := []nats.Option{
		nats.Name("keyhaven-pairing-relay"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Relay disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Relay reconnected")
		}),
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bridge: connecting to relay: %w", err)
	}
	return &Relay{conn: conn}, nil
}

// Announce publishes a pairing envelope so the joining device can pick
// it up after scanning the token out-of-band.
func (r *Relay) Announce(p *Pairing) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%s", subjectAnnounce, p.Token)
	if err := r.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bridge: announcing pairing: %w", err)
	}
	return nil
}

// consumeRequest is the relay-side consume message: the joining device
// presents the token it scanned plus its own public key.
type consumeRequest struct {
	Token     string `cbor:"token"`
	PublicKey []byte `cbor:"public_key"`
}

type consumeResponse struct {
	Payload []byte `cbor:"payload,omitempty"`
	Error   string `cbor:"error,omitempty"`
}

// RequestConsume redeems a token through the relay from the joining
// device's side.
func (r *Relay) RequestConsume(ctx context.Context, token string, joiningPub []byte) ([]byte, error) {
	req, err := encodeCBOR(consumeRequest{Token: token, PublicKey: joiningPub})
	if err != nil {
		return nil, err
	}

	deadline := 5 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}

	msg, err := r.conn.Request(subjectConsume, req, deadline)
	if err != nil {
		return nil, fmt.Errorf("bridge: relay consume request: %w", err)
	}

	var resp consumeResponse
	if err := decodeCBOR(msg.Data, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, relayError(resp.Error)
	}
	return resp.Payload, nil
}

// ServeConsume answers consume requests against the manager until ctx
// is cancelled. Run by the node that holds the token store.
func (r *Relay) ServeConsume(ctx context.Context, mgr *Manager) error {
	sub, err := r.conn.Subscribe(subjectConsume, func(msg *nats.Msg) {
		var req consumeRequest
		if err := decodeCBOR(msg.Data, &req); err != nil {
			log.Warn().Err(err).Msg("Malformed relay consume request")
			return
		}

		payload, err := mgr.Consume(ctx, req.Token, req.PublicKey)
		resp := consumeResponse{Payload: payload}
		if err != nil {
			resp = consumeResponse{Error: err.Error()}
		}
		data, err := encodeCBOR(resp)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode relay consume response")
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Warn().Err(err).Msg("Failed to respond to relay consume request")
		}
	})
	if err != nil {
		return fmt.Errorf("bridge: subscribing to consume subject: %w", err)
	}
	r.subs = append(r.subs, sub)

	<-ctx.Done()
	return nil
}

// Close drains subscriptions and closes the relay connection.
func (r *Relay) Close() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.conn.Close()
}

// relayError maps the error strings crossing the relay back onto the
// package sentinels so the joining device can tell expiry from replay.
func relayError(s string) error {
	switch s {
	case ErrExpired.Error():
		return ErrExpired
	case ErrAlreadyConsumed.Error():
		return ErrAlreadyConsumed
	case ErrNotFound.Error():
		return ErrNotFound
	case ErrRecipientMismatch.Error():
		return ErrRecipientMismatch
	default:
		return fmt.Errorf("bridge: relay error: %s", s)
	}
}
