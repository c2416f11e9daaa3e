package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mist-chat/go-core/internal/dispatch"
	"mist-chat/go-core/internal/pipeline"
	"mist-chat/go-core/internal/platform/metrics"
	"mist-chat/go-core/internal/transport"
	"mist-chat/go-core/pkg/ids"
	"mist-chat/go-core/pkg/message"
)

// Publisher is the outbound half of the transport node.
type Publisher interface {
	Publish(ctx context.Context, frame transport.Frame) error
}

// Messenger drives the full outbound and inbound paths: content through
// encrypt, sign, encode and out to the transport, and the mirror image for
// received frames ending in the dispatch registry.
// CommandHandler consumes a decrypted group command together with its
// original signed carrier, which the consensus history stores verbatim.
type CommandHandler func(ctx context.Context, plain message.Plain, carrier message.Signed) ([]message.Content, error)

type Messenger struct {
	self        ids.Identifier
	transformer *pipeline.Transformer
	registry    *dispatch.Registry
	publisher   Publisher
	command     CommandHandler
	metrics     *metrics.Core
	log         *slog.Logger
}

func New(self ids.Identifier, transformer *pipeline.Transformer, registry *dispatch.Registry, publisher Publisher, opts ...Option) *Messenger {
	m := &Messenger{
		self:        self,
		transformer: transformer,
		registry:    registry,
		publisher:   publisher,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type Option func(*Messenger)

func WithMetrics(c *metrics.Core) Option { return func(m *Messenger) { m.metrics = c } }
func WithLogger(log *slog.Logger) Option { return func(m *Messenger) { m.log = log } }

// WithCommandHandler routes group commands past the registry so the
// handler also sees the signed carrier.
func WithCommandHandler(h CommandHandler) Option { return func(m *Messenger) { m.command = h } }

// SendContent packs, encrypts, signs and publishes one content node.
func (m *Messenger) SendContent(ctx context.Context, receiver ids.Identifier, content message.Content) error {
	plain := message.Plain{
		Envelope: message.Envelope{
			Sender:   m.self,
			Receiver: receiver,
			Time:     time.Now().UTC().Truncate(time.Second),
			Type:     content.Type,
			Group:    content.Group,
		},
		Content: content,
	}
	enc, err := m.transformer.EncryptMessage(ctx, plain)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if m.metrics != nil {
		m.metrics.MessagesEncrypted.Inc()
	}
	signed, err := m.transformer.SignMessage(ctx, enc)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	raw, err := message.Encode(signed)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	frame := transport.Frame{
		ID:        uuid.NewString(),
		Sender:    m.self.String(),
		Recipient: receiver.String(),
		Payload:   raw,
	}
	if err := m.publisher.Publish(ctx, frame); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// HandleFrame runs one received frame through verify, decrypt and
// dispatch, then sends any handler replies back to the original sender.
// Verification failures and messages sealed for a sibling device are
// dropped without a response.
func (m *Messenger) HandleFrame(ctx context.Context, frame transport.Frame) error {
	signed, err := message.Decode(frame.Payload)
	if err != nil {
		m.log.DebugContext(ctx, "frame decode failed", "message_id", frame.ID, "error", err)
		return nil
	}
	enc, err := m.transformer.VerifyMessage(ctx, signed)
	if err != nil {
		if errors.Is(err, pipeline.ErrVerifyFailed) {
			if m.metrics != nil {
				m.metrics.VerifyFailures.Inc()
			}
			m.log.DebugContext(ctx, "dropping unverified message",
				"sender_id", signed.Sender.String(), "message_id", frame.ID)
			return nil
		}
		return err
	}
	plain, err := m.transformer.DecryptMessage(ctx, enc)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotForMe) {
			if m.metrics != nil {
				m.metrics.DroppedNotForMe.Inc()
			}
			return nil
		}
		return err
	}
	if m.metrics != nil {
		m.metrics.MessagesDecrypted.Inc()
	}

	var replies []message.Content
	if plain.Content.Type == message.TypeCommand && m.command != nil {
		replies, err = m.command(ctx, plain, signed)
	} else {
		replies, err = m.registry.Dispatch(ctx, plain)
	}
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	for _, reply := range replies {
		if err := m.SendContent(ctx, plain.Sender, reply); err != nil {
			m.log.WarnContext(ctx, "reply send failed",
				"receiver_id", plain.Sender.String(), "error", err)
		}
	}
	return nil
}
