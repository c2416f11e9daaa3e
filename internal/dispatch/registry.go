package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"mist-chat/go-core/pkg/message"
)

var ErrNoHandler = errors.New("no handler for content type")

// Handler processes one decrypted content node and returns the contents to
// send back to the sender, if any (receipts, query replies).
type Handler interface {
	Handle(ctx context.Context, env message.Envelope, content message.Content) ([]message.Content, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env message.Envelope, content message.Content) ([]message.Content, error)

func (f HandlerFunc) Handle(ctx context.Context, env message.Envelope, content message.Content) ([]message.Content, error) {
	return f(ctx, env, content)
}

// Registry routes decrypted content to a handler selected by type tag.
// Unknown tags fall through to an explicit fallback handler rather than
// erroring, so newer peers can ship content kinds we do not know yet.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
	log      *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{handlers: map[string]Handler{}, log: log}
	r.fallback = HandlerFunc(func(_ context.Context, _ message.Envelope, content message.Content) ([]message.Content, error) {
		r.log.Debug("unregistered content type ignored", "content_type", content.Type)
		return nil, nil
	})
	return r
}

// Register binds a handler to a content type tag, replacing any previous
// binding.
func (r *Registry) Register(typeTag string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typeTag] = h
}

// SetFallback replaces the unregistered-content handler.
func (r *Registry) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Dispatch routes one decrypted message to its content handler.
func (r *Registry) Dispatch(ctx context.Context, plain message.Plain) ([]message.Content, error) {
	r.mu.RLock()
	h, ok := r.handlers[plain.Content.Type]
	fallback := r.fallback
	r.mu.RUnlock()
	if !ok {
		h = fallback
	}
	if h == nil {
		return nil, ErrNoHandler
	}
	return h.Handle(ctx, plain.Envelope, plain.Content)
}
