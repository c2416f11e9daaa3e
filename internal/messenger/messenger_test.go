package messenger

import (
	"context"
	"sync"
	"testing"

	"mist-chat/go-core/internal/directory"
	"mist-chat/go-core/internal/dispatch"
	"mist-chat/go-core/internal/keycache"
	"mist-chat/go-core/internal/pipeline"
	"mist-chat/go-core/internal/transport"
	"mist-chat/go-core/pkg/entity"
	"mist-chat/go-core/pkg/ids"
	"mist-chat/go-core/pkg/message"
)

func registerPeer(t *testing.T, dir *directory.Memory, seed string) ids.Identifier {
	t.Helper()
	ctx := context.Background()
	bundle, err := entity.KeysFromSeed([]byte(seed))
	if err != nil {
		t.Fatalf("key derivation failed: %v", err)
	}
	meta, err := entity.NewMeta(bundle.SigningPrivate, bundle.SigningPublic, seed)
	if err != nil {
		t.Fatalf("meta build failed: %v", err)
	}
	id := meta.Identifier(ids.KindUser)
	if err := dir.SaveMeta(ctx, id, meta); err != nil {
		t.Fatalf("save meta failed: %v", err)
	}
	visa, err := entity.NewVisa(id, bundle.EncryptionPublic, bundle.SigningPrivate)
	if err != nil {
		t.Fatalf("visa build failed: %v", err)
	}
	if err := dir.SaveDocument(ctx, id, visa); err != nil {
		t.Fatalf("save visa failed: %v", err)
	}
	dir.RegisterLocal(id, bundle)
	return id
}

// loopPublisher hands every published frame straight to a receiver.
type loopPublisher struct {
	mu     sync.Mutex
	frames []transport.Frame
	onPub  func(transport.Frame)
}

func (p *loopPublisher) Publish(_ context.Context, frame transport.Frame) error {
	p.mu.Lock()
	p.frames = append(p.frames, frame)
	p.mu.Unlock()
	if p.onPub != nil {
		p.onPub(frame)
	}
	return nil
}

func TestSendContentDeliversToHandler(t *testing.T) {
	dir, err := directory.NewMemory(32)
	if err != nil {
		t.Fatalf("directory init failed: %v", err)
	}
	keys, err := keycache.NewResolver(32)
	if err != nil {
		t.Fatalf("resolver init failed: %v", err)
	}
	xf := pipeline.New(dir, keys)
	alice := registerPeer(t, dir, "alice")
	bob := registerPeer(t, dir, "bob")
	ctx := context.Background()

	var delivered []message.Content
	registry := dispatch.NewRegistry(nil)
	registry.Register(message.TypeText, dispatch.HandlerFunc(
		func(_ context.Context, _ message.Envelope, content message.Content) ([]message.Content, error) {
			delivered = append(delivered, content)
			return nil, nil
		}))

	pub := &loopPublisher{}
	sender := New(alice, xf, dispatch.NewRegistry(nil), pub)
	receiver := New(bob, xf, registry, pub)
	pub.onPub = func(frame transport.Frame) {
		if frame.Recipient != bob.String() {
			return
		}
		if err := receiver.HandleFrame(ctx, frame); err != nil {
			t.Errorf("handle frame failed: %v", err)
		}
	}

	if err := sender.SendContent(ctx, bob, message.NewText("hello bob")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(delivered) != 1 || delivered[0].Body["text"] != "hello bob" {
		t.Fatalf("delivery mismatch: %v", delivered)
	}
}

func TestHandleFrameDropsTamperedPayloadSilently(t *testing.T) {
	dir, err := directory.NewMemory(32)
	if err != nil {
		t.Fatalf("directory init failed: %v", err)
	}
	keys, err := keycache.NewResolver(32)
	if err != nil {
		t.Fatalf("resolver init failed: %v", err)
	}
	xf := pipeline.New(dir, keys)
	alice := registerPeer(t, dir, "alice")
	bob := registerPeer(t, dir, "bob")
	ctx := context.Background()

	var delivered int
	registry := dispatch.NewRegistry(nil)
	registry.Register(message.TypeText, dispatch.HandlerFunc(
		func(context.Context, message.Envelope, message.Content) ([]message.Content, error) {
			delivered++
			return nil, nil
		}))

	pub := &loopPublisher{}
	sender := New(alice, xf, dispatch.NewRegistry(nil), pub)
	receiver := New(bob, xf, registry, pub)

	if err := sender.SendContent(ctx, bob, message.NewText("for bob")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	frame := pub.frames[0]
	signed, err := message.Decode(frame.Payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	signed.Data[0] ^= 0xff
	frame.Payload, err = message.Encode(signed)
	if err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}

	if err := receiver.HandleFrame(ctx, frame); err != nil {
		t.Fatalf("tampered frame must be dropped silently, got %v", err)
	}
	if delivered != 0 {
		t.Fatalf("tampered frame must not dispatch: %d", delivered)
	}
}
