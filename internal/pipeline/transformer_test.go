package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"mist-chat/go-core/internal/directory"
	"mist-chat/go-core/internal/keycache"
	"mist-chat/go-core/pkg/entity"
	"mist-chat/go-core/pkg/ids"
	"mist-chat/go-core/pkg/message"
)

type peer struct {
	id     ids.Identifier
	bundle *entity.KeyBundle
	meta   entity.Meta
}

func registerPeer(t *testing.T, dir *directory.Memory, seed string, local bool) peer {
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
	if local {
		dir.RegisterLocal(id, bundle)
	}
	return peer{id: id, bundle: bundle, meta: meta}
}

func newTransformer(t *testing.T) (*Transformer, *directory.Memory) {
	t.Helper()
	dir, err := directory.NewMemory(32)
	if err != nil {
		t.Fatalf("directory init failed: %v", err)
	}
	keys, err := keycache.NewResolver(32)
	if err != nil {
		t.Fatalf("resolver init failed: %v", err)
	}
	return New(dir, keys), dir
}

func plainText(sender, receiver ids.Identifier, text string) message.Plain {
	return message.Plain{
		Envelope: message.Envelope{
			Sender:   sender,
			Receiver: receiver,
			Time:     time.Now().UTC().Truncate(time.Second),
			Type:     message.TypeText,
		},
		Content: message.NewText(text),
	}
}

func TestFullPipelineRoundTrip(t *testing.T) {
	xf, dir := newTransformer(t)
	ctx := context.Background()
	alice := registerPeer(t, dir, "alice", true)
	bob := registerPeer(t, dir, "bob", true)

	plain := plainText(alice.id, bob.id, "hello bob")

	enc, err := xf.EncryptMessage(ctx, plain)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if len(enc.Key) == 0 {
		t.Fatal("direct message must carry a sealed key")
	}
	signed, err := xf.SignMessage(ctx, enc)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	// Receiving side: verify then decrypt.
	verified, err := xf.VerifyMessage(ctx, signed)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	got, err := xf.DecryptMessage(ctx, verified)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if got.Content.Body["text"] != "hello bob" {
		t.Fatalf("content mismatch: %v", got.Content.Body)
	}
	if got.Content.SerialNumber != plain.Content.SerialNumber {
		t.Fatal("serial number must survive the pipeline")
	}
}

func TestPipelineSurvivesWireEncoding(t *testing.T) {
	xf, dir := newTransformer(t)
	ctx := context.Background()
	alice := registerPeer(t, dir, "alice", true)
	bob := registerPeer(t, dir, "bob", true)

	enc, err := xf.EncryptMessage(ctx, plainText(alice.id, bob.id, "over the wire"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	signed, err := xf.SignMessage(ctx, enc)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	data, err := message.Encode(signed)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := message.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	verified, err := xf.VerifyMessage(ctx, decoded)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	got, err := xf.DecryptMessage(ctx, verified)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if got.Content.Body["text"] != "over the wire" {
		t.Fatalf("content mismatch: %v", got.Content.Body)
	}
}

func TestBroadcastCarriesNoKeyAndDecrypts(t *testing.T) {
	xf, dir := newTransformer(t)
	ctx := context.Background()
	alice := registerPeer(t, dir, "alice", true)

	plain := plainText(alice.id, ids.Anyone, "public announcement")
	enc, err := xf.EncryptMessage(ctx, plain)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if len(enc.Key) != 0 || len(enc.Keys) != 0 {
		t.Fatal("broadcast message must carry no key material")
	}
	signed, err := xf.SignMessage(ctx, enc)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	verified, err := xf.VerifyMessage(ctx, signed)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	got, err := xf.DecryptMessage(ctx, verified)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if got.Content.Body["text"] != "public announcement" {
		t.Fatalf("content mismatch: %v", got.Content.Body)
	}
}

func TestSignRequiresLocalIdentity(t *testing.T) {
	xf, dir := newTransformer(t)
	ctx := context.Background()
	mallory := registerPeer(t, dir, "mallory", false)
	bob := registerPeer(t, dir, "bob", true)

	enc, err := xf.EncryptMessage(ctx, plainText(mallory.id, bob.id, "spoof"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := xf.SignMessage(ctx, enc); !errors.Is(err, ErrNotLocalSender) {
		t.Fatalf("expected ErrNotLocalSender, got %v", err)
	}
}

func TestVerifyRejectsTamperedCiphertext(t *testing.T) {
	xf, dir := newTransformer(t)
	ctx := context.Background()
	alice := registerPeer(t, dir, "alice", true)
	bob := registerPeer(t, dir, "bob", true)

	enc, _ := xf.EncryptMessage(ctx, plainText(alice.id, bob.id, "original"))
	signed, err := xf.SignMessage(ctx, enc)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	signed.Data = append([]byte(nil), signed.Data...)
	signed.Data[0] ^= 0x01
	if _, err := xf.VerifyMessage(ctx, signed); !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("expected ErrVerifyFailed, got %v", err)
	}
}

func TestVerifyAbsorbsAttachedMeta(t *testing.T) {
	// The receiving side has never seen the sender; the attached meta and
	// visa must be absorbed so verification can proceed.
	sendXF, sendDir := newTransformer(t)
	recvXF, recvDir := newTransformer(t)
	ctx := context.Background()

	alice := registerPeer(t, sendDir, "alice", true)
	bob := registerPeer(t, sendDir, "bob", false)
	registerPeer(t, recvDir, "bob", true)

	enc, err := sendXF.EncryptMessage(ctx, plainText(alice.id, bob.id, "first contact"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	signed, err := sendXF.SignMessage(ctx, enc)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	signed.Meta = &alice.meta

	verified, err := recvXF.VerifyMessage(ctx, signed)
	if err != nil {
		t.Fatalf("verify with attached meta failed: %v", err)
	}
	got, err := recvXF.DecryptMessage(ctx, verified)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if got.Content.Body["text"] != "first contact" {
		t.Fatalf("content mismatch: %v", got.Content.Body)
	}
}

func TestDecryptNotForMeIsBenign(t *testing.T) {
	xf, dir := newTransformer(t)
	ctx := context.Background()
	alice := registerPeer(t, dir, "alice", true)
	bob := registerPeer(t, dir, "bob", false) // bob's private keys live elsewhere

	enc, err := xf.EncryptMessage(ctx, plainText(alice.id, bob.id, "for bob only"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := xf.DecryptMessage(ctx, enc); !errors.Is(err, ErrNotForMe) {
		t.Fatalf("expected ErrNotForMe, got %v", err)
	}
}

func TestGroupMessageSharesDestinationKey(t *testing.T) {
	xf, dir := newTransformer(t)
	ctx := context.Background()
	alice := registerPeer(t, dir, "alice", true)
	bob := registerPeer(t, dir, "bob", true)
	carol := registerPeer(t, dir, "carol", true)
	group := ids.New(ids.KindGroup, "devs", []byte("devs-seed"))

	toBob := plainText(alice.id, bob.id, "team update")
	toBob.Group = group
	toCarol := plainText(alice.id, carol.id, "team update")
	toCarol.Group = group

	encBob, err := xf.EncryptMessage(ctx, toBob)
	if err != nil {
		t.Fatalf("encrypt to bob failed: %v", err)
	}
	encCarol, err := xf.EncryptMessage(ctx, toCarol)
	if err != nil {
		t.Fatalf("encrypt to carol failed: %v", err)
	}

	gotBob, err := xf.DecryptMessage(ctx, encBob)
	if err != nil {
		t.Fatalf("bob decrypt failed: %v", err)
	}
	gotCarol, err := xf.DecryptMessage(ctx, encCarol)
	if err != nil {
		t.Fatalf("carol decrypt failed: %v", err)
	}
	if gotBob.Content.Body["text"] != "team update" || gotCarol.Content.Body["text"] != "team update" {
		t.Fatal("group fan-out must decrypt for every member")
	}
}
