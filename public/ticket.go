package public

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/pendingdns/pendingdns/kvstore"
)

const (
	// ticketCreateTTL bounds a fresh session ticket.
	ticketCreateTTL = 30 * time.Minute
	// ticketResumeTTL is applied on resumption, winding the lifetime down.
	ticketResumeTTL = 5 * time.Minute
)

// TicketStore shares TLS session tickets across worker processes through
// the key store. The ticket handed to the client is only an opaque id; the
// session state is sealed at rest, since it contains key material.
type TicketStore struct {
	kv   *kvstore.Store
	aead cipher.AEAD
}

// NewTicketStore derives the sealing key from the cluster secret so every
// worker opens every ticket.
func NewTicketStore(kv *kvstore.Store, secret string) (*TicketStore, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("pendingdns tls session tickets"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &TicketStore{kv: kv, aead: aead}, nil
}

func ticketKey(id []byte) string {
	return "d:tls:" + hex.EncodeToString(id)
}

// WrapSession implements tls.Config.WrapSession: seal the session state,
// store it under a random id, hand the id out as the ticket.
func (t *TicketStore) WrapSession(cs tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
	state, err := ss.Bytes()
	if err != nil {
		return nil, err
	}
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	nonce := make([]byte, t.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := t.aead.Seal(nonce, nonce, state, id)
	if err := t.kv.Set(context.Background(), ticketKey(id), string(sealed), ticketCreateTTL); err != nil {
		return nil, err
	}
	return id, nil
}

// UnwrapSession implements tls.Config.UnwrapSession. Unknown or corrupt
// tickets fall back to a full handshake; resumed tickets get the shorter
// TTL.
func (t *TicketStore) UnwrapSession(identity []byte, cs tls.ConnectionState) (*tls.SessionState, error) {
	ctx := context.Background()
	raw, err := t.kv.Get(ctx, ticketKey(identity))
	if err == kvstore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := t.kv.Expire(ctx, ticketKey(identity), ticketResumeTTL); err != nil {
		return nil, err
	}
	sealed := []byte(raw)
	if len(sealed) < t.aead.NonceSize() {
		return nil, nil
	}
	nonce, ct := sealed[:t.aead.NonceSize()], sealed[t.aead.NonceSize():]
	state, err := t.aead.Open(nil, nonce, ct, identity)
	if err != nil {
		return nil, nil
	}
	ss, err := tls.ParseSessionState(state)
	if err != nil {
		return nil, fmt.Errorf("parse session state: %w", err)
	}
	return ss, nil
}
