package frontend

import (
	"context"
	"errors"
	"testing"
)

func TestDecodeParcelUnknownSourceOnMissingCert(t *testing.T) {
	store := newMockObjectStore()
	cipher := &mockCipher{verifyResult: true}
	metrics := newMockMetrics()
	c := NewServerCommunicator(store, cipher, metrics, 0, 0)

	parcel := &Parcel{Source: "C.unknown"}
	_, _, _, err := c.DecodeParcel(context.Background(), parcel)
	if !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
	if got := metrics.counter("unique_clients"); got != 1 {
		t.Fatalf("expected unique_clients=1, got %d", got)
	}
}

func TestDecodeParcelSubjectMismatchRejected(t *testing.T) {
	store := newMockObjectStore()
	store.seed("C.1", &AgentRecord{Subject: "C.other", Cert: []byte("cert"), PubKey: []byte("key")})
	cipher := &mockCipher{verifyResult: true}
	c := NewServerCommunicator(store, cipher, newMockMetrics(), 0, 0)

	parcel := &Parcel{Source: "C.1"}
	_, _, _, err := c.DecodeParcel(context.Background(), parcel)
	if !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource on subject mismatch, got %v", err)
	}
}

func TestDecodeParcelSignatureInvalid(t *testing.T) {
	store := newMockObjectStore()
	store.seed("C.1", &AgentRecord{Subject: "C.1", Cert: []byte("cert"), PubKey: []byte("key")})
	cipher := &mockCipher{verifyResult: false}
	metrics := newMockMetrics()
	c := NewServerCommunicator(store, cipher, metrics, 0, 0)

	parcel := &Parcel{Source: "C.1"}
	_, _, _, err := c.DecodeParcel(context.Background(), parcel)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if got := metrics.counter("unauthenticated_messages"); got != 1 {
		t.Fatalf("expected unauthenticated_messages=1, got %d", got)
	}
}

func TestDecodeParcelSkipsVerificationWhenAlreadyVerified(t *testing.T) {
	store := newMockObjectStore()
	store.seed("C.1", &AgentRecord{Subject: "C.1", Cert: []byte("cert"), PubKey: []byte("key")})
	cipher := &mockCipher{verifyResult: false} // would fail if consulted
	c := NewServerCommunicator(store, cipher, newMockMetrics(), 0, 0)

	parcel := &Parcel{Source: "C.1", CipherVerified: true, Messages: []Message{{}}, Timestamp: 100}
	msgs, _, ts, err := c.DecodeParcel(context.Background(), parcel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || ts != 100 {
		t.Fatalf("expected the parcel's messages/timestamp to pass through, got %v/%d", msgs, ts)
	}
}

func TestDecodeParcelRejectsDesynchronizedTimestamp(t *testing.T) {
	store := newMockObjectStore()
	store.seed("C.1", &AgentRecord{Subject: "C.1", Cert: []byte("cert"), PubKey: []byte("key"), Clock: 10_000_000})
	cipher := &mockCipher{verifyResult: true}
	c := NewServerCommunicator(store, cipher, newMockMetrics(), 0, 0)

	// Timestamp far enough below the recorded clock to exceed the replay
	// window (1 hour = 3600 "seconds" in this clock's units).
	parcel := &Parcel{Source: "C.1", CipherVerified: true, Timestamp: 1}
	_, _, _, err := c.DecodeParcel(context.Background(), parcel)
	if !errors.Is(err, ErrDesynchronized) {
		t.Fatalf("expected ErrDesynchronized, got %v", err)
	}
}

func TestDecodeParcelFirstContactNeverDesynchronized(t *testing.T) {
	store := newMockObjectStore()
	store.seed("C.1", &AgentRecord{Subject: "C.1", Cert: []byte("cert"), PubKey: []byte("key"), Clock: 0})
	cipher := &mockCipher{verifyResult: true}
	c := NewServerCommunicator(store, cipher, newMockMetrics(), 0, 0)

	// remote_clock is 0 on first contact; even a small timestamp must not
	// be rejected as desynchronized (regression test for the int64-cast
	// fix avoiding uint64 underflow in the threshold computation).
	parcel := &Parcel{Source: "C.1", CipherVerified: true, Timestamp: 1}
	_, _, _, err := c.DecodeParcel(context.Background(), parcel)
	if err != nil {
		t.Fatalf("first contact should never be desynchronized, got %v", err)
	}
}

func TestDecodeParcelAdvancesClockOnlyForward(t *testing.T) {
	store := newMockObjectStore()
	store.seed("C.1", &AgentRecord{Subject: "C.1", Cert: []byte("cert"), PubKey: []byte("key"), Clock: 100})
	cipher := &mockCipher{verifyResult: true}
	c := NewServerCommunicator(store, cipher, newMockMetrics(), 0, 0)

	// An out-of-order (but not desynchronized) timestamp must not move
	// the clock backwards.
	parcel := &Parcel{Source: "C.1", CipherVerified: true, Timestamp: 50}
	if _, _, _, err := c.DecodeParcel(context.Background(), parcel); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	record, _ := store.Get(context.Background(), "C.1")
	if record.Clock != 100 {
		t.Fatalf("expected clock to remain at 100, got %d", record.Clock)
	}
}

func TestEncodeParcelWrapsCipherFailure(t *testing.T) {
	store := newMockObjectStore()
	store.seed("C.1", &AgentRecord{Subject: "C.1", Cert: []byte("cert"), PubKey: []byte("key")})
	cipher := &mockCipher{encodeErr: errors.New("seal failed")}
	c := NewServerCommunicator(store, cipher, newMockMetrics(), 0, 0)

	_, err := c.EncodeParcel(context.Background(), nil, "C.1", 0, 1)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected a cipher encode failure to wrap ErrBackendUnavailable, got %v", err)
	}
}

func TestEncodeParcelUnknownDestReturnsUnwrappedError(t *testing.T) {
	store := newMockObjectStore()
	cipher := &mockCipher{}
	c := NewServerCommunicator(store, cipher, newMockMetrics(), 0, 0)

	_, err := c.EncodeParcel(context.Background(), nil, "C.missing", 0, 1)
	if !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestPublicKeyCacheAvoidsRepeatedStoreLookups(t *testing.T) {
	store := newMockObjectStore()
	store.seed("C.1", &AgentRecord{Subject: "C.1", Cert: []byte("cert"), PubKey: []byte("key")})
	cipher := &mockCipher{verifyResult: true}
	c := NewServerCommunicator(store, cipher, newMockMetrics(), 0, 0)

	ctx := context.Background()
	if _, err := c.resolvePublicKey(ctx, "C.1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.resolvePublicKey(ctx, "C.1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.creates != 1 {
		t.Fatalf("expected a single Create call with the cache warm, got %d", store.creates)
	}
}
