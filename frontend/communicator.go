package frontend

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"
)

// replayWindow is the tolerance on inbound message timestamps. It exists
// because some proxies can deliver a bundle with delay even after the
// agent has already sent a newer one, racing the older bundle in.
const replayWindow = 1 * time.Hour

// ServerCommunicator decodes and encodes parcels, resolving and caching
// per-agent public keys, and enforcing replay protection on the decode
// path.
type ServerCommunicator struct {
	store   ObjectStore
	cipher  Cipher
	metrics Metrics

	pubKeyCache *publicKeyCache
	clientCache *clientCache

	// resolveGroup coalesces concurrent ObjectStore lookups for the same
	// claimed source, so N bundles racing in for an unknown/uncached key
	// trigger exactly one Create round trip.
	resolveGroup singleflight.Group
}

// NewServerCommunicator constructs a communicator with the given
// collaborators and cache capacities (0 selects the defaults).
func NewServerCommunicator(store ObjectStore, cipher Cipher, metrics Metrics, pubKeyCacheCap, clientCacheCap int) *ServerCommunicator {
	return &ServerCommunicator{
		store:       store,
		cipher:      cipher,
		metrics:     metrics,
		pubKeyCache: newPublicKeyCache(pubKeyCacheCap),
		clientCache: newClientCache(clientCacheCap),
	}
}

// resolvePublicKey resolves the public key for a claimed source: probe
// the key cache, then fall back to the ObjectStore, validating that the
// stored certificate's subject matches the claimed source.
func (c *ServerCommunicator) resolvePublicKey(ctx context.Context, source AgentIdentity) ([]byte, error) {
	if key, ok := c.pubKeyCache.Get(source); ok {
		return key, nil
	}

	v, err, _ := c.resolveGroup.Do(string(source), func() (any, error) {
		record, err := c.store.Create(ctx, source, true)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if record == nil || len(record.Cert) == 0 {
			c.metrics.IncrCounter("unique_clients", 1)
			return nil, ErrUnknownSource
		}
		if record.Subject != source {
			log.Printf("frontend[%s]: stored cert mismatch for %s", bundleID(ctx), source)
			return nil, ErrUnknownSource
		}

		c.clientCache.Put(source, record)
		c.pubKeyCache.Put(source, record.PubKey)

		return record.PubKey, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// DecodeParcel decrypts a parcel, verifies its signature and replay
// window, updates the claimed agent's record, and returns its message
// list along with the source identity and the agent's claimed timestamp.
func (c *ServerCommunicator) DecodeParcel(ctx context.Context, parcel *Parcel) (messages []Message, source AgentIdentity, timestamp uint64, err error) {
	source = parcel.Source

	pubKey, err := c.resolvePublicKey(ctx, source)
	if err != nil {
		return nil, source, 0, err
	}

	if !parcel.CipherVerified && !c.cipher.VerifyCipherSignature(parcel, pubKey) {
		c.metrics.IncrCounter("unauthenticated_messages", 1)
		return nil, source, 0, ErrSignatureInvalid
	}

	messages, timestamp, err = c.cipher.DecodeMessageList(parcel, pubKey)
	if err != nil {
		return nil, source, 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if err := c.verifyAndAdvanceClock(ctx, source, parcel.SourceIP, timestamp); err != nil {
		return nil, source, timestamp, err
	}

	return messages, source, timestamp, nil
}

// verifyAndAdvanceClock implements replay protection and clock
// bookkeeping: reject desynchronized timestamps, advance
// CLOCK/PING only when the agent's clock genuinely moves forward, and
// always refresh CLIENT_IP on an accepted bundle.
func (c *ServerCommunicator) verifyAndAdvanceClock(ctx context.Context, source AgentIdentity, sourceIP string, timestamp uint64) error {
	record, ok := c.clientCache.Get(source)
	if !ok {
		var err error
		record, err = c.store.Create(ctx, source, false)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		c.clientCache.Put(source, record)
		record = record.clone()
	}

	remoteClock := record.Clock

	desyncThreshold := int64(remoteClock) - int64(replayWindow.Seconds())
	if int64(timestamp) < desyncThreshold {
		log.Printf("frontend[%s]: message desynchronized for %s: %d < %d", bundleID(ctx), source, timestamp, remoteClock)
		return ErrDesynchronized
	}

	c.metrics.IncrCounter("authenticated_messages", 1)

	record.ClientIP = sourceIP

	if timestamp > remoteClock {
		record.Clock = timestamp
		record.Ping = time.Now()
		for _, label := range record.Labels {
			c.metrics.IncrCounterLabel("client_pings_by_label", label, 1)
		}
	} else {
		log.Printf("frontend[%s]: out of order message for %s: %d >= %d", bundleID(ctx), source, remoteClock, timestamp)
	}

	if err := c.store.Set(ctx, source, record); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := c.store.Flush(ctx, source, false); err != nil {
		return err
	}

	// record is this goroutine's own clone (clientCache.Get never hands out
	// the stored pointer), so refresh the cache explicitly rather than
	// relying on an in-place mutation other handlers could observe mid-write.
	c.clientCache.Put(source, record)
	return nil
}

// EncodeParcel encrypts and signs a message list bound for dest. If dest's
// public key cannot be resolved, it fails with ErrUnknownSource; the
// caller is expected to reschedule any drained tasks.
func (c *ServerCommunicator) EncodeParcel(ctx context.Context, messages []Message, dest AgentIdentity, timestamp uint64, apiVersion int) (*Parcel, error) {
	pubKey, err := c.resolvePublicKey(ctx, dest)
	if err != nil {
		return nil, ErrUnknownSource
	}

	parcel, err := c.cipher.EncodeMessageList(messages, dest, pubKey, timestamp, apiVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return parcel, nil
}
