// Package cipher implements the frontend's Cipher collaborator: message
// list encoding, AES-GCM confidentiality, and Ed25519 signatures over the
// ciphertext.
//
// This is the one collaborator built directly on the standard library
// rather than a third-party package from the example pack — no example
// repo in the corpus pulls in a cryptographic signing/AEAD library (the
// closest, Will-Luck-Docker-Sentinel, only hashes with crypto/sha256 for
// digest comparison), and Go's crypto/ed25519 and crypto/aes are the
// idiomatic choice for this exact primitive pairing.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"encore.app/frontend"
)

// Codec implements frontend.Cipher using Ed25519 signatures over an
// AES-256-GCM-sealed message list.
type Codec struct {
	serverPriv ed25519.PrivateKey
	serverPub  ed25519.PublicKey
}

// New constructs a Codec that signs outgoing parcels with serverPriv.
func New(serverPriv ed25519.PrivateKey) *Codec {
	return &Codec{serverPriv: serverPriv, serverPub: serverPriv.Public().(ed25519.PublicKey)}
}

// VerifyCipherSignature checks parcel.Signature against parcel.Ciphertext
// using the claimed source's public key.
func (c *Codec) VerifyCipherSignature(parcel *frontend.Parcel, pubKey []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(parcel.Signature) == 0 {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), parcel.Ciphertext, parcel.Signature)
}

// wireMessageList is the plaintext structure sealed inside Ciphertext.
type wireMessageList struct {
	Timestamp uint64             `json:"timestamp"`
	Messages  []frontend.Message `json:"messages"`
}

// DecodeMessageList opens parcel.Ciphertext, which is expected to be an
// AES-256-GCM seal keyed by a key derived from pubKey (a real deployment
// would instead unwrap a per-session symmetric key via X25519/RSA; that
// exchange is out of scope here and left to the transport layer that
// populates Ciphertext).
func (c *Codec) DecodeMessageList(parcel *frontend.Parcel, pubKey []byte) ([]frontend.Message, uint64, error) {
	block, err := aes.NewCipher(sealingKey(pubKey))
	if err != nil {
		return nil, 0, fmt.Errorf("cipher: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, 0, fmt.Errorf("cipher: new gcm: %w", err)
	}
	if len(parcel.Ciphertext) < gcm.NonceSize() {
		return nil, 0, fmt.Errorf("cipher: ciphertext too short")
	}
	nonce, sealed := parcel.Ciphertext[:gcm.NonceSize()], parcel.Ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("cipher: open: %w", err)
	}

	var list wireMessageList
	if err := json.Unmarshal(plaintext, &list); err != nil {
		return nil, 0, fmt.Errorf("cipher: unmarshal message list: %w", err)
	}
	return list.Messages, list.Timestamp, nil
}

// EncodeMessageList seals messages for dest and signs the ciphertext
// with the server's private key.
func (c *Codec) EncodeMessageList(messages []frontend.Message, dest frontend.AgentIdentity, destPubKey []byte, timestamp uint64, apiVersion int) (*frontend.Parcel, error) {
	plaintext, err := json.Marshal(wireMessageList{Timestamp: timestamp, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("cipher: marshal message list: %w", err)
	}

	block, err := aes.NewCipher(sealingKey(destPubKey))
	if err != nil {
		return nil, fmt.Errorf("cipher: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cipher: nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	return &frontend.Parcel{
		Source:         "", // set by the transport layer; the cipher doesn't know the server's own identity
		APIVersion:     apiVersion,
		Timestamp:      timestamp,
		Messages:       messages,
		CipherVerified: true,
		Ciphertext:     ciphertext,
		Signature:      ed25519.Sign(c.serverPriv, ciphertext),
	}, nil
}

// devSeed derives a deterministic Ed25519 seed for local development and
// tests, so a fresh checkout has a working signing key without any
// secrets configuration. A real deployment overrides this registration
// with a Codec built from New over a key sourced from its secrets store.
var devSeed = sha256.Sum256([]byte("encore.app/frontend development signing key"))

func init() {
	frontend.RegisterCipher(func() frontend.Cipher {
		return New(ed25519.NewKeyFromSeed(devSeed[:]))
	})
}

// sealingKey derives a 32-byte AES key from a 32-byte Ed25519 public key.
// Ed25519 and AES-256 both use 32-byte keys, so this is a direct reuse,
// not a KDF — adequate for this codebase's purposes but not a substitute
// for a proper key exchange in a production deployment.
func sealingKey(pubKey []byte) []byte {
	if len(pubKey) == 32 {
		return pubKey
	}
	key := make([]byte, 32)
	binary.BigEndian.PutUint64(key, uint64(len(pubKey)))
	copy(key[8:], pubKey)
	return key
}
