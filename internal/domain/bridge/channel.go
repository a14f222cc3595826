package bridge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
)

// Signing algorithms accepted by NewSignedChannel
const (
	AlgorithmHMACSHA256 = "hmac-sha256"
	AlgorithmBLAKE3     = "blake3"
)

const keySize = 32

var keyInfo = []byte("annotation-bridge/v1 envelope signing")

// Signable is implemented by Message and Response
type Signable interface {
	SigningInput() []byte
	Time() time.Time
	GetSignature() string
	SetSignature(sig string)
}

// Channel decides how envelopes are authenticated across the trust
// boundary. The variant is fixed when the bridge is constructed.
type Channel interface {
	// Name identifies the variant in logs and the handshake
	Name() string
	// Signed reports whether Verify checks anything
	Signed() bool
	// Seal attaches a signature, if the variant uses one
	Seal(s Signable) error
	// Verify rejects envelopes that cannot be authenticated
	Verify(s Signable, now time.Time) error
}

// UnsignedChannel relies on origin checks alone
type UnsignedChannel struct{}

func (UnsignedChannel) Name() string { return "unsigned" }
func (UnsignedChannel) Signed() bool { return false }

func (UnsignedChannel) Seal(s Signable) error {
	s.SetSignature("")
	return nil
}

func (UnsignedChannel) Verify(Signable, time.Time) error { return nil }

// SignedChannel authenticates every envelope with a keyed MAC derived from
// an out-of-band shared secret
type SignedChannel struct {
	algorithm string
	key       []byte
	maxSkew   time.Duration
}

// NewSignedChannel derives the MAC key from secret with HKDF-SHA256.
// maxSkew bounds how far an envelope timestamp may be from the local
// clock; zero disables the check.
func NewSignedChannel(secret []byte, algorithm string, maxSkew time.Duration) (*SignedChannel, error) {
	if len(secret) == 0 {
		return nil, fault.New(fault.KindValidation, "bridge.channel", "signing key is empty")
	}
	switch algorithm {
	case "":
		algorithm = AlgorithmHMACSHA256
	case AlgorithmHMACSHA256, AlgorithmBLAKE3:
	default:
		return nil, fault.Newf(fault.KindValidation, "bridge.channel", "unknown signing algorithm %q", algorithm)
	}

	reader := hkdf.New(sha256.New, secret, nil, keyInfo)
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}

	return &SignedChannel{
		algorithm: algorithm,
		key:       key,
		maxSkew:   maxSkew,
	}, nil
}

func (c *SignedChannel) Name() string { return "signed/" + c.algorithm }
func (c *SignedChannel) Signed() bool { return true }

// Seal signs the envelope
func (c *SignedChannel) Seal(s Signable) error {
	mac, err := c.mac(s.SigningInput())
	if err != nil {
		return err
	}
	s.SetSignature(hex.EncodeToString(mac))
	return nil
}

// Verify checks the signature and the timestamp window
func (c *SignedChannel) Verify(s Signable, now time.Time) error {
	sig := s.GetSignature()
	if sig == "" {
		return fault.New(fault.KindSecurity, "bridge.verify", "missing signature")
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fault.New(fault.KindSecurity, "bridge.verify", "malformed signature")
	}
	want, err := c.mac(s.SigningInput())
	if err != nil {
		return err
	}
	if !hmac.Equal(got, want) {
		return fault.New(fault.KindSecurity, "bridge.verify", "signature mismatch")
	}

	if c.maxSkew > 0 {
		skew := now.Sub(s.Time())
		if skew < 0 {
			skew = -skew
		}
		if skew > c.maxSkew {
			return fault.Newf(fault.KindSecurity, "bridge.verify", "timestamp outside %s window", c.maxSkew)
		}
	}
	return nil
}

func (c *SignedChannel) mac(input []byte) ([]byte, error) {
	var h hash.Hash
	switch c.algorithm {
	case AlgorithmBLAKE3:
		hasher, err := blake3.NewKeyed(c.key)
		if err != nil {
			return nil, fmt.Errorf("BLAKE3 keyed hash initialization failed: %w", err)
		}
		h = hasher
	default:
		h = hmac.New(sha256.New, c.key)
	}
	h.Write(input)
	return h.Sum(nil), nil
}

// NewChannel picks the variant from configuration
func NewChannel(enableSigning bool, secret, algorithm string, maxSkew time.Duration) (Channel, error) {
	if !enableSigning {
		return UnsignedChannel{}, nil
	}
	return NewSignedChannel([]byte(secret), algorithm, maxSkew)
}
