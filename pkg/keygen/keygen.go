package keygen

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"
)

// Multicodec prefixes used by the PLC directory ecosystem for P-256 keys.
var (
	p256PubCodec  = []byte{0x80, 0x24}
	p256PrivCodec = []byte{0x86, 0x26}
)

const didKeyPrefix = "did:key:"

// Keypair is a P-256 rotation keypair in the directory's did:key encoding.
// The private key is handed to the user once as their recovery credential.
type Keypair struct {
	PublicDIDKey string // did:key:z...
	PrivateKey   string // z... (multibase, multicodec-prefixed scalar)
}

// Generate creates a new P-256 keypair and encodes it for the directory.
// The encoded public key is re-derived from the private scalar and compared
// before returning.
func Generate() (*Keypair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate P-256 key: %w", err)
	}

	pub := EncodePublicKey(&priv.PublicKey)
	privEncoded := encodePrivateKey(priv)

	// The rotation key is unrecoverable if the encodings disagree, so verify
	// the derivation round-trips before handing anything out.
	derived, err := DerivePublicDIDKey(privEncoded)
	if err != nil {
		return nil, fmt.Errorf("failed to verify generated key: %w", err)
	}
	if derived != pub {
		return nil, fmt.Errorf("generated key self-check failed: derived public key does not match")
	}

	return &Keypair{
		PublicDIDKey: pub,
		PrivateKey:   privEncoded,
	}, nil
}

// EncodePublicKey encodes a P-256 public key as a did:key string:
// compressed point, multicodec prefix, base58btc with multibase 'z'.
func EncodePublicKey(pub *ecdsa.PublicKey) string {
	compressed := elliptic.MarshalCompressed(elliptic.P256(), pub.X, pub.Y)

	payload := make([]byte, 0, len(p256PubCodec)+len(compressed))
	payload = append(payload, p256PubCodec...)
	payload = append(payload, compressed...)

	return didKeyPrefix + "z" + base58.Encode(payload)
}

// encodePrivateKey encodes the private scalar, zero-padded to 32 bytes,
// behind the P-256 private-key multicodec.
func encodePrivateKey(priv *ecdsa.PrivateKey) string {
	scalar := priv.D.FillBytes(make([]byte, 32))

	payload := make([]byte, 0, len(p256PrivCodec)+len(scalar))
	payload = append(payload, p256PrivCodec...)
	payload = append(payload, scalar...)

	return "z" + base58.Encode(payload)
}

// DecodePublicKey parses a did:key string back into a P-256 public key.
func DecodePublicKey(didKey string) (*ecdsa.PublicKey, error) {
	if len(didKey) < len(didKeyPrefix)+1 || didKey[:len(didKeyPrefix)] != didKeyPrefix {
		return nil, fmt.Errorf("not a did:key: %q", didKey)
	}

	multibase := didKey[len(didKeyPrefix):]
	if multibase[0] != 'z' {
		return nil, fmt.Errorf("unsupported multibase prefix %q", multibase[0])
	}

	payload, err := base58.Decode(multibase[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid base58 in did:key: %w", err)
	}
	if len(payload) < len(p256PubCodec) || !bytes.Equal(payload[:2], p256PubCodec) {
		return nil, fmt.Errorf("did:key is not a P-256 public key")
	}

	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), payload[2:])
	if x == nil {
		return nil, fmt.Errorf("invalid compressed P-256 point")
	}

	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// DerivePublicDIDKey recomputes the did:key public encoding from an encoded
// private key.
func DerivePublicDIDKey(encodedPriv string) (string, error) {
	priv, err := DecodePrivateKey(encodedPriv)
	if err != nil {
		return "", err
	}
	return EncodePublicKey(&priv.PublicKey), nil
}

// DecodePrivateKey parses an encoded private key back into a P-256 key.
func DecodePrivateKey(encoded string) (*ecdsa.PrivateKey, error) {
	if len(encoded) < 2 || encoded[0] != 'z' {
		return nil, fmt.Errorf("unsupported multibase prefix in private key")
	}

	payload, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid base58 in private key: %w", err)
	}
	if len(payload) != len(p256PrivCodec)+32 || !bytes.Equal(payload[:2], p256PrivCodec) {
		return nil, fmt.Errorf("encoded key is not a P-256 private key")
	}

	d := new(big.Int).SetBytes(payload[2:])
	if d.Sign() == 0 {
		return nil, fmt.Errorf("private scalar is zero")
	}

	curve := elliptic.P256()
	if d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("private scalar out of range")
	}

	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         d,
	}
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(payload[2:])
	return priv, nil
}
