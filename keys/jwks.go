package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
)

// JWK is a JSON Web Key (RFC 7517). Only the public members are represented;
// private key material is never published.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC
	Crv string `json:"crv"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKSet is the document served from the jwks endpoint.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// KeyByID returns the JWK with the given kid, if present.
func (s *JWKSet) KeyByID(kid string) (*JWK, bool) {
	for i := range s.Keys {
		if s.Keys[i].Kid == kid {
			return &s.Keys[i], true
		}
	}
	return nil, false
}

// FromPublicKey encodes a public key as a JWK.
func FromPublicKey(kid, alg string, pub crypto.PublicKey) (JWK, error) {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if key.Curve != elliptic.P256() {
			return JWK{}, fmt.Errorf("%w: unsupported curve %s", ErrUnsupportedAlgorithm, key.Curve.Params().Name)
		}
		byteLen := (key.Curve.Params().BitSize + 7) / 8
		return JWK{
			Kty: "EC",
			Kid: kid,
			Use: "sig",
			Alg: alg,
			Crv: "P-256",
			X:   base64.RawURLEncoding.EncodeToString(key.X.FillBytes(make([]byte, byteLen))),
			Y:   base64.RawURLEncoding.EncodeToString(key.Y.FillBytes(make([]byte, byteLen))),
		}, nil
	case *rsa.PublicKey:
		return JWK{
			Kty: "RSA",
			Kid: kid,
			Use: "sig",
			Alg: alg,
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}, nil
	default:
		return JWK{}, fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, pub)
	}
}

// PublicKey decodes the JWK into a crypto.PublicKey usable for signature
// verification.
func (j *JWK) PublicKey() (crypto.PublicKey, error) {
	switch j.Kty {
	case "EC":
		if j.Crv != "P-256" {
			return nil, fmt.Errorf("%w: unsupported curve %s", ErrUnsupportedAlgorithm, j.Crv)
		}
		xBytes, err := base64.RawURLEncoding.DecodeString(j.X)
		if err != nil {
			return nil, fmt.Errorf("invalid EC x coordinate: %w", err)
		}
		yBytes, err := base64.RawURLEncoding.DecodeString(j.Y)
		if err != nil {
			return nil, fmt.Errorf("invalid EC y coordinate: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(xBytes),
			Y:     new(big.Int).SetBytes(yBytes),
		}, nil
	case "RSA":
		nBytes, err := base64.RawURLEncoding.DecodeString(j.N)
		if err != nil {
			return nil, fmt.Errorf("invalid RSA modulus: %w", err)
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(j.E)
		if err != nil {
			return nil, fmt.Errorf("invalid RSA exponent: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: int(new(big.Int).SetBytes(eBytes).Int64()),
		}, nil
	default:
		return nil, fmt.Errorf("%w: key type %s", ErrUnsupportedAlgorithm, j.Kty)
	}
}
