// Copyright 2022-2023 VMware, Inc.
//
// This product is licensed to you under the BSD-2 license (the "License").
// You may not use this product except in compliance with the BSD-2 License.
// This product may include a number of subcomponents with separate copyright
// notices and license terms. Your use of these subcomponents is subject to
// the terms and conditions of the subcomponent's license, as noted in the
// LICENSE file.
//
// SPDX-License-Identifier: BSD-2-Clause

package metadata

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sigstore/sigstore/pkg/signature"
)

// KeyType identifies the family of a public key.
type KeyType string

const (
	KeyTypeEd25519 KeyType = "ed25519"
	KeyTypeRSA     KeyType = "rsa"
)

// KeyScheme identifies a signature scheme a Key may be used with.
type KeyScheme string

const (
	SchemeEd25519         KeyScheme = "ed25519"
	SchemeRSASSAPSSSHA256 KeyScheme = "rsassa-pss-sha256"
	SchemeRSASSAPSSSHA512 KeyScheme = "rsassa-pss-sha512"
)

// KeyFormat records how a key's value was supplied on input. Internally
// every key is normalized: Ed25519 keys are stored as raw 32 bytes, RSA
// keys are always stored as PKCS#1 DER regardless of whether the caller
// supplied PKCS#1 or SPKI.
type KeyFormat string

const (
	FormatHexLower KeyFormat = "hex"
	FormatPKCS1    KeyFormat = "pkcs1"
	FormatSPKI     KeyFormat = "spki"
)

// Key is a public key as trusted metadata stores it: KeyId is always
// SHA-256 of the normalized Value bytes.
type Key struct {
	Type   KeyType   `json:"keytype"`
	Scheme KeyScheme `json:"scheme"`
	Format KeyFormat `json:"-"`
	Value  HexBytes  `json:"-"`
}

// ID returns this key's KeyId: SHA-256 of the normalized internal bytes.
func (k *Key) ID() string {
	sum := sha256.Sum256(k.Value)
	return hex.EncodeToString(sum[:])
}

// NewEd25519Key builds a Key from a 32-byte raw Ed25519 public key.
func NewEd25519Key(value []byte) (*Key, error) {
	if len(value) != ed25519.PublicKeySize {
		return nil, &IllegalArgumentError{Reason: fmt.Sprintf("Ed25519 public key was not %d bytes long", ed25519.PublicKeySize)}
	}
	return &Key{
		Type:   KeyTypeEd25519,
		Scheme: SchemeEd25519,
		Format: FormatHexLower,
		Value:  append([]byte(nil), value...),
	}, nil
}

// minRSAKeyBits is the minimum RSA modulus size this core accepts,
// matching the range the verification library (sigstore/pkg/signature)
// supports for RSASSA-PSS.
const minRSAKeyBits = 2048

// NewRSAKeyFromPEM builds a Key from a PEM-encoded RSA public key, in
// either PKCS#1 ("RSA PUBLIC KEY") or SPKI ("PUBLIC KEY") form. The value
// is normalized to PKCS#1 DER internally regardless of the input format.
func NewRSAKeyFromPEM(pemBytes []byte, scheme KeyScheme) (*Key, error) {
	if scheme != SchemeRSASSAPSSSHA256 && scheme != SchemeRSASSAPSSSHA512 {
		return nil, &UnsupportedSignatureSchemeError{Scheme: string(scheme)}
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, &IllegalArgumentError{Reason: "RSA key is not valid PEM"}
	}

	var pub *rsa.PublicKey
	var format KeyFormat
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		pub = key
		format = FormatPKCS1
	} else if any, err2 := x509.ParsePKIXPublicKey(block.Bytes); err2 == nil {
		rsaKey, ok := any.(*rsa.PublicKey)
		if !ok {
			return nil, &IllegalArgumentError{Reason: "SPKI key is not an RSA public key"}
		}
		pub = rsaKey
		format = FormatSPKI
	} else {
		return nil, &IllegalArgumentError{Reason: errors.Wrap(err, "RSA key could not be parsed as PKCS#1 or SPKI").Error()}
	}

	if pub.N.BitLen() < minRSAKeyBits {
		return nil, &IllegalArgumentError{Reason: fmt.Sprintf("RSA key size %d is below the minimum of %d bits", pub.N.BitLen(), minRSAKeyBits)}
	}

	return &Key{
		Type:   KeyTypeRSA,
		Scheme: scheme,
		Format: format,
		Value:  x509.MarshalPKCS1PublicKey(pub),
	}, nil
}

// ToStdlibPublicKey converts the normalized internal value back into a
// standard library crypto.PublicKey usable by the signature verifier.
func (k *Key) ToStdlibPublicKey() (crypto.PublicKey, error) {
	switch k.Type {
	case KeyTypeEd25519:
		if len(k.Value) != ed25519.PublicKeySize {
			return nil, &IllegalArgumentError{Reason: "stored Ed25519 key value has the wrong length"}
		}
		return ed25519.PublicKey(k.Value), nil
	case KeyTypeRSA:
		pub, err := x509.ParsePKCS1PublicKey(k.Value)
		if err != nil {
			return nil, &IllegalArgumentError{Reason: errors.Wrap(err, "stored RSA key value is not valid PKCS#1").Error()}
		}
		return pub, nil
	default:
		return nil, &UnsupportedKeyTypeError{KeyType: string(k.Type)}
	}
}

// keyFromStdlibPublicKey wraps a standard library public key (as returned
// by a signature.Signer) into a normalized Key, for recording the key ID
// of a freshly produced signature.
func keyFromStdlibPublicKey(pub crypto.PublicKey, scheme KeyScheme) (*Key, error) {
	switch p := pub.(type) {
	case ed25519.PublicKey:
		return NewEd25519Key(p)
	case *rsa.PublicKey:
		block := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(p)})
		return NewRSAKeyFromPEM(block, scheme)
	default:
		return nil, &UnsupportedKeyTypeError{KeyType: fmt.Sprintf("%T", pub)}
	}
}

// schemeHash maps a signature scheme to the crypto.Hash the sigstore
// verifier should use. crypto.Hash(0) tells the Ed25519 verifier there is
// no pre-hash.
func schemeHash(scheme KeyScheme) (crypto.Hash, error) {
	switch scheme {
	case SchemeEd25519:
		return crypto.Hash(0), nil
	case SchemeRSASSAPSSSHA256:
		return crypto.SHA256, nil
	case SchemeRSASSAPSSSHA512:
		return crypto.SHA512, nil
	default:
		return 0, &UnsupportedSignatureSchemeError{Scheme: string(scheme)}
	}
}

// Verify checks that sig is a valid signature by this key, under scheme,
// over payload. A scheme/key type mismatch and a primitive verification
// failure both surface as BadSignatureError: both collapse into a "not
// good" signature for threshold counting.
func (k *Key) Verify(scheme KeyScheme, payload []byte, sig []byte) error {
	hash, err := schemeHash(scheme)
	if err != nil {
		return err
	}
	if scheme == SchemeEd25519 && k.Type != KeyTypeEd25519 {
		return &BadSignatureError{KeyID: k.ID()}
	}
	if (scheme == SchemeRSASSAPSSSHA256 || scheme == SchemeRSASSAPSSSHA512) && k.Type != KeyTypeRSA {
		return &BadSignatureError{KeyID: k.ID()}
	}

	pub, err := k.ToStdlibPublicKey()
	if err != nil {
		return &BadSignatureError{KeyID: k.ID()}
	}
	verifier, err := signature.LoadVerifier(pub, hash)
	if err != nil {
		return &BadSignatureError{KeyID: k.ID()}
	}
	if err := verifier.VerifySignature(bytes.NewReader(sig), bytes.NewReader(payload)); err != nil {
		return &BadSignatureError{KeyID: k.ID()}
	}
	return nil
}

// keyShim is the wire shape of a serialized public key record:
// {keytype, scheme, keyval:{public}}.
type keyShim struct {
	KeyType KeyType   `json:"keytype"`
	Scheme  KeyScheme `json:"scheme"`
	KeyVal  struct {
		Public string `json:"public"`
	} `json:"keyval"`
}

func (k *Key) MarshalJSON() ([]byte, error) {
	shim := keyShim{KeyType: k.Type, Scheme: k.Scheme}
	switch k.Type {
	case KeyTypeEd25519:
		shim.KeyVal.Public = hex.EncodeToString(k.Value)
	case KeyTypeRSA:
		pub, err := x509.ParsePKCS1PublicKey(k.Value)
		if err != nil {
			return nil, errors.Wrap(err, "re-parsing stored RSA key for serialization")
		}
		block := &pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(pub)}
		shim.KeyVal.Public = string(pem.EncodeToMemory(block))
	default:
		return nil, &UnsupportedKeyTypeError{KeyType: string(k.Type)}
	}
	return json.Marshal(shim)
}

func (k *Key) UnmarshalJSON(data []byte) error {
	var shim keyShim
	if err := json.Unmarshal(data, &shim); err != nil {
		return &DecodeError{Reason: errors.Wrap(err, "malformed public key record").Error()}
	}

	switch shim.KeyType {
	case KeyTypeEd25519:
		value, err := hex.DecodeString(shim.KeyVal.Public)
		if err != nil {
			return &IllegalArgumentError{Reason: errors.Wrap(err, "Ed25519 keyval.public is not valid hex").Error()}
		}
		if shim.Scheme != SchemeEd25519 {
			return &UnsupportedSignatureSchemeError{Scheme: string(shim.Scheme)}
		}
		built, err := NewEd25519Key(value)
		if err != nil {
			return err
		}
		*k = *built
		return nil
	case KeyTypeRSA:
		built, err := NewRSAKeyFromPEM([]byte(shim.KeyVal.Public), shim.Scheme)
		if err != nil {
			return err
		}
		*k = *built
		return nil
	default:
		return &UnsupportedKeyTypeError{KeyType: string(shim.KeyType)}
	}
}
