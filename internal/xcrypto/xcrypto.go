// Package xcrypto implements the exposure-notification key derivation
// layer: temporary exposure keys, rolling proximity identifiers, and
// associated encrypted metadata, as defined by the protocol this
// prototype extends.
package xcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyLength is the byte length of a TEK and of every key derived from
// it (RPIK, AEMK, RPI).
const KeyLength = 16

// seedLength is the byte length of the protocol-symmetry seed carried
// alongside each keyring.
const seedLength = 10

// ErrRandomKeyGeneration is returned when the system RNG fails while
// generating a TEK or seed.
var ErrRandomKeyGeneration = errors.New("xcrypto: random key generation failed")

// ErrKeyDerivation is returned when HKDF expansion fails (only possible
// if the requested output length exceeds HKDF's limit, which never
// happens for the fixed 16-byte keys here; kept for API completeness
// per the spec's error taxonomy).
var ErrKeyDerivation = errors.New("xcrypto: key derivation failed")

// TEK is a Temporary Exposure Key: 16 random bytes, rotated every TEK
// rolling period.
type TEK [KeyLength]byte

// RPIK is a Rolling Proximity Identifier Key, derived from a TEK.
type RPIK [KeyLength]byte

// AEMK is an Associated Encrypted Metadata Key, derived from a TEK.
type AEMK [KeyLength]byte

// RPI is a Rolling Proximity Identifier: the broadcast-layer pseudonym
// for one ENIN under one RPIK.
type RPI [KeyLength]byte

// PKSK is the protocol-symmetry pooling-key signing key; unused by the
// core matching logic but retained on the keyring for wire-format
// symmetry with the base protocol.
type PKSK [KeyLength]byte

// NewTEK returns a new TEK generated with a cryptographically secure
// RNG.
func NewTEK() (TEK, error) {
	var tek TEK
	if _, err := io.ReadFull(rand.Reader, tek[:]); err != nil {
		return TEK{}, ErrRandomKeyGeneration
	}
	return tek, nil
}

// NewSeed returns a new 10-byte protocol-symmetry seed.
func NewSeed() ([]byte, error) {
	seed := make([]byte, seedLength)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, ErrRandomKeyGeneration
	}
	return seed, nil
}

// DeriveRPIK derives the RPIK for a TEK via HKDF-SHA256 with an empty
// salt and info "EN-RPIK".
func DeriveRPIK(tek TEK) (RPIK, error) {
	var out RPIK
	if err := derive(tek[:], []byte("EN-RPIK"), out[:]); err != nil {
		return RPIK{}, err
	}
	return out, nil
}

// DeriveAEMK derives the AEMK for a TEK via HKDF-SHA256 with an empty
// salt and info "EN-AEMK".
func DeriveAEMK(tek TEK) (AEMK, error) {
	var out AEMK
	if err := derive(tek[:], []byte("EN-AEMK"), out[:]); err != nil {
		return AEMK{}, err
	}
	return out, nil
}

// DerivePKSK derives the protocol-symmetry PKSK for a TEK via
// HKDF-SHA256 with info "EN-PKSK". Unused by matching; kept for wire
// symmetry.
func DerivePKSK(tek TEK) (PKSK, error) {
	var out PKSK
	if err := derive(tek[:], []byte("EN-PKSK"), out[:]); err != nil {
		return PKSK{}, err
	}
	return out, nil
}

func derive(ikm, info, out []byte) error {
	h := hkdf.New(sha256.New, ikm, nil, info)
	if _, err := io.ReadFull(h, out); err != nil {
		return ErrKeyDerivation
	}
	return nil
}

// DeriveRPI computes the Rolling Proximity Identifier for ENIN j under
// rpik: AES-128-ECB(rpik, P) where P is "EN-RPI" in bytes 0..6, zero
// padding in bytes 6..12, and j little-endian in bytes 12..16.
func DeriveRPI(rpik RPIK, j uint32) (RPI, error) {
	block, err := aes.NewCipher(rpik[:])
	if err != nil {
		return RPI{}, ErrKeyDerivation
	}

	var padded [16]byte
	copy(padded[0:6], []byte("EN-RPI"))
	binary.LittleEndian.PutUint32(padded[12:16], j)

	var out RPI
	block.Encrypt(out[:], padded[:])
	return out, nil
}

// EncryptAEM encrypts metadata plaintext under aemk using AES-128-CTR
// with rpi as the nonce. The ciphertext has the same length as the
// plaintext.
func EncryptAEM(aemk AEMK, rpi RPI, plaintext []byte) ([]byte, error) {
	return aemKeyStream(aemk, rpi, plaintext)
}

// DecryptAEM decrypts metadata ciphertext under aemk using AES-128-CTR
// with rpi as the nonce. AES-CTR is its own inverse, so this is the
// same transform as EncryptAEM.
func DecryptAEM(aemk AEMK, rpi RPI, ciphertext []byte) ([]byte, error) {
	return aemKeyStream(aemk, rpi, ciphertext)
}

func aemKeyStream(aemk AEMK, rpi RPI, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(aemk[:])
	if err != nil {
		return nil, ErrKeyDerivation
	}
	stream := cipher.NewCTR(block, rpi[:])
	dst := make([]byte, len(src))
	stream.XORKeyStream(dst, src)
	return dst, nil
}
