////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package encoder provides the whole-message encoders used to authenticate
// the challenge exchange and to seal multicast segments.
package encoder

import (
	"github.com/pkg/errors"
	"gitlab.com/elixxir/crypto/fastRNG"
	"gitlab.com/xx_network/crypto/csprng"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of every symmetric key used by the encoders.
const KeySize = chacha20poly1305.KeySize

// Argon2id parameters used to stretch passphrases.
const (
	argonTime    = 1
	argonMemory  = 16 * 1024
	argonThreads = 2
)

// passphraseSalt is the fixed salt for passphrase derivation. Both sides must
// derive the same key without exchanging anything.
var passphraseSalt = []byte("xx multicast passphrase v1")

// Error messages.
const (
	errNewCipher    = "failed to initialize encryption algorithm: %+v"
	errNonce        = "failed to generate nonce: %+v"
	errChallengeKey = "failed to generate challenge key: %+v"
	errShortMessage = "encoded message of %d bytes is shorter than %d bytes"
	errDecrypt      = "failed to decrypt message"
	errKeySize      = "key must be %d bytes; received %d"
)

// Encoder encodes and decodes whole messages.
type Encoder interface {
	Encode(plaintext []byte) ([]byte, error)
	Decode(encoded []byte) ([]byte, error)

	// Overhead is the number of bytes Encode adds to a message.
	Overhead() int
}

// Factory creates Encoders. A nil Factory means no encoding.
type Factory interface {
	NewEncoder() (Encoder, error)
}

// rng is shared by every encoder for nonce generation.
var rng = fastRNG.NewStreamGenerator(12, 1024, csprng.NewSystemRNG)

// keyEncoder seals messages with XChaCha20-Poly1305 under a fixed key. The
// random nonce is prepended to the ciphertext.
type keyEncoder struct {
	key []byte
}

// NewKeyEncoder returns an Encoder using the given 32-byte key.
func NewKeyEncoder(key []byte) (Encoder, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf(errKeySize, KeySize, len(key))
	}
	return &keyEncoder{key: append([]byte{}, key...)}, nil
}

// Encode seals the plaintext under a fresh random nonce.
func (e *keyEncoder) Encode(plaintext []byte) ([]byte, error) {
	chaCipher, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, errors.Errorf(errNewCipher, err)
	}

	stream := rng.GetStream()
	defer stream.Close()
	nonce, err := csprng.Generate(chaCipher.NonceSize(), stream)
	if err != nil {
		return nil, errors.Errorf(errNonce, err)
	}

	return chaCipher.Seal(nonce, nonce, plaintext, nil), nil
}

// Decode opens a message sealed by Encode.
func (e *keyEncoder) Decode(encoded []byte) ([]byte, error) {
	chaCipher, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, errors.Errorf(errNewCipher, err)
	}

	nonceLen := chaCipher.NonceSize()
	if len(encoded) < nonceLen+chaCipher.Overhead() {
		return nil, errors.Errorf(
			errShortMessage, len(encoded), nonceLen+chaCipher.Overhead())
	}

	nonce, ciphertext := encoded[:nonceLen], encoded[nonceLen:]
	plaintext, err := chaCipher.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, errDecrypt)
	}

	return plaintext, nil
}

// Overhead returns the nonce and tag sizes.
func (e *keyEncoder) Overhead() int {
	return chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
}

// passphraseFactory makes key encoders from a passphrase-derived key.
type passphraseFactory struct {
	key []byte
}

// NewPassphraseFactory returns a Factory whose encoders use a key stretched
// from the passphrase with Argon2id. Both peers must use the same passphrase.
func NewPassphraseFactory(passphrase string) Factory {
	return &passphraseFactory{
		key: argon2.IDKey([]byte(passphrase), passphraseSalt,
			argonTime, argonMemory, argonThreads, KeySize),
	}
}

// NewEncoder returns an encoder under the derived key.
func (f *passphraseFactory) NewEncoder() (Encoder, error) {
	return NewKeyEncoder(f.key)
}

// ChallengeToken is sealed under the challenge key by the client to prove it
// recovered the key.
var ChallengeToken = []byte("multicast-challenge-token")

// NewChallengeKey returns KeySize random bytes for a challenge.
func NewChallengeKey() ([]byte, error) {
	stream := rng.GetStream()
	defer stream.Close()
	key, err := csprng.Generate(KeySize, stream)
	if err != nil {
		return nil, errors.Errorf(errChallengeKey, err)
	}
	return key, nil
}
