////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package encoder

import (
	"github.com/cloudflare/circl/dh/x25519"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Error messages.
const (
	errLowOrderKey = "peer public key is a low order point"
	errKeyPair     = "failed to generate key pair: %+v"
)

// asymmetricFactory makes key encoders from the X25519 shared secret between
// a local private key and a peer's public key.
type asymmetricFactory struct {
	private x25519.Key
	peer    x25519.Key
}

// NewAsymmetricFactory returns a Factory whose encoders use the BLAKE2b-256
// hash of the X25519 shared secret of privateKey and peerPublicKey. The server
// and the client each hold their own private key and the other's public key.
func NewAsymmetricFactory(privateKey, peerPublicKey [x25519.Size]byte) Factory {
	return &asymmetricFactory{
		private: privateKey,
		peer:    peerPublicKey,
	}
}

// NewEncoder derives the shared key and returns an encoder under it.
func (f *asymmetricFactory) NewEncoder() (Encoder, error) {
	var shared x25519.Key
	if !x25519.Shared(&shared, &f.private, &f.peer) {
		return nil, errors.New(errLowOrderKey)
	}
	key := blake2b.Sum256(shared[:])
	return NewKeyEncoder(key[:])
}

// GenerateKeyPair returns a new X25519 private key and its public key.
func GenerateKeyPair() (private, public [x25519.Size]byte, err error) {
	stream := rng.GetStream()
	defer stream.Close()

	if _, err = stream.Read(private[:]); err != nil {
		return private, public, errors.Errorf(errKeyPair, err)
	}

	var pub x25519.Key
	priv := x25519.Key(private)
	x25519.KeyGen(&pub, &priv)
	return private, [x25519.Size]byte(pub), nil
}
