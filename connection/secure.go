////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package connection

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// HKDF info strings for each direction of the control channel.
var (
	clientToServerInfo = []byte("xx multicast control client to server")
	serverToClientInfo = []byte("xx multicast control server to client")
)

// Error messages.
const (
	errDeriveKey  = "failed to derive control channel key: %+v"
	errOpenRecord = "failed to open record %d: %+v"
	errEmptyPSK   = "pre-shared key is empty"
)

// secureChannel seals control frames with ChaCha20-Poly1305. Each direction
// has its own HKDF-derived key and a counter nonce, so records cannot be
// replayed, reordered or reflected.
type secureChannel struct {
	send, receive               cipher.AEAD
	sendCounter, receiveCounter uint64
}

// newSecureChannel derives both direction keys from the pre-shared key.
func newSecureChannel(psk []byte, isServer bool) (*secureChannel, error) {
	if len(psk) == 0 {
		return nil, errors.New(errEmptyPSK)
	}

	c2s, err := deriveAEAD(psk, clientToServerInfo)
	if err != nil {
		return nil, err
	}
	s2c, err := deriveAEAD(psk, serverToClientInfo)
	if err != nil {
		return nil, err
	}

	if isServer {
		return &secureChannel{send: s2c, receive: c2s}, nil
	}
	return &secureChannel{send: c2s, receive: s2c}, nil
}

func deriveAEAD(psk, info []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, psk, nil, info), key); err != nil {
		return nil, errors.Errorf(errDeriveKey, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Errorf(errDeriveKey, err)
	}
	return aead, nil
}

// seal encrypts the next outgoing record.
func (sc *secureChannel) seal(plaintext []byte) []byte {
	nonce := counterNonce(sc.sendCounter)
	sc.sendCounter++
	return sc.send.Seal(nil, nonce, plaintext, nil)
}

// open decrypts the next incoming record.
func (sc *secureChannel) open(ciphertext []byte) ([]byte, error) {
	nonce := counterNonce(sc.receiveCounter)
	plaintext, err := sc.receive.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Errorf(errOpenRecord, sc.receiveCounter, err)
	}
	sc.receiveCounter++
	return plaintext, nil
}

// counterNonce returns the 12-byte nonce for a record counter.
func counterNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce, counter)
	return nonce
}
