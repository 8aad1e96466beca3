////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/cloudflare/circl/dh/x25519"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"gitlab.com/elixxir/multicast/cmdUtils"
	"gitlab.com/elixxir/multicast/encoder"
)

// keygenCmd prints a new X25519 key pair for the asymmetric encoder.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generates a key pair for --privateKey and --peerPublicKey",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		private, public, err := encoder.GenerateKeyPair()
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		fmt.Printf("private: %s\npublic:  %s\n",
			hex.EncodeToString(private[:]), hex.EncodeToString(public[:]))
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

// addEncoderFlags adds the flags read by initEncoder to the command.
func addEncoderFlags(command *cobra.Command) {
	command.Flags().String(passphraseFlag, "",
		"Passphrase shared with the peer; authenticates the challenge and "+
			"encrypts multicast segments")
	cmdUtils.BindFlagHelper(passphraseFlag, command)

	command.Flags().String(privateKeyFlag, "",
		"Hex encoded X25519 private key; used with --"+peerPublicKeyFlag+
			" instead of a passphrase")
	cmdUtils.BindFlagHelper(privateKeyFlag, command)

	command.Flags().String(peerPublicKeyFlag, "",
		"Hex encoded X25519 public key of the peer")
	cmdUtils.BindFlagHelper(peerPublicKeyFlag, command)
}

// bindSharedFlags rebinds the flags defined by both the server and the client
// so that viper reads them from the command being run.
func bindSharedFlags(command *cobra.Command) {
	for _, key := range []string{rootFlag, bufferSizeFlag, readTimeoutFlag,
		interfaceFlag, passphraseFlag, privateKeyFlag, peerPublicKeyFlag} {
		cmdUtils.BindFlagHelper(key, command)
	}
}

// initEncoder returns the encoder factory selected by the flags, or nil if
// none is set.
func initEncoder() (encoder.Factory, error) {
	passphrase := viper.GetString(passphraseFlag)
	privateHex := viper.GetString(privateKeyFlag)
	publicHex := viper.GetString(peerPublicKeyFlag)

	switch {
	case passphrase != "" && (privateHex != "" || publicHex != ""):
		return nil, errors.Errorf("--%s cannot be used with --%s",
			passphraseFlag, privateKeyFlag)
	case passphrase != "":
		jww.INFO.Printf("Using passphrase encoder")
		return encoder.NewPassphraseFactory(passphrase), nil
	case privateHex == "" && publicHex == "":
		return nil, nil
	}

	private, err := parseKey(privateKeyFlag, privateHex)
	if err != nil {
		return nil, err
	}
	public, err := parseKey(peerPublicKeyFlag, publicHex)
	if err != nil {
		return nil, err
	}

	jww.INFO.Printf("Using asymmetric key encoder")
	return encoder.NewAsymmetricFactory(private, public), nil
}

// parseKey decodes a hex encoded X25519 key.
func parseKey(flag, s string) ([x25519.Size]byte, error) {
	var key [x25519.Size]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, errors.Errorf("invalid --%s: %+v", flag, err)
	}
	if len(b) != x25519.Size {
		return key, errors.Errorf("--%s must be %d bytes; received %d",
			flag, x25519.Size, len(b))
	}
	copy(key[:], b)
	return key, nil
}
