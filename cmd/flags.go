////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

// This is a comprehensive list of CLI flag name constants. Organized by
// subcommand, with root level CLI flags at the top of the list. Pulling flags
// using Viper should use the constants defined here.
const (
	//////////////// Root flags ///////////////////////////////////////////////

	// Log flags
	logLevelFlag = "logLevel"
	logFlag      = "log"

	// Misc
	configFlag     = "config"
	profileCpuFlag = "profile-cpu"

	// Shared by server and client
	rootFlag          = "root"
	bufferSizeFlag    = "bufferSize"
	readTimeoutFlag   = "readTimeout"
	interfaceFlag     = "interface"
	passphraseFlag    = "passphrase"
	privateKeyFlag    = "privateKey"
	peerPublicKeyFlag = "peerPublicKey"

	///////////////// Server subcommand flags /////////////////////////////////
	addressFlag          = "address"
	responseDelayFlag    = "responseDelay"
	ttlFlag              = "ttl"
	mtuFlag              = "mtu"
	maxConnectionsFlag   = "maxConnections"
	maxSessionsFlag      = "maxSessions"
	multicastAddressFlag = "multicastAddress"
	multicastPortFlag    = "multicastPort"
	burstLengthFlag      = "burstLength"
	maxBytesFlag         = "maxBytesPerSecond"
	delayPolicyFlag      = "delayPolicy"
	secureFlag           = "secure"

	///////////////// Client subcommand flags /////////////////////////////////
	uriFlag            = "uri"
	pathFlag           = "path"
	stateFlag          = "state"
	statusIntervalFlag = "statusInterval"
	quietFlag          = "quiet"
)
