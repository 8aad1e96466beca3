////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"gitlab.com/elixxir/multicast/cmdUtils"
	"gitlab.com/elixxir/multicast/server"
	"gitlab.com/elixxir/multicast/wire"
)

// serverCmd serves a root folder until interrupted.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serves the files under a root folder over multicast",
	Args:  cobra.NoArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		bindSharedFlags(cmd)
	},
	Run: func(cmd *cobra.Command, args []string) {
		params, err := initServerParams()
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}

		s, err := server.NewServer(params)
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}

		ctx, stop := signal.NotifyContext(
			context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = s.Listen(ctx)
		if err != nil && !wire.IsCancellation(err) {
			jww.FATAL.Panicf("%+v", err)
		}
	},
}

// initServerParams builds the server parameters from the flags.
func initServerParams() (server.Params, error) {
	p := server.DefaultParams()
	p.RootFolder = viper.GetString(rootFlag)
	p.Address = viper.GetString(addressFlag)
	p.BufferSize = viper.GetInt(bufferSizeFlag)
	p.ReadTimeout = viper.GetDuration(readTimeoutFlag)
	p.ResponseDelay = viper.GetDuration(responseDelayFlag)
	p.TTL = viper.GetInt(ttlFlag)
	p.MTU = viper.GetInt(mtuFlag)
	p.MaxConnections = viper.GetInt(maxConnectionsFlag)
	p.MaxSessions = viper.GetInt(maxSessionsFlag)
	p.MulticastAddress = viper.GetString(multicastAddressFlag)
	p.MulticastStartPort = viper.GetInt(multicastPortFlag)
	p.MulticastInterface = viper.GetString(interfaceFlag)
	p.MulticastBurstLength = viper.GetInt(burstLengthFlag)
	p.MaxBytesPerSecond = viper.GetInt64(maxBytesFlag)
	p.Secure = viper.GetBool(secureFlag)

	var err error
	if p.DelayPolicy, err = server.ParseDelayPolicy(
		viper.GetString(delayPolicyFlag)); err != nil {
		return p, err
	}
	if p.Encoder, err = initEncoder(); err != nil {
		return p, err
	}

	return p, p.Verify()
}

func init() {
	d := server.DefaultParams()

	serverCmd.Flags().StringP(rootFlag, "r", ".",
		"Folder that requested paths are resolved against")
	cmdUtils.BindFlagHelper(rootFlag, serverCmd)

	serverCmd.Flags().StringP(addressFlag, "a", d.Address,
		"TCP address the control channel listens on")
	cmdUtils.BindFlagHelper(addressFlag, serverCmd)

	serverCmd.Flags().Int(bufferSizeFlag, d.BufferSize,
		"Size of the socket buffers in bytes")
	cmdUtils.BindFlagHelper(bufferSizeFlag, serverCmd)

	serverCmd.Flags().Duration(readTimeoutFlag, d.ReadTimeout,
		"Handshake read timeout and the longest a client may go without "+
			"reporting status")
	cmdUtils.BindFlagHelper(readTimeoutFlag, serverCmd)

	serverCmd.Flags().Duration(responseDelayFlag, d.ResponseDelay,
		"Longest a status round waits for the clients")
	cmdUtils.BindFlagHelper(responseDelayFlag, serverCmd)

	serverCmd.Flags().Int(ttlFlag, d.TTL, "Multicast hop limit")
	cmdUtils.BindFlagHelper(ttlFlag, serverCmd)

	serverCmd.Flags().Int(mtuFlag, d.MTU,
		"Largest datagram sent, including IP and UDP headers")
	cmdUtils.BindFlagHelper(mtuFlag, serverCmd)

	serverCmd.Flags().Int(maxConnectionsFlag, d.MaxConnections,
		"Largest number of joined clients")
	cmdUtils.BindFlagHelper(maxConnectionsFlag, serverCmd)

	serverCmd.Flags().Int(maxSessionsFlag, d.MaxSessions,
		"Largest number of paths served at once")
	cmdUtils.BindFlagHelper(maxSessionsFlag, serverCmd)

	serverCmd.Flags().String(multicastAddressFlag, d.MulticastAddress,
		"Multicast group address")
	cmdUtils.BindFlagHelper(multicastAddressFlag, serverCmd)

	serverCmd.Flags().Int(multicastPortFlag, d.MulticastStartPort,
		"First multicast port; each session uses the next free port")
	cmdUtils.BindFlagHelper(multicastPortFlag, serverCmd)

	serverCmd.Flags().String(interfaceFlag, "",
		"Network interface to send multicast on")
	cmdUtils.BindFlagHelper(interfaceFlag, serverCmd)

	serverCmd.Flags().Int(burstLengthFlag, d.MulticastBurstLength,
		"Bytes of segment data sent per burst")
	cmdUtils.BindFlagHelper(burstLengthFlag, serverCmd)

	serverCmd.Flags().Int64(maxBytesFlag, d.MaxBytesPerSecond,
		"Data rate cap of each session")
	cmdUtils.BindFlagHelper(maxBytesFlag, serverCmd)

	serverCmd.Flags().String(delayPolicyFlag, d.DelayPolicy.String(),
		"Reception rate statistic that drives the burst delay "+
			"(minimum, maximum or average)")
	cmdUtils.BindFlagHelper(delayPolicyFlag, serverCmd)

	serverCmd.Flags().Bool(secureFlag, false,
		"Encrypt the control channel after the challenge (mcasts:// clients)")
	cmdUtils.BindFlagHelper(secureFlag, serverCmd)

	addEncoderFlags(serverCmd)

	rootCmd.AddCommand(serverCmd)
}
