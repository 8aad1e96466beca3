////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"gitlab.com/elixxir/multicast/client"
	"gitlab.com/elixxir/multicast/cmdUtils"
	"gitlab.com/elixxir/multicast/connection"
)

// clientCmd downloads one path from a server.
var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Downloads a file or folder from a multicast server",
	Args:  cobra.NoArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		bindSharedFlags(cmd)
	},
	Run: func(cmd *cobra.Command, args []string) {
		params, err := initClientParams()
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}

		c, err := client.NewClient(params)
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}

		ctx, stop := signal.NotifyContext(
			context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = c.Download(ctx, viper.GetString(uriFlag),
			viper.GetString(pathFlag), viper.GetInt64(stateFlag))
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		jww.INFO.Printf("Downloaded %d files to %s",
			len(c.Files()), params.RootFolder)
	},
}

// initClientParams builds the client parameters from the flags.
func initClientParams() (client.Params, error) {
	p := client.DefaultParams()
	p.RootFolder = viper.GetString(rootFlag)
	p.BufferSize = viper.GetInt(bufferSizeFlag)
	p.ReadTimeout = viper.GetDuration(readTimeoutFlag)
	p.StatusInterval = viper.GetDuration(statusIntervalFlag)
	p.MulticastInterface = viper.GetString(interfaceFlag)

	if !viper.GetBool(quietFlag) {
		var lastPercent int64 = -1
		p.Progress = func(received, total int64) {
			if total == 0 {
				return
			}
			percent := received * 100 / total
			if percent != lastPercent {
				lastPercent = percent
				fmt.Printf("\r%3d%% %d/%d bytes", percent, received, total)
				if received == total {
					fmt.Println()
				}
			}
		}
	}

	var err error
	if p.Encoder, err = initEncoder(); err != nil {
		return p, err
	}

	return p, p.Verify()
}

func init() {
	d := client.DefaultParams()

	clientCmd.Flags().StringP(uriFlag, "u", "",
		"Server URI: mcast://host[:port][/path], or mcasts:// for a secure "+
			"control channel (default port "+
			fmt.Sprint(connection.DefaultPort)+")")
	cmdUtils.BindFlagHelper(uriFlag, clientCmd)

	clientCmd.Flags().StringP(pathFlag, "p", "",
		"Path to download; overrides the path of the URI")
	cmdUtils.BindFlagHelper(pathFlag, clientCmd)

	clientCmd.Flags().StringP(rootFlag, "r", ".",
		"Folder the downloaded files are written to")
	cmdUtils.BindFlagHelper(rootFlag, clientCmd)

	clientCmd.Flags().Int64(stateFlag, 0,
		"Opaque value passed to the server on join")
	cmdUtils.BindFlagHelper(stateFlag, clientCmd)

	clientCmd.Flags().Int(bufferSizeFlag, d.BufferSize,
		"Size of the socket buffers in bytes")
	cmdUtils.BindFlagHelper(bufferSizeFlag, clientCmd)

	clientCmd.Flags().Duration(readTimeoutFlag, d.ReadTimeout,
		"Handshake read timeout")
	cmdUtils.BindFlagHelper(readTimeoutFlag, clientCmd)

	clientCmd.Flags().Duration(statusIntervalFlag, d.StatusInterval,
		"Time between status reports")
	cmdUtils.BindFlagHelper(statusIntervalFlag, clientCmd)

	clientCmd.Flags().String(interfaceFlag, "",
		"Network interface to join the multicast group on")
	cmdUtils.BindFlagHelper(interfaceFlag, clientCmd)

	clientCmd.Flags().BoolP(quietFlag, "q", false, "Do not print progress")
	cmdUtils.BindFlagHelper(quietFlag, clientCmd)

	addEncoderFlags(clientCmd)

	rootCmd.AddCommand(clientCmd)
}
