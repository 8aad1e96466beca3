////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package cmd initializes the CLI and config parsers as well as the logger.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"gitlab.com/elixxir/multicast/cmdUtils"
)

// cpuProfile is the running CPU profile, if one was requested.
var cpuProfile interface{ Stop() }

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "multicast",
	Short: "Reliable file transfer over UDP multicast",
	Long: "Serves files to many clients at once over UDP multicast, " +
		"retransmitting in waves until every client has every segment.",
	Args: cobra.NoArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cmdUtils.InitLog(viper.GetUint(logLevelFlag), viper.GetString(logFlag))
		jww.INFO.Print(version())

		if dir := viper.GetString(profileCpuFlag); dir != "" {
			cpuProfile = profile.Start(profile.CPUProfile,
				profile.ProfilePath(dir), profile.NoShutdownHook, profile.Quiet)
			jww.INFO.Printf("Writing CPU profile to %s",
				filepath.Join(dir, "cpu.pprof"))
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if cpuProfile != nil {
			cpuProfile.Stop()
		}
	},
}

// init is the initialization function for Cobra which defines commands
// and flags.
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().CountP(logLevelFlag, "v",
		"Verbosity level for log printing (2+ = Trace, 1 = Debug, 0 = Info)")
	cmdUtils.BindPersistentFlagHelper(logLevelFlag, rootCmd)

	rootCmd.PersistentFlags().StringP(logFlag, "l", "-",
		"Path to the log output path (- is stdout)")
	cmdUtils.BindPersistentFlagHelper(logFlag, rootCmd)

	rootCmd.PersistentFlags().StringP(configFlag, "c", "",
		"Path to a config file (YAML, JSON or TOML) holding flag values")
	cmdUtils.BindPersistentFlagHelper(configFlag, rootCmd)

	rootCmd.PersistentFlags().String(profileCpuFlag, "",
		"Enables CPU profiling and writes the profile to this directory")
	cmdUtils.BindPersistentFlagHelper(profileCpuFlag, rootCmd)
}

// initConfig reads in the config file and environment variables, if set.
// Environment variables are the flag names prefixed with MULTICAST_.
func initConfig() {
	viper.SetEnvPrefix("multicast")
	viper.AutomaticEnv()

	configPath := viper.GetString(configFlag)
	if configPath == "" {
		return
	}

	viper.SetConfigFile(configPath)
	if err := viper.ReadInConfig(); err != nil {
		jww.FATAL.Panicf("Failed to read config file %s: %+v", configPath, err)
	}
	jww.INFO.Printf("Using config file %s", viper.ConfigFileUsed())
}
