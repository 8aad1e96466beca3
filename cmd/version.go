////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Handles command-line version functionality

package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Change this value to set the version for this build
const currentVersion = "1.0.0"

func version() string {
	out := fmt.Sprintf("xx multicast v%s", currentVersion)
	if info, ok := debug.ReadBuildInfo(); ok {
		out += fmt.Sprintf(" -- %s\n\nDependencies:\n", info.GoVersion)
		for _, dep := range info.Deps {
			out += fmt.Sprintf("\t%s %s\n", dep.Path, dep.Version)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and dependency information for the binary",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version())
	},
}
