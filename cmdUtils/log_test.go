////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmdUtils

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/require"
)

func resetLog(t *testing.T) {
	t.Cleanup(func() {
		jww.SetStdoutOutput(os.Stdout)
		jww.SetLogOutput(io.Discard)
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
	})
}

// Tests that InitLog maps each verbosity to its threshold.
func TestInitLog_Threshold(t *testing.T) {
	resetLog(t)
	tests := map[uint]jww.Threshold{
		0: jww.LevelInfo,
		1: jww.LevelDebug,
		2: jww.LevelTrace,
		9: jww.LevelTrace,
	}

	for threshold, expected := range tests {
		InitLog(threshold, "")
		if jww.GetStdoutThreshold() != expected {
			t.Errorf("Unexpected stdout threshold for %d."+
				"\nexpected: %s\nreceived: %s",
				threshold, expected, jww.GetStdoutThreshold())
		}
		if jww.GetLogThreshold() != expected {
			t.Errorf("Unexpected log threshold for %d."+
				"\nexpected: %s\nreceived: %s",
				threshold, expected, jww.GetLogThreshold())
		}
	}
}

// Tests that InitLog writes to the given log file.
func TestInitLog_File(t *testing.T) {
	resetLog(t)
	logPath := filepath.Join(t.TempDir(), "multicast.log")

	InitLog(1, logPath)
	jww.DEBUG.Print("written to file")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "written to file"),
		"log file missing entry: %q", data)
}

// Tests that InitLog panics when the log file cannot be opened.
func TestInitLog_BadPath(t *testing.T) {
	resetLog(t)
	logPath := filepath.Join(t.TempDir(), "missing", "multicast.log")
	require.Panics(t, func() { InitLog(0, logPath) })
}
