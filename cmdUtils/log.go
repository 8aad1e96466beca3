////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmdUtils

import (
	"io"
	"log"
	"os"

	jww "github.com/spf13/jwalterweatherman"
)

// InitLog sets the log threshold (0 INFO, 1 DEBUG, 2+ TRACE) and, unless
// logPath is empty or "-", sends the log to that file instead of stdout.
func InitLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		logOutput, err := os.OpenFile(logPath,
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			jww.FATAL.Panicf("Failed to open log file %q: %+v", logPath, err)
		}
		jww.SetStdoutOutput(io.Discard)
		jww.SetLogOutput(logOutput)
	}

	level := jww.LevelInfo
	switch {
	case threshold > 1:
		level = jww.LevelTrace
	case threshold == 1:
		level = jww.LevelDebug
	}
	if level < jww.LevelInfo {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
	jww.SetStdoutThreshold(level)
	jww.SetLogThreshold(level)
	jww.INFO.Printf("Log threshold set to %s", level)
}
