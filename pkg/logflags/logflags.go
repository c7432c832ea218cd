package logflags

import (
	"errors"
	"io"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var stub = false
var rspWire = false
var machine = false

var logOut io.Writer

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.ErrorLevel
	}
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	return logger
}

// Stub returns true if the stub command loop should log.
func Stub() bool {
	return stub
}

// StubLogger returns a logger for the stub command loop.
func StubLogger() *logrus.Entry {
	return makeLogger(stub, logrus.Fields{"layer": "stub"})
}

// RSPWire returns true if all packets exchanged with the remote GDB
// should be logged.
func RSPWire() bool {
	return rspWire
}

// RSPWireLogger returns a configured logger for the RSP wire protocol.
func RSPWireLogger() *logrus.Entry {
	return makeLogger(rspWire, logrus.Fields{"layer": "rspwire"})
}

// Machine returns true if the machine hosting the debuggee should log.
func Machine() bool {
	return machine
}

// MachineLogger returns a logger for the hosting machine.
func MachineLogger() *logrus.Entry {
	return makeLogger(machine, logrus.Fields{"layer": "machine"})
}

// SetOutput redirects all loggers created after the call to w.
func SetOutput(w io.Writer) {
	logOut = w
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "stub"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "stub":
			stub = true
		case "rspwire":
			rspWire = true
		case "machine":
			machine = true
		}
	}
	return nil
}
