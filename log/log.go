// Package log provides one btclog.Logger per subsystem, all writing to a
// shared backend that tees to stdout and a rotated log file.
package log

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// LogWriter tees every write to stdout and the rotator's write end.
type LogWriter struct{}

// timestampLen is the length of the backend's fixed-width timestamp
// prefix ("2006-01-02 15:04:05.000 "), stripped when timestamps are
// disabled.
const timestampLen = 24

var showTimestamps = true

// SetShowTimestamps controls whether log lines keep their leading
// timestamp. The backend always emits one; disabling strips it on the way
// out, for environments (systemd, container runtimes) that stamp lines
// themselves.
func SetShowTimestamps(show bool) {
	showTimestamps = show
}

func (LogWriter) Write(p []byte) (n int, err error) {
	out := p
	if !showTimestamps && len(out) > timestampLen {
		out = out[timestampLen:]
	}
	os.Stdout.Write(out)
	if LogRotator != nil {
		LogRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem. Uninitialized (nil LogRotator) loggers still
// work, they just don't persist to a file until InitLogRotator runs.
var (
	backendLog = btclog.NewBackend(LogWriter{})

	// LogRotator is the file output; closed on shutdown.
	LogRotator *rotator.Rotator

	MainLog = backendLog.Logger("MAIN") // cmd/addrindexer
	StorLog = backendLog.Logger("STOR") // internal/store
	SchmLog = backendLog.Logger("SCHM") // internal/schema
	DmonLog = backendLog.Logger("DMON") // internal/daemon
	SrceLog = backendLog.Logger("SRCE") // internal/blocksource
	BulkLog = backendLog.Logger("BULK") // internal/indexer (bulk)
	IncrLog = backendLog.Logger("INCR") // internal/indexer (incremental)
	QuryLog = backendLog.Logger("QURY") // internal/query
	CachLog = backendLog.Logger("CACH") // internal/cache
	RpcsLog = backendLog.Logger("RPCS") // internal/rpcserver
	CfgLog  = backendLog.Logger("CFG") // config
)

// SubsystemLoggers maps each subsystem identifier to its associated
// logger, used by SetLogLevel(s) to apply the configured verbosity
// uniformly.
var SubsystemLoggers = map[string]btclog.Logger{
	"MAIN": MainLog,
	"STOR": StorLog,
	"SCHM": SchmLog,
	"DMON": DmonLog,
	"SRCE": SrceLog,
	"BULK": BulkLog,
	"INCR": IncrLog,
	"QURY": QuryLog,
	"CACH": CachLog,
	"RPCS": RpcsLog,
	"CFG": CfgLog,
}

// InitLogRotator creates the rotated log file at logFile (and the
// directory containing it). Must be called before any subsystem logger
// is used if on-disk logging is wanted.
func InitLogRotator(logFile string) error {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("log: create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("log: create file rotator: %w", err)
	}
	LogRotator = r
	return nil
}

// CloseLogRotator flushes and closes the rotated log file, if one was set
// up. Called once at shutdown.
func CloseLogRotator() {
	if LogRotator != nil {
		LogRotator.Close()
		LogRotator = nil
	}
}

// SetLogLevel sets the logging level for one subsystem. Invalid
// subsystem IDs are ignored.
func SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := SubsystemLoggers[subsystemID]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets every subsystem logger to logLevel.
func SetLogLevels(logLevel string) {
	for subsystemID := range SubsystemLoggers {
		SetLogLevel(subsystemID, logLevel)
	}
}

// VerboseToLevel maps the `verbose` count option to a btclog level name:
// 0 is info, 1 is debug, 2+ is trace.
func VerboseToLevel(verbose int) string {
	switch {
	case verbose <= 0:
		return "info"
	case verbose == 1:
		return "debug"
	default:
		return "trace"
	}
}
