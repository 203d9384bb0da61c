// Package logging provides structured logging for the session runtime.
//
// It wraps log/slog with a JSON handler. Log output goes to a size-rotated
// file under the state directory rather than the terminal, because the
// terminal belongs to the TUI or, while attached, to the remote program.
//
// # Basic Usage
//
//	logger, err := logging.NewFileLogger(dir, logging.LevelInfo, logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	log := logger.WithSession(id).WithComponent("controller")
//	log.Info("session transition", "from", "starting", "to", "running")
//
// Child loggers created through With* share the parent's writer; closing any
// of them closes the file for all.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package logging
