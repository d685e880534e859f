/*
Package log provides structured logging for the daemon via zerolog.

A single process-wide Logger is configured once with Init; every component
derives a child logger from it via WithComponent or one of the domain
helpers (WithVolume, WithTarget, WithSession) so that every log line the
component emits carries that context automatically.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	volLog := log.WithVolume(volumeID)
	volLog.Info().Str("state", "RUNNING").Msg("volume started")

	sessLog := log.WithSession(sessionID)
	sessLog.Debug().Str("opcode", "READ_10").Msg("command dispatched")
*/
package log
