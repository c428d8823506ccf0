/*
Package log provides structured logging for the lattice agent and
checkpoint service using zerolog.

Init configures the process-wide Logger once at startup (JSON in
production, console in development). Every other package obtains a
child logger scoped to its concern via WithComponent, plus
WithRunID/WithJobID/WithRole for request-scoped context, rather than
writing to the global Logger directly.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	agentLog := log.WithComponent("agent").With().Str("run_id", runID).Logger()
	agentLog.Info().Int("restart_count", n).Msg("worker group restarted")

Never log checkpoint bodies or worker environment values (these may
carry secrets injected by the caller); log keys and sizes instead.
*/
package log
