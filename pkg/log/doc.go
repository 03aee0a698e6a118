/*
Package log provides structured logging for FleetLink using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, the verbosity levels recognised by the
client configuration (quiet, error, warning, info, debug), and an optional
prefix attached to every line.

Child-logger helpers tag log lines with the entity they belong to:

	log.WithComponent("accountws")
	log.WithInstanceID(3)
	log.WithGroupID(1048576)
	log.WithServerID(42)

Account-socket instances additionally tag outbound traffic with the combined
"<instance>-<message>" identifier so RPCs can be traced across a socket pool.
*/
package log
