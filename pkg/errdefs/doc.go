/*
Package errdefs defines the error kinds shared across FleetLink packages.

Errors fall into two groups: sentinel values matched with errors.Is
(subscription bookkeeping, retry exhaustion, refused console connections)
and the ConfigError type raised synchronously when a Client is constructed
with missing or ambiguous credentials.

Network and protocol errors inside the streaming pipeline are caught and
logged where they occur; only ConfigError, ErrInvalidUsage, and the final
resolution of caller-initiated operations propagate out of the library.
*/
package errdefs
