/*
Package server manages the lifecycle of one game server.

A Manager holds the server descriptor, a heartbeat watchdog, and at most
one console connection. Connect resolves the console endpoint through
the REST gateway and refuses cleanly when the platform disallows it.
Abnormal console closes trigger an indefinite reconnect loop; a normal
close (1000) is treated as deliberate and ends the attempt.

The heartbeat watchdog counts silent heartbeat periods and tears down
the console once the missed budget is exhausted.
*/
package server
