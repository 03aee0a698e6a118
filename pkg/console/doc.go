/*
Package console implements the per-server console WebSocket.

A Connection dials the plaintext console endpoint, presents its one-shot
token as the first frame, and is considered open once the server confirms
authentication with a "Connection Succeeded" info log. After that it
carries command RPCs (correlated by commandId) and event subscriptions
dispatched by "<type>[/<eventType>]" name.

Send refuses subscribe-shaped command strings; subscriptions go through
Subscribe and Unsubscribe so the connection's bookkeeping stays accurate.
*/
package console
