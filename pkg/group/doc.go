/*
Package group reconciles one group account against its streamed events.

A Manager computes the client's permissions from its role, keeps a server
manager per game server, and subscribes to the six group channels on the
account socket. Heartbeats drive each server's liveness watchdog; status
updates decide when a console is opened (console permission, supported
fleet, online with players) or torn down.
*/
package group
