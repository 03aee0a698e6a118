/*
Package config defines the FleetLink client configuration.

A Config carries the credential union (bot client credentials or a
username/password pair), group allow and deny lists, verbosity, and every
tunable of the connection-management subsystem: worker concurrency,
subscription fan-out, heartbeat budgets, migration and recovery timing, and
request retry policy. Zero values are filled by ApplyDefaults; Validate
rejects ambiguous credentials and unknown scopes before any network
activity happens.

Configurations are plain values. Load reads one from a YAML file for the
CLI; library consumers usually build the struct directly.
*/
package config
