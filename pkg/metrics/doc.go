/*
Package metrics exposes Prometheus collectors for the FleetLink client.

Gauges track the live shape of the connection subsystem (open account
sockets, routed subscriptions, open consoles, managed groups); counters
track churn (migrations by outcome, recovery rounds, retried RPCs, token
refreshes, heartbeat-driven disconnects).

Call Register once at process start and mount Handler on an HTTP mux to
scrape. The library updates collectors unconditionally; an unregistered
collector is just never scraped.
*/
package metrics
