/*
Package rest is the gateway to the platform's HTTP API.

Every request carries the fixed header set (JSON content type, x-api-key,
user agent, bearer authorization); a missing bearer triggers a token
refresh before the request goes out. Requests run under the configured
timeout with a bounded constant-delay retry budget, and listing operations
follow the paginationToken response header until the collection is
exhausted. The platform is idempotent on the mutating operations the
client uses, so POSTs retry like GETs.

The package also defines the wire models shared with the streaming layer:
group and member descriptors, server status (also the payload of
group-server-heartbeat events), and console connection details.
*/
package rest
