/*
Package client is the top-level supervisor.

A Client owns the token manager, the REST gateway, the account-socket
router, and one group manager per admitted group. Bot principals get the
full automation: invite acceptance, group discovery over REST, and the
me-group event stream. User principals are limited to opening individual
server consoles.

Group admission is policy driven: a non-empty allowlist admits only its
members, otherwise anything outside the denylist is admitted. The two
lists never share an id.
*/
package client
