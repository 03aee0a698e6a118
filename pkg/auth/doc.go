/*
Package auth manages the platform access token.

The TokenManager authenticates with either bot client credentials
(form-encoded client_credentials grant) or a username plus SHA-512 password
hash (JSON sessions request), decodes the returned JWT without signature
verification, and schedules the next refresh at 90% of the remaining token
lifetime. Failed refreshes retry every ten seconds indefinitely so a
platform outage never kills the process.

Decoded claims classify the principal: a client_sub claim marks a bot, a
UserId claim marks a user. The classification gates which automation the
client enables.
*/
package auth
