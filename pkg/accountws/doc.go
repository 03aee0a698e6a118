/*
Package accountws implements the account WebSocket layer: a pool of
authenticated duplex sockets carrying RPC requests, correlated responses
(id > 0), and broadcast events (id == 0).

Each Instance owns one live socket plus the machinery that keeps it
healthy over a long run: a ping loop, a migration timer that rotates the
underlying socket before the platform expires it (roughly every two
hours), an RPC retry budget, and a recovery path that reopens the socket
and re-posts every subscription after an abnormal close. The halted gate
blocks non-migration sends while a migration or recovery is in flight;
callers simply wait on it and complete on the new socket.

Close-code policy: 3000 (migration completed, old socket) and 3001
(migration aborted, new socket) are internal and never trigger recovery;
any other close does.

The Router partitions event/key subscriptions across instances, capping
each at MaxSubscriptionsPerWebSocket and spawning new instances with
monotone ids as the fan-out grows. Every routed pair resolves to an
instance whose subscription table still contains it.
*/
package accountws
