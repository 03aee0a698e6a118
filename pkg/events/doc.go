/*
Package events provides the public event surface of the FleetLink client.

The Broker fans events out to subscriber channels. The client publishes
EventReady exactly once after bootstrap completes and EventConnect for
every console connection that reaches the open state; the payload of an
EventConnect is the *console.Connection itself.

Delivery is best-effort: a subscriber whose buffer is full misses the
event rather than blocking the distribution loop. Nothing is persisted.
*/
package events
