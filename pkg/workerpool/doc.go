/*
Package workerpool provides a bounded-concurrency executor.

The client uses a Pool to fan out independent platform calls without
stampeding the API: group bootstrap, invite acceptance, and the
resubscribe round of socket recovery all run through one. The default
limit is five concurrent tasks; configuring more than ten logs a warning.
*/
package workerpool
