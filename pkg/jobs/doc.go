/*
Package jobs is the topology generation fabric: a durable priority
queue in the kv store, a polling worker that executes generation runs
against the graph, and the scale-preset registry.

Jobs are prioritized by scale so a backlog of small runs cannot starve
an enterprise generation. Retries wait in a delayed set with
exponential backoff. Progress records carry a one-hour TTL and feed the
progress pub/sub through the event bus; cancellation is cooperative,
observed by the worker at every progress checkpoint.
*/
package jobs
