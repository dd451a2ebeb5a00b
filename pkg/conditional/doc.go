/*
Package conditional implements the conditional dependency engine.

Conditional edges carry a structured activation condition and a single
isActive flag. A background evaluator wakes on a fixed interval, loads
every conditional edge and dispatches to the handler for its condition
type. Handlers flip isActive, stamp the actor fields and publish a bus
event on every transition; activationCount only ever grows. Wakes never
overlap and a handler error is recorded in the wake summary rather than
aborting the cycle.

The package also serves failover planning and a read-only what-if
simulation that runs the same handler logic against hypothetical CI
state without persisting anything.
*/
package conditional
