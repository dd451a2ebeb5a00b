/*
Package graph is the single gateway to the property graph store.

The Store interface is the only surface the services see; the bbolt
implementation keeps CIs and relationships in JSON-encoded buckets with
forward and reverse adjacency indexes, so neighborhood scans do not
iterate the whole edge set.

Everything read back from storage passes through the codec, which
normalizes the store's numeric representation (JSON numbers decode as
float64) back to native integers and wall-clock timestamps before the
rest of the core sees it. Sessions are per-call: every operation opens
its own transaction and releases it unconditionally, and storage errors
are wrapped as a single query-failure kind.
*/
package graph
