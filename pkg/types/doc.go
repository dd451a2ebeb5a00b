/*
Package types defines the core data model shared by every Lattice subsystem.

The model has three layers:

  - CI: a configuration item, the node of the property graph. Types are an
    open enumeration; status and criticality carry defined constants.
  - Relationship: a directed, typed edge between two CIs carrying numeric
    weight annotations. The relationship type set is closed and validated
    before any storage scan.
  - Tagged variants: TemporalProperties (append-only versioning with
    validity intervals and weight history) and ConditionalProperties
    (runtime activation state) extend a plain weighted edge.

Job, Progress and Event types support the generation fabric and the
graph-persisted event log.
*/
package types
