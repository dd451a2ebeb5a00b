/*
Package temporal implements append-only relationship versioning.

Every versioned create archives the previously ACTIVE edge of the same
(from, to, type) tuple and chains a new version on top of it; tuples are
serialized by an application-level keyed lock so concurrent creates can
never mint the same version number. Archived versions are never mutated
again, which is what makes time-travel queries possible: the topology at
any past instant is exactly the set of versions whose validity interval
covers it.

The package also owns the weight-history append path and its trend
statistics, the auto-scaling adaptor that nudges load factors on
scaling events, and the expiry scan for edges with a bounded validTo.
*/
package temporal
