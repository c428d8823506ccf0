/*
Package types defines the core data structures shared across the
elastic agent and its supervisor: worker lifecycle state, failure
classification, and run results and failure records. The checkpoint
wire request types live in pkg/ckptwire. Component-specific
structures (WorkerSpec, WorkerGroup, CheckpointEntry, ...) live in
their owning packages; this package
only holds the small set of enums and result types that cross
package boundaries.
*/
package types
