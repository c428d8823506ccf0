/*
Package worker defines the blueprint (WorkerSpec), the runtime unit
(Worker) and the managed collection of workers for one role
(WorkerGroup) that the elastic agent starts, monitors, and restarts.

A WorkerSpec is framework-agnostic: it describes one role's local
process fan-out (entrypoint, args, local world size) without knowing
what environment variables the entrypoint actually expects. Those are
supplied by a Framework, looked up in the FrameworkRegistry by
WorkerSpec.Framework, so adding support for a new training framework
means registering one more Framework implementation rather than
touching WorkerSpec or WorkerGroup.
*/
package worker
