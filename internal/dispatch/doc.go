// Package dispatch decides, per build task, whether a command runs on this
// machine or is sent to the build farm.
//
// Local capacity is preferred greedily: a task first tries to take a local
// slot without blocking. Only when every slot is busy does an allow-listed
// tool (a compiler or linker front-end) overflow to the remote coordinator.
// Tools that are not allow-listed always run locally, queuing for a slot.
//
// Slot accounting:
//   - A slot taken for a local run is released exactly once, on every exit
//     path including panics.
//   - Remote submissions never touch the local slots.
//   - With max_local_jobs == 0 a non-allow-listed task fails with
//     ErrNoLocalCapacity instead of blocking forever.
//
// Error handling:
//   - A non-zero exit code is a normal result (the compile unit failed).
//   - Spawn, protocol and remote errors are infrastructure failures; use
//     IsInfrastructure to tell them apart from tool failures.
package dispatch
