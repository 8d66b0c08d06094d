// Package core defines the shared data model of the orchestration core:
// threads, the message history they carry, capability invocations and the
// turn phase machine. Types here are persistence-friendly (flat structs with
// JSON tags) so a checkpointed thread round-trips losslessly.
package core
