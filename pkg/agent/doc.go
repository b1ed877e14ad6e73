// Package agent defines the common agent contract and its two concrete
// forms: a process-supervised agent that owns a child process and reads
// newline-delimited JSON stream frames from its stdout, and a
// provider-backed agent that calls a remote LLM API through a pluggable
// provider. Both honor the same state machine and route every tool call
// through the approval gate and tool executor.
package agent
