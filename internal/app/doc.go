// Package app wires the engine's dependency graph for the CLI.
//
// It opens the sealed store over the configured backend, builds every
// service and the orchestrator from Config, and exposes them via the Wire
// struct for commands to use.
package app
