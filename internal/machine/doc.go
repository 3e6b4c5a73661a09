// Package machine is the engine's composition root. It wires every service
// over one store, serialises work per entity with keyed locks, routes inbound
// events to their owning service, and batches the outbound requests the
// transport collaborator must deliver.
package machine
