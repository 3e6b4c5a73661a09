// Package domain defines the entities, events and contracts shared by the
// mantle engine: identifier and key types, the persisted entity structs
// (account, devices, sessions, verification flows, key requests, backup
// keys), the inbound protocol events the engine consumes, the outbound
// requests it produces for the transport collaborator, and the Store
// interface the persistence backends implement.
//
// Nothing in this package performs cryptography or I/O; it is plain data
// plus interfaces so the service packages stay free of import cycles.
package domain
