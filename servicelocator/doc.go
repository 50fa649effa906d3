// Package servicelocator implements the toolkit's registry of accounts,
// directories, permissions and running service endpoints.
//
// The server side is a servlet for services.ProtocolServer: a directory
// graph rooted at "*", a permission matrix, salted credential
// verification, session issuance, a service registry, and a pub/sub
// stream of account updates. All state lives behind a pluggable
// DataStore; an in-memory store and a SQLite store ship with the
// package. The client side mirrors the operation surface and adds
// transparent reconnection with resubscription.
package servicelocator
