// Package services is the engine's composition root.
//
// Build turns a loaded configuration into running components: the SQLite
// event log and session store, the semantic index and its embedder, the
// search and synthesis layers, ingest with redaction and NATS fan-out, the
// repository watcher and the background scheduler. Transports take their
// dependencies from the returned Registry through HTTP and MCP.
package services
