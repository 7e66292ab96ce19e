// Package store keeps an append-only SQLite ledger of session lifecycle events.
//
// Sessions themselves are never persisted: a restart starts with an empty
// registry. The ledger only answers "which sessions existed, on which binding,
// and why did they end", for operators running `mcpd events`.
//
// Recorder plugs the ledger into a session registry as an observer:
//
//	st, _ := store.NewSQLiteStore(cfg.Database.Path)
//	rec := store.NewRecorder(st, logger)
//	defer rec.Close()
//	registry := session.NewRegistry(session.Options{Observers: []session.Observer{rec}, ...})
package store
