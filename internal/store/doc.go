// Package store provides persistent storage for supportchat using SQLite.
//
// # Architecture
//
// The store package splits persistence into small interfaces so each consumer
// asks only for what it uses:
//
//   - SessionStore: chat sessions and their lifecycle status
//   - MessageStore: immutable chat messages, server-assigned ID and time
//   - HistoryStore: the automation engine's private context window
//   - StatsStore: aggregate counts for the dashboard
//
// Store combines them. SQLiteStore and MockStore both implement Store.
//
// # Data Models
//
//   - Session: one visitor/chatbot conversation, status active, completed or abandoned
//   - Message: a user, assistant or system line with typed metadata
//   - HistoryEntry: one automation context turn, purged when a session ends
//
// Session and message metadata are typed structs. Keys the code does not
// recognize are kept in Extra and written back unchanged.
//
// # Ordering
//
// Messages are ordered by created_at, ties broken by id. Timestamps are
// stored as fixed-width UTC text so SQL ORDER BY agrees with MessageLess.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Deleting a session cascades to its messages. Automation history is keyed by
// session id only and survives session deletion until purged.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateSession: session id already taken
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore with a t.TempDir()
// path for integration tests against real SQLite.
package store
