// Package store persists plugin registrations. MemoryStore backs tests and
// throwaway hosts, SQLStore keeps records in MySQL or SQLite with embedded
// migrations, and RedisStore shares them between hosts through one hash.
package store
