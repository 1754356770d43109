// Package app composes the application registry.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Store selection, service wiring, lifecycle
//	├── domain/
//	│   ├── name/           # Name normalization (registry key)
//	│   └── apps/           # ObjectID, Address, AppInfo, AppRecord
//	├── storage/            # RecordStore interface and implementations
//	│   ├── memory/         # In-memory table, persisted through snapshots
//	│   ├── postgres/       # PostgreSQL table (sqlx + lib/pq)
//	│   └── rediscache/     # Read-through Redis cache over any RecordStore
//	├── objects/            # Object id allocator
//	├── services/
//	│   ├── registry/       # AddRecord, SetNetwork and friends
//	│   └── snapshot/       # YAML snapshots on a cron schedule
//	├── events/             # Registry event ring buffer
//	├── metrics/            # Prometheus collectors
//	└── system/             # Service lifecycle manager
//
// # Dependency Direction
//
//	cmd/appregistry/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► services/registry ──► storage, objects, events, metrics
//	      │
//	      ├──► services/snapshot ──► registry (read), memory (restore)
//	      │
//	      └──► internal/config, internal/platform/migrations
//
// Domain packages import nothing above them. Storage implementations depend on
// the domain only; services depend on storage through interfaces.
package app
