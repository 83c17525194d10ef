// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package persistence stores workflow definitions, executions, task states,
// the append-only event log and chain executions.
//
// Supported backends:
// - Memory: For development and testing (default)
// - Database: gorm over postgres, mysql or sqlite
// - Redis: via the internal cache manager
// - Mongo: mongo-driver v2
//
// Every backend makes AppendEvent idempotent on (execution ID, sequence).
package persistence
