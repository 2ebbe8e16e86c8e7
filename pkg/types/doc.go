/*
Package types provides the core interfaces and data structures shared by every tierstore component.

# Architecture Overview

tierstore is the storage core of a content-addressed data marketplace:

	┌─────────────────────────────────────────────┐
	│     Admin API / CLI (pkg/api, cmd)          │
	└─────────────────────────────────────────────┘
	          │                       │
	┌─────────┴──────────┐   ┌────────┴──────────┐
	│ Lifecycle Manager  │   │ Migrator/Verifier │
	│ (internal/lifecycle)│   │ (internal/migration)│
	└────────────────────┘   └───────────────────┘
	          │                       │
	┌─────────────────────────────────────────────┐
	│          Driver (internal/storage)          │
	│        filesystem │ S3-compatible           │
	└─────────────────────────────────────────────┘

# Content Addressing

Every payload is identified by its SHA-256 digest (ContentHash). Storage keys are derived from the
hash: the shard is the first two hex characters and the key is "shard/hash". Content is immutable, so
writing the same hash twice is idempotent.

# Tiers

Objects live in exactly one of three tiers (hot, warm, cold) at steady state. Moves are copy then
delete, so a concurrent reader may briefly see an object in both tiers.

# Driver Contract

All Driver methods accept a context.Context and return typed errors from pkg/errors. ObjectExists
never fails on absence and HealthCheck never fails at all; failures are reported in its results.
*/
package types
