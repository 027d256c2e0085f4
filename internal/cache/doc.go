// Package cache implements the partitioned response storage used by the
// offline agent. A Storage holds named partitions in creation order; each
// Partition maps a GET request (method + site-relative URL) to a fully
// buffered response and keeps entries in insertion order so callers can evict
// the oldest first. Two drivers are provided: a disk layout under
// StoragePath/<partition>/ with temp file + rename writes, and a single sqlite
// database. Lookups follow Cache API matching rules, including optional Vary
// comparison.
package cache
