// Package cdc provides the public interfaces and types for Wikibase change capture.
//
// The package defines the values that flow through a capture cycle, from the
// raw recent-changes page to the batch handed to a sink, and the interfaces a
// host implements to plug a feed, a snapshot source or a sink into the loop.
//
// Key Components:
//   - Change: one observed edit of one entity
//   - Cursor: the resumable (timestamp, sequence) position in the feed
//   - Dedupe: collapses multiple edits of an entity to the latest one
//   - FeedPager / SnapshotFetcher: remote collaborators of the loop
//   - Sink / Publisher / CheckpointStore: the downstream side of a batch
package cdc
