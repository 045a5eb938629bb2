// Package models defines the domain entities for the music metadata platform.
//
// The package contains two categories of types:
//
// 1. Canonical domain values, immutable by convention:
//   - [Artist], [Track] : service-agnostic recordings; every update goes
//     through a With* constructor returning a new instance
//   - [TrackList] : ephemeral ordered track sequence exchanged between
//     workflow nodes, never persisted directly
//   - [Playlist] : persisted ordered track sequence with per-connector ids
//
// 2. Persistence-shaped records mapped 1:1 onto database rows:
//   - [ConnectorTrack] : a track as one external service represents it
//   - [TrackMapping] : the edge (match method + confidence) between a
//     canonical track and a connector track
//   - [TrackMetric], [TrackLike], [TrackPlay] : per-track signals
//   - [PlaylistTrack], [PlaylistMapping], [SyncCheckpoint]
//
// Matching information lives exclusively on [TrackMapping]; connector tracks
// carry raw service metadata only. All timestamps entering the domain are
// normalized to UTC.
package models
