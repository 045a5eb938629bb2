// Package repositories implements the persistence layer over SQLite.
//
// Every repository speaks the same dialect: soft deletes by default
// (is_deleted + deleted_at), created_at/updated_at maintained on every
// write, operations logged with their duration, and database errors
// classified into the shared taxonomy (not-found, conflict, transaction).
//
// Repositories bind to either a *sql.DB or an open *sql.Tx through the
// querier interface; WithTx rebinds a repository so multi-repository writes
// share one transaction. Transact runs a function inside a committed or
// rolled-back transaction.
//
// The two write entry points that matter for data honesty:
//
//   - [ConnectorRepository.IngestExternalTrack] is the single path for
//     source ingestion; it creates the canonical track, the connector track
//     and a direct/100 mapping in one transaction.
//   - [ConnectorRepository.MapTrackToConnector] is the single path for
//     cross-resolution; it records the resolver's match method and
//     confidence and never rewrites an existing mapping's original method.
package repositories
