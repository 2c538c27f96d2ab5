// Package internal documents the conflict event miner internals.
//
// The internal tree is organized by pipeline stage:
//   - harvest: news, media and web listing sources
//   - extract, species: place mention and species recognition
//   - geocoding, storage: cached, rate-limited place resolution
//   - grid: hexagonal cell indexing against the grid catalog
//   - pipeline: orchestration, event assembly and the run report
//   - sink: hand-off of finished events to persistence
//   - config, metrics, telemetry, sanitize: shared infrastructure
//
// Code in internal/ is not meant for external import.
package internal
