// Package phase holds the shared vocabulary of the case pipeline: the phase
// catalog, per-phase and per-pipeline run records, the error taxonomy and the
// logger contract used by every other package.
//
// The engine package sequences one pipeline; pipeline.Controller keeps one
// engine per case. Workers do the actual phase work and are reached through
// worker.Client.
package phase
