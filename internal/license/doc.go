// Package license implements license validation and enforcement for the MWB
// Suite desktop application. It binds licenses to hardware fingerprints,
// validates them against the hosted registry, and records every decision in a
// local append-only audit trail.
//
// # Architecture Overview
//
// The package consists of several components:
//
//	- Manager: activation and the three validation paths (startup, background, manual)
//	- Store: sealed license records and audit events in a local SQLite database
//	- Registry: read access to the hosted license registry plus webhook report-back
//	- TransferManager: hardware transfer requests with ordered eligibility checks
//	- Scheduler: periodic background validation at tier-dependent intervals
//	- Notifier: transfer notice email to the registered licensee
//
// # Validation Flow
//
// Every validation attempts the registry first:
//
//	1. Load the sealed local record (auto-recovery scan if missing)
//	2. Fetch the registry row for the key
//	3. Compare hardware bindings (two of three components must match)
//	4. Refresh the local record and stamp a new offline grace window
//	5. Append the outcome to the audit trail
//
// When the registry cannot be reached the outcome is "unknown", never
// "invalid": the stored grace window decides whether the application may
// keep running offline.
//
// # Hardware Binding
//
// Licenses bind to a three-component fingerprint (network, CPU, board)
// produced by the security package. Validation passes when at least two
// components match the registered hashes, so a single part swap does not
// strand a paying customer. Wholesale machine changes go through the
// transfer flow instead.
//
// # Audit Trail
//
// Activation, validation, revocation detection, and every step of the
// transfer flow append events to a local append-only log. Events carry a
// masked key and a key hash for support correlation; the log is exportable
// to XLSX for licensing review.
package license
