// Package dicom defines the decoded image object the archive node ingests.
//
// The network codec is not part of this module: objects arrive already
// decoded into a flat keyword → value attribute map plus an opaque pixel
// payload. This package owns everything the pipeline needs on top of that:
//
//   - Identifying attributes (study/series/instance UIDs, patient identity)
//   - Value normalization (NFC, DICOM space/NUL padding) for comparison
//   - Content hashing over canonical JSON for duplicate detection
//   - The on-disk object encoding used by the archive and quarantine trees
//   - The association context handed over by the protocol layer
//
// Content hashes use domain separation: SHA256(domain + 0x00 + canonical).
package dicom
