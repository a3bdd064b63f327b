// Package session owns DICOM association transport helpers.
//
// Ownership boundary:
// - A-ASSOCIATE request/accept/reject codecs and validation
// - transport timeouts, security mode and TLS settings
// - retry/backoff primitives used for re-association
//
// References (consult before changes):
// - PS3.8 section 9.3 (PDU structure)
// - PS3.8 section 7.1 (association establishment)
// - PS3.15 annex B.1 (TLS secure transport)
package session
