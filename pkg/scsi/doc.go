// Package scsi decodes and encodes the SCSI command descriptor blocks and
// response payloads that the volume subsystem exchanges with initiators.
//
// Everything here is pure: CDB parsing, sense formatting, and the fixed
// INQUIRY/READ CAPACITY/MODE SENSE byte layouts never touch the dedup
// engine or any lock. Callers (pkg/volume's command handler) are
// responsible for I/O; this package only knows how to read and write bytes.
package scsi
