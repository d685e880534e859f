/*
Package dedupengine defines the contract the volume subsystem uses to reach
the content-addressed deduplication core: chunking, fingerprinting, the
chunk/container store, the block index, and the replicated event log are all
out of scope here and referenced only through this interface.

Volume is the per-volume handle the command handler drives on the request
path: MakeRequest for reads and writes, SyncCache for a cache flush,
FastCopyTo for a reference-count range copy between two volumes, Throttle to
cooperatively rate-limit a worker thread, and the Change* mutators that the
VolumeInfo registry calls under its own locks.

System is the process-wide engine handle that owns the volume namespace and
the event log; a Volume is obtained from a System by OpenVolume, mirroring
how the real engine's volume info index is owned by one dedup system per
process.

# Implementation

MemSystem is an in-memory, sha256-content-addressed implementation good
enough to exercise every operation the volume subsystem performs against it:
useful for tests and for a dirty-start-free development mode, not for
production durability.
*/
package dedupengine
