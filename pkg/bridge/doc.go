/*
Package bridge defines the interface the core observes onto the kernel-side
SCSI target layer. The wire format and the kernel module itself are out of
scope; this package only describes the blocking command-acquisition channel
a volume's worker threads pull from and the handler callback shape the core
registers against it.

FakeBridge is an in-memory implementation for tests and for running the
daemon without a kernel SCSI target loaded: commands are injected by the
test and delivered to whichever worker is currently blocked in
HandleProcessCommand.
*/
package bridge
