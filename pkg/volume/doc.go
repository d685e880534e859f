/*
Package volume implements the exported-LUN core: Volume's state machine and
reader/writer-locked mutators, its per-worker Session and CommandHandler, and
the SCSI execution pipeline that turns a bridge.Command into a dedup-engine
request and a sense-bearing reply.

# Lifecycle

	CREATED --Start(system)--> STARTED --Run()--> RUNNING
	RUNNING --Stop(ctx)--> STOPPED --Run()--> RUNNING
	any      --worker error-->        FAILED (terminal except Close)

maintenance is an orthogonal flag: a RUNNING volume in maintenance answers
INQUIRY/MODE_SENSE/READ_CAPACITY normally but fails READ/WRITE/VERIFY/
SYNC_CACHE/TEST_UNIT_READY with NOT_READY.

# Concurrency

Each Volume has one reader/writer lock. Worker threads hold it in read mode
only while checking state between commands; administrative mutations
(ChangeMaintenanceMode, ChangeLogicalSize, ChangeOptions, session add/
remove, the state transitions themselves) take write mode. See the command
handler's ExecuteSCSICommand for the per-command pipeline and Volume.runWorker
for the blocking loop each command_thread_count worker runs.
*/
package volume
