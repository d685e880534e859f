/*
Package storage provides the embedded, transactional key-value contract
every persistent index in the daemon is built on: volume records, target
and user/group directories, detaching data, fast-copy job snapshots, and
per-volume error reports.

The contract (Store.Index, Index.Lookup/Put/PutIfAbsent/Delete/Cursor) is
deliberately narrow: a single ordered byte-key/byte-value namespace per
index, with no query language above it. Callers own serialization; this
package only guarantees atomic, durable reads and writes of whatever bytes
they hand it.

# Implementation

BoltStore backs every index with its own bucket in one BoltDB (bbolt) file.
Buckets are created lazily on first Index() call and reused for the life of
the process.

# Usage

	store, err := storage.NewBoltStore("/var/lib/dedupv1d/info.db")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	volumes, err := store.Index("volume-info")
	err = volumes.Put(volumeKey(1), encoded)
	val, res := volumes.Lookup(volumeKey(1))
	if res == storage.Found {
		// decode val
	}
*/
package storage
