// Package snapshot persists point-in-time images of ledger and registrar
// state so startup replays only the WAL tail.
package snapshot

import (
	"time"

	"midna/domain/ledger"
	"midna/domain/registrar"
)

// FileName is the snapshot file inside the snapshot directory.
const FileName = "snapshot.bin"

// Snapshot captures state after applying every WAL record up to Seq.
type Snapshot struct {
	Seq       uint64
	Created   time.Time
	Ledger    ledger.Snapshot
	Registrar registrar.State
}
