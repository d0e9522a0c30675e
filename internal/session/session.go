// Package session is the Chunk Session Manager: resumable upload sessions,
// per-chunk positional writes into a single staging file, ordered assembly,
// and crash recovery.
//
// Grounded on the teacher's internal/handler/chunk.go, which already solved
// session-directory-per-upload bookkeeping (one temp dir under .uploads/
// per session, a "meta" file, part files). This generalises that from N
// separate part files assembled by concatenation to one staging file
// written at computed offsets, with a JSON session descriptor replacing the
// teacher's two-line "owner\nfile\n" meta format — spec.md §3/§6 requires a
// much richer descriptor (bitmap, per-chunk sizes, state, reserved name).
package session

import (
	"time"

	"github.com/zynqcloud/driftbin/internal/blobstore"
	"github.com/zynqcloud/driftbin/internal/metadata"
	"github.com/zynqcloud/driftbin/internal/privacy"
)

// State is one of the chunk session's terminal/non-terminal states
// (spec.md §4.6's state machine diagram).
type State string

const (
	StateOpen       State = "open"
	StateAssembling State = "assembling"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateExpired    State = "expired"
)

// Descriptor is the durable, JSON-serialised shape of a chunk session —
// written to <chunksDir>/<sessionID>/session.json after every mutating
// operation (spec.md §3, §4.6).
type Descriptor struct {
	SessionID    string           `json:"session_id"`
	Owner        privacy.OwnerID  `json:"owner"`
	Filename     string           `json:"filename"`
	Size         int64            `json:"size"`
	ChunkSize    int64            `json:"chunk_size"`
	TotalChunks  int              `json:"total_chunks"`
	TTLCode      metadata.TTLCode `json:"ttl_code"`
	DeclaredHash blobstore.Hash   `json:"declared_hash,omitempty"`

	ReservedPublicName string `json:"reserved_public_name"`

	Received   []bool  `json:"received"`    // bitmap, len == TotalChunks
	ChunkBytes []int64 `json:"chunk_bytes"` // per-chunk byte counts received so far

	CreatedAt      int64 `json:"created_at"`
	LastActivityAt int64 `json:"last_activity_at"`

	State State `json:"state"`
}

// AssembledChunks reports how many chunk slots are currently marked received.
func (d *Descriptor) AssembledChunks() int {
	n := 0
	for _, got := range d.Received {
		if got {
			n++
		}
	}
	return n
}

// Complete reports whether every chunk has been received.
func (d *Descriptor) Complete() bool {
	return d.AssembledChunks() == d.TotalChunks
}

// expectedChunkLen returns the required byte length for chunk index i,
// per spec.md §3's invariant: chunk_size for all but the last index,
// size - chunk_size*(total_chunks-1) for the last.
func (d *Descriptor) expectedChunkLen(index int) int64 {
	if index == d.TotalChunks-1 {
		return d.Size - d.ChunkSize*int64(d.TotalChunks-1)
	}
	return d.ChunkSize
}

func (d *Descriptor) touch(now time.Time) {
	d.LastActivityAt = now.Unix()
}
