package mcast

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/snapetech/mcastguide/internal/metrics"
)

// DefaultGraceRounds is how many accepted datagrams must arrive while every
// known file is complete before the session is considered finished.
const DefaultGraceRounds = 5

// State is the quiescence state of a session.
type State int

const (
	// StateReceiving: at least one known chunk slot is still empty.
	StateReceiving State = iota
	// StateAllKnownComplete: every known slot is filled; waiting out the grace window.
	StateAllKnownComplete
	// StateDone: the grace window ran out without a new file appearing.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateReceiving:
		return "receiving"
	case StateAllKnownComplete:
		return "all_known_complete"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

type partialFile struct {
	chunks   [][]byte // nil = not yet received
	received int
}

func (p *partialFile) complete() bool {
	return p.received == len(p.chunks)
}

// Assembler reassembles files from chunk datagrams and decides when the
// transfer is over. It does no I/O and is not safe for concurrent use; each
// receiving goroutine owns its own Assembler.
type Assembler struct {
	grace     int
	files     map[ChunkKey]*partialFile
	order     []ChunkKey
	received  int
	total     int
	remaining int
	state     State
	metrics   *metrics.Metrics
}

// NewAssembler returns an empty session. grace <= 0 selects DefaultGraceRounds.
func NewAssembler(grace int, m *metrics.Metrics) *Assembler {
	if grace <= 0 {
		grace = DefaultGraceRounds
	}
	return &Assembler{
		grace:     grace,
		files:     make(map[ChunkKey]*partialFile),
		remaining: grace,
		metrics:   m,
	}
}

// Feed processes one datagram and reports whether the session is done.
// Rejected datagrams return an error and leave the session untouched.
func (a *Assembler) Feed(datagram []byte) (bool, error) {
	if a.state == StateDone {
		return true, nil
	}
	c, err := ParseChunk(datagram)
	if err != nil {
		if errors.Is(err, ErrBadIndex) {
			a.metrics.Datagram(metrics.DatagramBadIndex)
		} else {
			a.metrics.Datagram(metrics.DatagramCorrupt)
		}
		return false, err
	}
	return a.add(c)
}

func (a *Assembler) add(c Chunk) (bool, error) {
	f, ok := a.files[c.Key]
	if !ok {
		f = &partialFile{chunks: make([][]byte, c.Total)}
		a.files[c.Key] = f
		a.order = append(a.order, c.Key)
		a.total += c.Total
		// A new file proves the sender is still going: full grace window again.
		a.remaining = a.grace
	}
	// A later datagram may claim a different chunk count for the same file;
	// the first one seen wins.
	if c.Index >= len(f.chunks) {
		a.metrics.Datagram(metrics.DatagramBadIndex)
		return false, fmt.Errorf("%w: %d of %d (file %s)", ErrBadIndex, c.Index, len(f.chunks), c.Key)
	}
	if f.chunks[c.Index] == nil {
		f.chunks[c.Index] = c.Payload
		f.received++
		a.received++
		a.metrics.Datagram(metrics.DatagramAccepted)
		if f.complete() {
			a.metrics.FileAssembled(1)
		}
	} else {
		a.metrics.Datagram(metrics.DatagramDuplicate)
	}

	if a.received != a.total {
		a.state = StateReceiving
		return false, nil
	}
	a.remaining--
	if a.remaining > 0 {
		a.state = StateAllKnownComplete
		return false, nil
	}
	a.state = StateDone
	return true, nil
}

// State returns the current quiescence state.
func (a *Assembler) State() State { return a.state }

// Done reports whether the grace window has run out.
func (a *Assembler) Done() bool { return a.state == StateDone }

// Remaining returns the grace rounds left before Done.
func (a *Assembler) Remaining() int { return a.remaining }

// Progress returns received and known chunk counts and the number of files seen.
func (a *Assembler) Progress() (received, total, files int) {
	return a.received, a.total, len(a.files)
}

// Files returns every complete file, each the concatenation of its chunks in
// index order. Incomplete files are left out.
func (a *Assembler) Files() map[ChunkKey][]byte {
	out := make(map[ChunkKey][]byte, len(a.files))
	for _, k := range a.order {
		f := a.files[k]
		if !f.complete() {
			continue
		}
		out[k] = bytes.Join(f.chunks, nil)
	}
	return out
}

// Incomplete returns the keys of files still missing chunks.
func (a *Assembler) Incomplete() []ChunkKey {
	var out []ChunkKey
	for _, k := range a.order {
		if !a.files[k].complete() {
			out = append(out, k)
		}
	}
	return out
}

// SortedKeys returns the keys of files in ChunkKey order.
func SortedKeys(files map[ChunkKey][]byte) []ChunkKey {
	keys := make([]ChunkKey, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
