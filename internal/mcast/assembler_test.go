package mcast

import (
	"bytes"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/snapetech/mcastguide/internal/metrics"
)

// ── fixtures ─────────────────────────────────────────────────────────────────

type testChunk struct {
	key     ChunkKey
	index   int
	total   int
	payload []byte
}

func (c testChunk) datagram() []byte {
	return AppendChunk(nil, c.key, c.index, c.total, c.payload, MaxDatagram)
}

// splitFile cuts data into n chunks of roughly equal size. Payloads in these
// tests never end in 0x00, which the wire format cannot carry.
func splitFile(key ChunkKey, data []byte, n int) []testChunk {
	out := make([]testChunk, n)
	size := (len(data) + n - 1) / n
	for i := 0; i < n; i++ {
		lo := i * size
		hi := lo + size
		if hi > len(data) {
			hi = len(data)
		}
		out[i] = testChunk{key: key, index: i, total: n, payload: data[lo:hi]}
	}
	return out
}

func permutations(n int) [][]int {
	var out [][]int
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	var gen func(k int)
	gen = func(k int) {
		if k == n {
			p := make([]int, n)
			copy(p, idx)
			out = append(out, p)
			return
		}
		for i := k; i < n; i++ {
			idx[k], idx[i] = idx[i], idx[k]
			gen(k + 1)
			idx[k], idx[i] = idx[i], idx[k]
		}
	}
	gen(0)
	return out
}

func feedAll(t *testing.T, a *Assembler, chunks []testChunk) bool {
	t.Helper()
	var done bool
	for _, c := range chunks {
		d, err := a.Feed(c.datagram())
		if err != nil {
			t.Fatalf("feed %s/%d: %v", c.key, c.index, err)
		}
		done = d
	}
	return done
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestAssembler_orderIndependent(t *testing.T) {
	keyA := ChunkKey{FileType: 1, FileID: 7}
	keyB := ChunkKey{FileType: 2, FileID: 9}
	dataA := []byte("<ServiceDiscovery>first file body</ServiceDiscovery>")
	dataB := []byte("second-file-contents!")
	chunks := append(splitFile(keyA, dataA, 3), splitFile(keyB, dataB, 2)...)

	for _, perm := range permutations(len(chunks)) {
		// Grace outlasts the feed so a file finished early cannot end the session.
		a := NewAssembler(len(chunks)+1, nil)
		ordered := make([]testChunk, len(perm))
		for i, p := range perm {
			ordered[i] = chunks[p]
		}
		feedAll(t, a, ordered)
		files := a.Files()
		if !bytes.Equal(files[keyA], dataA) || !bytes.Equal(files[keyB], dataB) {
			t.Fatalf("perm %v: got A=%q B=%q", perm, files[keyA], files[keyB])
		}
	}
}

func TestAssembler_badIndexLeavesStateUnchanged(t *testing.T) {
	a := NewAssembler(3, nil)
	key := ChunkKey{FileType: 1, FileID: 1}
	if _, err := a.Feed(AppendChunk(nil, key, 0, 2, []byte("ok"), MaxDatagram)); err != nil {
		t.Fatal(err)
	}
	recv, total, files := a.Progress()
	remaining, state := a.Remaining(), a.State()

	done, err := a.Feed(AppendChunk(nil, ChunkKey{FileType: 1, FileID: 2}, 4, 4, []byte("bad"), MaxDatagram))
	if !errors.Is(err, ErrBadIndex) || done {
		t.Fatalf("done=%v err=%v, want ErrBadIndex", done, err)
	}
	r2, t2, f2 := a.Progress()
	if r2 != recv || t2 != total || f2 != files || a.Remaining() != remaining || a.State() != state {
		t.Errorf("state changed: %d/%d/%d rem=%d %s", r2, t2, f2, a.Remaining(), a.State())
	}
}

func TestAssembler_corruptNotCounted(t *testing.T) {
	a := NewAssembler(2, nil)
	if _, err := a.Feed(make([]byte, MaxDatagram)); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v", err)
	}
	if r, tot, f := a.Progress(); r != 0 || tot != 0 || f != 0 {
		t.Errorf("progress = %d/%d/%d", r, tot, f)
	}
}

func TestAssembler_duplicateNotRecounted(t *testing.T) {
	a := NewAssembler(10, nil)
	c := testChunk{key: ChunkKey{1, 1}, index: 0, total: 2, payload: []byte("aa")}
	feedAll(t, a, []testChunk{c, c, c})
	if r, tot, _ := a.Progress(); r != 1 || tot != 2 {
		t.Errorf("progress = %d/%d, want 1/2", r, tot)
	}
}

// Two files interleaved; the session ends only after the grace window.
func TestAssembler_scenarioInterleaved(t *testing.T) {
	key7 := ChunkKey{FileType: 1, FileID: 7}
	key9 := ChunkKey{FileType: 1, FileID: 9}
	data7 := []byte("seven-part-one|seven-part-two|seven-part-three")
	data9 := []byte("nine-first-half/nine-second-half")
	f7 := splitFile(key7, data7, 3)
	f9 := splitFile(key9, data9, 2)

	a := NewAssembler(DefaultGraceRounds, nil)
	done := feedAll(t, a, []testChunk{f7[0], f9[1], f7[2], f9[0], f7[1]})
	if done {
		t.Fatal("done before grace window elapsed")
	}
	if a.State() != StateAllKnownComplete {
		t.Fatalf("state = %s, want all_known_complete", a.State())
	}
	if a.Remaining() != DefaultGraceRounds-1 {
		t.Fatalf("remaining = %d", a.Remaining())
	}

	// The carousel repeats; each repeated datagram burns one grace round.
	repeats := []testChunk{f7[0], f9[0], f7[1], f9[1]}
	for i, c := range repeats {
		d, err := a.Feed(c.datagram())
		if err != nil {
			t.Fatal(err)
		}
		if want := i == len(repeats)-1; d != want {
			t.Fatalf("repeat %d: done=%v, want %v", i, d, want)
		}
	}
	if a.State() != StateDone {
		t.Fatalf("state = %s", a.State())
	}

	files := a.Files()
	if len(files) != 2 {
		t.Fatalf("files = %d", len(files))
	}
	if !bytes.Equal(files[key7], data7) {
		t.Errorf("file 7 = %q", files[key7])
	}
	if !bytes.Equal(files[key9], data9) {
		t.Errorf("file 9 = %q", files[key9])
	}
	keys := SortedKeys(files)
	if keys[0] != key7 || keys[1] != key9 {
		t.Errorf("sorted keys = %v", keys)
	}
}

func TestAssembler_newFileResetsGrace(t *testing.T) {
	a := NewAssembler(3, nil)
	one := testChunk{key: ChunkKey{1, 1}, index: 0, total: 1, payload: []byte("one")}
	feedAll(t, a, []testChunk{one, one})
	if a.Remaining() != 1 || a.State() != StateAllKnownComplete {
		t.Fatalf("remaining=%d state=%s", a.Remaining(), a.State())
	}

	two := testChunk{key: ChunkKey{1, 2}, index: 0, total: 2, payload: []byte("two")}
	feedAll(t, a, []testChunk{two})
	if a.Remaining() != 3 || a.State() != StateReceiving {
		t.Fatalf("after new file: remaining=%d state=%s", a.Remaining(), a.State())
	}
	if got := a.Incomplete(); len(got) != 1 || got[0] != two.key {
		t.Errorf("incomplete = %v", got)
	}
	if _, ok := a.Files()[two.key]; ok {
		t.Error("incomplete file returned")
	}
}

func TestAssembler_feedAfterDone(t *testing.T) {
	a := NewAssembler(1, nil)
	c := testChunk{key: ChunkKey{4, 4}, index: 0, total: 1, payload: []byte("only")}
	if !feedAll(t, a, []testChunk{c}) {
		t.Fatal("grace 1 should finish on completion")
	}
	more := testChunk{key: ChunkKey{4, 5}, index: 0, total: 3, payload: []byte("late")}
	if d, err := a.Feed(more.datagram()); !d || err != nil {
		t.Errorf("after done: done=%v err=%v", d, err)
	}
	if _, _, files := a.Progress(); files != 1 {
		t.Errorf("files = %d, late datagram was applied", files)
	}
}

func TestAssembler_metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	a := NewAssembler(2, m)
	c := testChunk{key: ChunkKey{1, 1}, index: 0, total: 1, payload: []byte("m1")}
	feedAll(t, a, []testChunk{c, c})
	a.Feed(make([]byte, 40))
	a.Feed(AppendChunk(nil, ChunkKey{1, 1}, 2, 1, []byte("zz"), 0))

	check := func(label string, want float64) {
		t.Helper()
		if got := testutil.ToFloat64(m.Datagrams.WithLabelValues(label)); got != want {
			t.Errorf("%s = %v, want %v", label, got, want)
		}
	}
	check(metrics.DatagramAccepted, 1)
	check(metrics.DatagramDuplicate, 1)
	// The assembler is done after the duplicate; later datagrams are not parsed.
	check(metrics.DatagramCorrupt, 0)
	if got := testutil.ToFloat64(m.FilesAssembled); got != 1 {
		t.Errorf("files assembled = %v", got)
	}
}
