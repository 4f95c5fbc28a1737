// Package guide fetches the binary EPG carousels, one per broadcast day, in
// parallel and merges their programs into a single guide keyed by EPG
// service name.
package guide

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snapetech/mcastguide/internal/epgbin"
	"github.com/snapetech/mcastguide/internal/mcast"
)

// DefaultMaxDays is how many day carousels are fetched when MaxDays is unset.
const DefaultMaxDays = 1

// ErrNoEntrypoints is returned when there is nothing to fetch.
var ErrNoEntrypoints = errors.New("no EPG entrypoints")

// Guide maps an EPG service name to its programs in arrival order.
type Guide map[int][]epgbin.Program

// ServiceNames returns the guide's keys in ascending order.
func (g Guide) ServiceNames() []int {
	out := make([]int, 0, len(g))
	for k := range g {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// Count returns the total number of programs.
func (g Guide) Count() int {
	n := 0
	for _, p := range g {
		n += len(p)
	}
	return n
}

// DownloadFunc receives one carousel session. mcast.Download in production.
type DownloadFunc func(ctx context.Context, target string, opts mcast.Options) (map[mcast.ChunkKey][]byte, error)

// Fetcher runs one download-and-decode worker per EPG entrypoint.
type Fetcher struct {
	MaxDays  int           // 0 = DefaultMaxDays
	Session  mcast.Options // template for every worker's session; Name and Logger are set per worker
	Decoder  *epgbin.Decoder
	Logger   zerolog.Logger
	Download DownloadFunc // nil = mcast.Download
}

type workerResult struct {
	worker int
	name   string
	files  []*epgbin.File
	err    error
}

// Fetch downloads the first MaxDays entrypoints concurrently, waits for all
// of them and merges their programs in worker order, then file order, then
// record order. A worker that fails contributes nothing; Fetch fails only
// when every worker failed or a worker was stopped by ctx. Cancellation after
// every worker finished does not discard the guide.
func (f *Fetcher) Fetch(ctx context.Context, entrypoints []string) (Guide, error) {
	days := f.MaxDays
	if days <= 0 {
		days = DefaultMaxDays
	}
	if len(entrypoints) < days {
		days = len(entrypoints)
	}
	if days == 0 {
		return nil, ErrNoEntrypoints
	}

	log := f.Logger.With().Str("run_id", uuid.NewString()).Logger()
	log.Info().Int("workers", days).Msg("guide: fetching EPG")
	start := time.Now()

	results := make(chan workerResult, days)
	for i, target := range entrypoints[:days] {
		name := fmt.Sprintf("epg-worker-%d", i)
		go func() {
			results <- f.work(ctx, i, name, target, log)
		}()
	}

	byWorker := make([]workerResult, days)
	for range days {
		r := <-results
		byWorker[r.worker] = r
	}

	g := make(Guide)
	var errs []error
	for _, r := range byWorker {
		if r.err != nil {
			if ctx.Err() != nil && isContextErr(r.err) {
				return nil, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", r.name, r.err))
			continue
		}
		for _, file := range r.files {
			g[file.ServiceName] = append(g[file.ServiceName], file.Programs...)
		}
	}
	if len(errs) == days {
		return nil, errors.Join(errs...)
	}
	log.Info().Int("services", len(g)).Int("programs", g.Count()).Int("failed_workers", len(errs)).
		Dur("elapsed", time.Since(start)).Msg("guide: EPG merged")
	return g, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (f *Fetcher) work(ctx context.Context, worker int, name, target string, parent zerolog.Logger) workerResult {
	log := parent.With().Str("worker", name).Logger()
	res := workerResult{worker: worker, name: name}

	opts := f.Session
	opts.Name = name
	opts.Logger = log
	download := f.Download
	if download == nil {
		download = mcast.Download
	}
	raw, err := download(ctx, target, opts)
	if err != nil {
		log.Warn().Err(err).Str("target", target).Msg("guide: worker failed")
		res.err = err
		return res
	}

	dec := f.Decoder
	if dec == nil {
		dec = &epgbin.Decoder{}
	}
	rejected := 0
	for _, key := range mcast.SortedKeys(raw) {
		file, err := dec.Decode(raw[key])
		if err != nil {
			rejected++
			log.Debug().Err(err).Str("file", key.String()).Msg("guide: skipping file")
			continue
		}
		res.files = append(res.files, file)
	}
	log.Info().Int("files", len(res.files)).Int("rejected", rejected).Msg("guide: finished work")
	return res
}
