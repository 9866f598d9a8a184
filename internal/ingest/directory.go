package ingest

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/joseph-ayodele/health-records/constants"
)

// IngestDirectory walks root and ingests every allowed file, several at a
// time. Per-file failures are reported in the results, not as the error.
func (s *Service) IngestDirectory(ctx context.Context, root string, skipHidden bool, priority int) ([]Result, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, errors.New("root path is required")
	}

	var (
		mu      sync.Mutex
		results []Result
		stats   DirStats
		wg      sync.WaitGroup
	)
	record := func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
		switch {
		case r.Err != "":
			stats.Failed++
		case r.Deduplicated:
			stats.Succeeded++
			stats.Deduplicated++
		default:
			stats.Succeeded++
		}
	}

	sem := semaphore.NewWeighted(int64(s.concurrency))
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		mu.Lock()
		stats.Scanned++
		mu.Unlock()
		if err != nil {
			record(Result{SourcePath: path, Err: err.Error()})
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !AllowedExt(constants.NormalizeExt(filepath.Ext(path))) {
			return nil
		}
		mu.Lock()
		stats.Matched++
		mu.Unlock()

		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			r, err := s.IngestPath(ctx, path, priority)
			r.SourcePath = path
			if err != nil {
				r.Err = err.Error()
			}
			record(r)
		}()
		return nil
	})
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].SourcePath < results[j].SourcePath })
	s.log.Info("ingest.directory.done",
		"root", root,
		"scanned", stats.Scanned,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"deduplicated", stats.Deduplicated,
		"failed", stats.Failed,
	)
	return results, stats, walkErr
}
