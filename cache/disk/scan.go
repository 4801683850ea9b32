package disk

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/djherbis/atime"
	"golang.org/x/sync/errgroup"
)

// bucketRe matches a valid two-character hash-prefix bucket directory name.
var bucketRe = regexp.MustCompile(`^[0-9a-f]{2}$`)

// fileRe matches a valid clean, dirty, or sidecar filename:
//
//	<64-hex>.<digit>       clean value file
//	<64-hex>.<digit>.tmp   in-flight value file
//	<64-hex>.key           best-effort original-key sidecar
var fileRe = regexp.MustCompile(`^([0-9a-f]{64})\.(?:([0-9]+)(\.tmp)?|key)$`)

type scannedFile struct {
	path  string
	hash  string
	slot  int  // -1 for the .key sidecar
	tmp   bool
	atime time.Time
}

// scanDir walks dir (which must already exist) and returns every
// recognized value/sidecar file found under its bucket subdirectories.
// Unrecognized files and directories are left untouched on disk. Listing
// each bucket directory is fanned out across a small worker pool so a
// cache with many buckets doesn't scan serially.
func scanDir(dir string) ([]scannedFile, error) {
	topEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, wrapIO(ErrIO, "", "reading cache directory", err)
	}

	var buckets []string
	for _, de := range topEntries {
		if !de.IsDir() {
			continue // foreign file at the top level; leave it alone
		}
		if !bucketRe.MatchString(de.Name()) {
			continue // foreign directory; leave it alone
		}
		buckets = append(buckets, de.Name())
	}

	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers < 4 {
		numWorkers = 4
	} else if numWorkers > 16 {
		numWorkers = 16
	}
	if numWorkers > len(buckets) {
		numWorkers = len(buckets)
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	bucketCh := make(chan string)
	resultCh := make(chan []scannedFile, len(buckets))

	g := new(errgroup.Group)
	for i := 0; i < numWorkers; i++ {
		g.Go(func() error {
			for bucket := range bucketCh {
				files, err := scanBucket(dir, bucket)
				if err != nil {
					return err
				}
				resultCh <- files
			}
			return nil
		})
	}

	go func() {
		for _, b := range buckets {
			bucketCh <- b
		}
		close(bucketCh)
	}()

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(resultCh)

	var all []scannedFile
	for files := range resultCh {
		all = append(all, files...)
	}

	return all, nil
}

func scanBucket(dir, bucket string) ([]scannedFile, error) {
	bucketPath := filepath.Join(dir, bucket)

	des, err := os.ReadDir(bucketPath)
	if err != nil {
		return nil, wrapIO(ErrIO, "", "reading bucket directory "+bucketPath, err)
	}

	var files []scannedFile
	for _, de := range des {
		if de.IsDir() {
			continue // unexpected, but we never destroy user data; skip it
		}

		name := de.Name()
		m := fileRe.FindStringSubmatch(name)
		if m == nil {
			continue // foreign file
		}

		hash := m[1]
		if hash[0:2] != bucket {
			continue // hash doesn't belong in this bucket; treat as foreign
		}

		info, err := de.Info()
		if err != nil {
			// The file may have been removed concurrently; not fatal.
			continue
		}

		sf := scannedFile{
			path: filepath.Join(bucketPath, name),
			hash: hash,
			slot: -1,
		}

		if m[2] != "" {
			slot, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			sf.slot = slot
			sf.tmp = m[3] == ".tmp"
		}

		sf.atime = atime.Get(info)

		files = append(files, sf)
	}

	return files, nil
}

// rebuildIndex groups the scanned files by hash, discards incomplete or
// partially-written entries (deleting their on-disk remnants), and
// inserts the survivors into idx as placeholders ordered oldest-atime
// first, so the LRU list approximates the recency the cache had before
// the restart (see the path layout / scanner discussion in the design
// documents for this cache).
func rebuildIndex(dir string, valueCount int, idx *lruIndex, logger logger) {
	byHash := make(map[string][]scannedFile)
	for _, f := range scanDir1(dir, valueCount, logger) {
		byHash[f.hash] = append(byHash[f.hash], f)
	}

	type candidate struct {
		hash    string
		lengths []int64
		oldest  time.Time
	}
	var candidates []candidate

	for hash, files := range byHash {
		// Remove any .tmp remnants unconditionally; they are always the
		// product of an edit that never committed.
		for _, f := range files {
			if f.tmp {
				if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
					logger.Printf("scan: failed to remove stale dirty file %s: %v", f.path, err)
				}
			}
		}

		lengths := make([]int64, valueCount)
		haveSlot := make([]bool, valueCount)
		var oldest time.Time

		for _, f := range files {
			if f.tmp || f.slot < 0 {
				continue
			}
			if f.slot >= valueCount {
				continue // foreign: doesn't fit this cache's configured V
			}

			info, err := os.Stat(f.path)
			if err != nil {
				continue // disappeared concurrently
			}

			haveSlot[f.slot] = true
			lengths[f.slot] = info.Size()

			if oldest.IsZero() || f.atime.Before(oldest) {
				oldest = f.atime
			}
		}

		complete := true
		for i := 0; i < valueCount; i++ {
			if !haveSlot[i] {
				complete = false
				break
			}
		}

		if !complete {
			for _, f := range files {
				if f.tmp || f.slot < 0 {
					continue
				}
				if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
					logger.Printf("scan: failed to remove orphaned clean file %s: %v", f.path, err)
				}
			}
			_ = os.Remove(sidecarPath(dir, hash))
			continue
		}

		candidates = append(candidates, candidate{hash: hash, lengths: lengths, oldest: oldest})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].oldest.Before(candidates[j].oldest)
	})

	for _, c := range candidates {
		idx.insertPlaceholder(c.hash, valueCount, c.lengths)
	}
}

// scanDir1 is a thin wrapper that turns a scan failure into an empty result
// plus a log line: a scanner error for the directory as a whole must never
// fail Open (see the error propagation policy in the design documents for
// this cache).
func scanDir1(dir string, valueCount int, logger logger) []scannedFile {
	files, err := scanDir(dir)
	if err != nil {
		logger.Printf("scan: failed to walk cache directory: %v", err)
		return nil
	}
	return files
}

// logger is a local alias so this file doesn't need to import the cache
// package just for the Logger interface name; disk.Cache's own logger
// field satisfies cache.Logger and is passed in positionally.
type logger interface {
	Printf(format string, v ...interface{})
}
