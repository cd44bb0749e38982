package engine

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Xattr keys, one byte each as in the original layout, stored under the
// "user." namespace.
const (
	xattrFilename = "user.f"
	xattrSize     = "user.s"
	xattrCost     = "user.c"
	xattrLifetime = "user.l"
	xattrWritten  = "user.w"
	xattrDirType  = "user.d"
)

const sumTreeConcurrency = 32

// ObjectStore performs the low-level filesystem operations CacheObject and
// the recovery walker build on: file/directory creation, xattr access,
// fsync, unlink, recursive delete and directory-size summation. It holds no
// state of its own.
type ObjectStore struct {
	log *slog.Logger
}

// NewObjectStore returns an ObjectStore that logs with log, or a discarding
// logger when log is nil.
func NewObjectStore(log *slog.Logger) *ObjectStore {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	return &ObjectStore{log: log}
}

func (s *ObjectStore) createFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	return f.Close()
}

// createDir creates path with mode, tolerating EEXIST as the original does.
func (s *ObjectStore) createDir(path string, mode os.FileMode) error {
	if err := os.Mkdir(path, mode); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return err
	}
	return nil
}

func (s *ObjectStore) chmod(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

func (s *ObjectStore) unlink(path string) error {
	return os.Remove(path)
}

// removeDirIfEmpty removes path, tolerating ENOTEMPTY and ENOENT.
func (s *ObjectStore) removeDirIfEmpty(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, unix.ENOTEMPTY) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// removeTree recursively removes path, best-effort: errors are logged, not
// returned, matching the original CleanupDir's swallow-and-log behavior.
func (s *ObjectStore) removeTree(path string) {
	if err := os.RemoveAll(path); err != nil {
		s.log.Warn("removeTree failed", "path", path, "error", err)
	}
}

// fsync opens path O_RDWR|O_APPEND (matching the original's open-for-append
// protocol), syncs, and closes unconditionally even when Sync fails.
func (s *ObjectStore) fsync(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

func (s *ObjectStore) setXAttrInt(path, key string, value int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(value))
	return unix.Setxattr(path, key, buf[:], 0)
}

func (s *ObjectStore) getXAttrInt(path, key string) (int64, error) {
	buf := make([]byte, 8)
	n, err := unix.Getxattr(path, key, buf)
	if err != nil {
		return 0, err
	}
	if n < 8 {
		return 0, errors.New("xattr value truncated")
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

func (s *ObjectStore) setXAttrString(path, key, value string) error {
	if len(value) >= maxFilenameLength {
		value = value[:maxFilenameLength-1]
	}
	return unix.Setxattr(path, key, []byte(value), 0)
}

func (s *ObjectStore) getXAttrString(path, key string) (string, error) {
	buf := make([]byte, maxFilenameLength)
	n, err := unix.Getxattr(path, key, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// sumTree sums filesystemSize over every regular file, symlink and directory
// reachable under path, descending with a bounded worker pool in place of
// the original's fixed-fd-count nftw walk.
func (s *ObjectStore) sumTree(path string) (int64, error) {
	var total int64
	var mu treeAdder
	g := new(errgroup.Group)
	g.SetLimit(sumTreeConcurrency)

	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		entry := d
		g.Go(func() error {
			info, err := entry.Info()
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}
			if info.IsDir() {
				mu.add(filesystemSize(0))
				return nil
			}
			mu.add(filesystemSize(info.Size()))
			return nil
		})
		return nil
	})
	if walkErr != nil {
		return 0, walkErr
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total = mu.value()
	return total, nil
}

// treeAdder accumulates int64 totals from concurrent errgroup workers.
type treeAdder struct {
	mu  sync.Mutex
	sum int64
}

func (a *treeAdder) add(v int64) {
	a.mu.Lock()
	a.sum += v
	a.mu.Unlock()
}

func (a *treeAdder) value() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sum
}
