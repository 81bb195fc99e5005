// Package storage implements the shared-memory flow plane's filesystem
// mechanics: memory-mapped segments with advisory file locking (spec §4.1)
// and the domain directory layout that hosts them (spec §3, §6).
package storage

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/media-exchange/mxl"
)

// OpenMode selects how a SharedSegment is opened (spec §4.1).
type OpenMode int

const (
	// ReadOnly maps PROT_READ. It never takes an OS lock, so it never
	// blocks behind an attached writer.
	ReadOnly OpenMode = iota
	// ReadWrite maps PROT_READ|PROT_WRITE, still without taking any OS
	// lock (a reader that also needs to update the access sentinel, for
	// example).
	ReadWrite
	// CreateReadWrite creates the file exclusively (O_EXCL), resizes it,
	// maps it PROT_READ|PROT_WRITE, and takes the writer's exclusive lock
	// on the sibling lock file.
	CreateReadWrite
	// WriteExclusive opens an existing file and attempts a non-blocking
	// exclusive lock, for the single FlowWriter attach path (spec §4.3
	// "Attempting a second writer must fail with in use"). Returns a
	// Conflict error if another holder already has the file locked.
	WriteExclusive
)

// LockKind reports the advisory lock a SharedSegment currently holds.
type LockKind int

const (
	NoLock LockKind = iota
	SharedLock
	ExclusiveLock
)

// SharedSegment wraps a path, an opened file descriptor, a memory mapping,
// and an advisory lock (spec §4.1). It is not safe for concurrent use from
// multiple goroutines; FlowWriter/FlowReader each own one.
//
// Writer-exclusivity is enforced on a sibling "<path>.lock" file rather
// than on the mapped file itself, so that any number of ReadOnly/ReadWrite
// openers can map the same bytes concurrently with an attached writer
// without blocking on its flock (spec §3 invariant 2, §4.1 "advisory
// locking... independent of the lock-free synchronization used for actual
// data access").
type SharedSegment struct {
	path     string
	file     *os.File
	lockFile *os.File
	data     []byte
	lock     LockKind
	mode     OpenMode
}

func lockPath(path string) string { return path + ".lock" }

// Open opens or creates the segment at path per mode. size is only used
// when mode is CreateReadWrite.
func Open(path string, mode OpenMode, size int64) (*SharedSegment, error) {
	switch mode {
	case ReadOnly, ReadWrite, WriteExclusive:
		return openExisting(path, mode)
	case CreateReadWrite:
		return create(path, size)
	default:
		return nil, mxl.NewError(mxl.InvalidArg, fmt.Errorf("unknown open mode %d", mode))
	}
}

func openExisting(path string, mode OpenMode) (*SharedSegment, error) {
	flag := os.O_RDONLY
	if mode == ReadWrite || mode == WriteExclusive {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, mxl.NewError(mxl.NotFound, err)
	}

	s := &SharedSegment{path: path, file: f, mode: mode}
	if mode == WriteExclusive {
		lf, err := os.OpenFile(lockPath(path), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			_ = f.Close()
			return nil, mxl.NewError(mxl.Internal, err)
		}
		if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			_ = lf.Close()
			_ = f.Close()
			if err == unix.EWOULDBLOCK {
				return nil, mxl.NewError(mxl.Conflict, fmt.Errorf("flow %q already has an attached writer", path))
			}
			return nil, mxl.NewError(mxl.Internal, err)
		}
		s.lockFile = lf
		s.lock = ExclusiveLock
	} else {
		// ReadOnly/ReadWrite never take any OS lock: the sync counter
		// already coordinates visibility with the writer (spec §4.1), and
		// blocking here would stall every reader behind an attached writer.
		s.lock = SharedLock
	}

	info, err := f.Stat()
	if err != nil {
		s.Close()
		return nil, mxl.NewError(mxl.Internal, err)
	}
	if info.Size() == 0 {
		s.Close()
		return nil, mxl.NewError(mxl.FlowInvalid, fmt.Errorf("segment %q is too small", path))
	}

	prot := unix.PROT_READ
	if mode == ReadWrite || mode == WriteExclusive {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		s.Close()
		return nil, mxl.NewError(mxl.Internal, fmt.Errorf("mmap %q: %w", path, err))
	}
	s.data = data
	return s, nil
}

func create(path string, size int64) (*SharedSegment, error) {
	if size <= 0 {
		return nil, mxl.NewError(mxl.InvalidArg, fmt.Errorf("create size must be > 0, got %d", size))
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, mxl.NewError(mxl.Exists, err)
		}
		return nil, mxl.NewError(mxl.Internal, err)
	}

	s := &SharedSegment{path: path, file: f, mode: CreateReadWrite}

	lf, err := os.OpenFile(lockPath(path), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, mxl.NewError(mxl.Internal, err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX); err != nil {
		_ = lf.Close()
		_ = f.Close()
		_ = os.Remove(path)
		return nil, mxl.NewError(mxl.Internal, err)
	}
	s.lockFile = lf
	s.lock = ExclusiveLock

	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		// Fallocate is unsupported on some filesystems (e.g. tmpfs); fall
		// back to a plain truncate, which still reserves the size.
		if err := f.Truncate(size); err != nil {
			s.Close()
			_ = os.Remove(path)
			return nil, mxl.NewError(mxl.Internal, fmt.Errorf("allocate %q: %w", path, err))
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		s.Close()
		_ = os.Remove(path)
		return nil, mxl.NewError(mxl.Internal, fmt.Errorf("mmap %q: %w", path, err))
	}
	s.data = data
	return s, nil
}

// MakeExclusive attempts to upgrade this handle to the writer's exclusive
// lock, non-blocking. It returns false (with a nil error) if another
// holder currently has it, per spec §4.1.
func (s *SharedSegment) MakeExclusive() (bool, error) {
	if s.lock == ExclusiveLock {
		return true, nil
	}
	lf, err := os.OpenFile(lockPath(s.path), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return false, mxl.NewError(mxl.Internal, err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lf.Close()
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, mxl.NewError(mxl.Internal, err)
	}
	s.lockFile = lf
	s.lock = ExclusiveLock
	return true, nil
}

// Bytes returns the mapped region. The slice is valid until Close.
func (s *SharedSegment) Bytes() []byte { return s.data }

// Len returns the mapped region's length in bytes.
func (s *SharedSegment) Len() int { return len(s.data) }

// Path returns the segment's backing file path.
func (s *SharedSegment) Path() string { return s.path }

// LockKind reports the currently held advisory lock.
func (s *SharedSegment) LockKind() LockKind { return s.lock }

// Inode returns the backing file's current inode number, used to detect
// that a flow was destroyed and recreated beneath an open mapping
// (spec §3 FlowState.inode).
func (s *SharedSegment) Inode() (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(s.file.Fd()), &st); err != nil {
		return 0, mxl.NewError(mxl.Internal, err)
	}
	return st.Ino, nil
}

// Touch updates the file's access and modification times (spec §4.1).
func (s *SharedSegment) Touch() error {
	now := time.Now()
	if err := os.Chtimes(s.path, now, now); err != nil {
		return mxl.NewError(mxl.Internal, err)
	}
	return nil
}

// Close unmaps, releases the lock, and closes the descriptor. It is safe
// to call more than once.
func (s *SharedSegment) Close() error {
	var firstErr error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil && firstErr == nil {
			firstErr = err
		}
		s.data = nil
	}
	if s.lockFile != nil {
		_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
		if err := s.lockFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.lockFile = nil
	}
	s.lock = NoLock
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	if firstErr != nil {
		return mxl.NewError(mxl.Internal, firstErr)
	}
	return nil
}
