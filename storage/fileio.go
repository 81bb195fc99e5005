package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sethvargo/go-retry"

	"github.com/media-exchange/mxl"
)

// FileIO is the retrying filesystem seam FlowStore builds on, grounded on
// the teacher's fs.FileIO interface. It exists so domain bootstrap and
// garbage collection ride out transient filesystem hiccups (NFS-backed
// domains, in particular) the same way the teacher's blob store does.
type FileIO interface {
	MkdirAll(ctx context.Context, path string, perm os.FileMode) error
	RemoveAll(ctx context.Context, path string) error
	ReadDir(ctx context.Context, path string) ([]os.DirEntry, error)
	Exists(ctx context.Context, path string) bool
}

type defaultFileIO struct{}

// NewFileIO returns the default FileIO, which delegates to os with
// Fibonacci-backoff retry on transient errors.
func NewFileIO() FileIO { return defaultFileIO{} }

func (defaultFileIO) MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	return mxl.Retry(ctx, func(context.Context) error {
		if err := os.MkdirAll(path, perm); err != nil {
			if !mxl.ShouldRetry(err) {
				return err
			}
			return retry.RetryableError(mxl.NewError(mxl.Internal, err))
		}
		return nil
	}, nil)
}

func (defaultFileIO) RemoveAll(ctx context.Context, path string) error {
	return mxl.Retry(ctx, func(context.Context) error {
		if err := os.RemoveAll(path); err != nil {
			if !mxl.ShouldRetry(err) {
				return err
			}
			return retry.RetryableError(mxl.NewError(mxl.Internal, err))
		}
		return nil
	}, nil)
}

func (defaultFileIO) ReadDir(ctx context.Context, path string) ([]os.DirEntry, error) {
	var entries []os.DirEntry
	err := mxl.Retry(ctx, func(context.Context) error {
		var err error
		entries, err = os.ReadDir(path)
		if err != nil {
			if !mxl.ShouldRetry(err) {
				return err
			}
			return retry.RetryableError(mxl.NewError(mxl.Internal, err))
		}
		return nil
	}, nil)
	return entries, err
}

func (defaultFileIO) Exists(ctx context.Context, path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// flowDataFileName is the fixed name of a flow's header+control file.
const flowDataFileName = "data"

// grainsDirName is the fixed name of a discrete flow's grain directory.
const grainsDirName = "grains"

// flowDir returns the path of a flow's directory within a domain
// (spec §6: "<uuid>.mxl-flow").
func flowDir(domainPath string, id mxl.FlowID) string {
	return filepath.Join(domainPath, id.DirName())
}

// grainFileName formats the fixed-width grain slot file name used within a
// discrete flow's grains/ directory (spec §6: "000000000000.grain").
func grainFileName(slot uint64) string {
	return fmt.Sprintf("%012d.grain", slot)
}
