package storage

import (
	"os"
	"path/filepath"
	"time"

	"github.com/media-exchange/mxl"
)

// flowAccessFileName is the fixed name of a flow's access sentinel.
const flowAccessFileName = "access"

func flowAccessPath(dir string) string { return filepath.Join(dir, flowAccessFileName) }

// touchSentinel creates (or updates the mtime of) a flow's zero-byte access
// sentinel file (spec §3 "An access sentinel file per flow records last
// consumer touch time"; spec §4.4 step 5 "update the access sentinel's
// mtime" on every successful FlowReader get). External out-of-process
// watchers (e.g. a supervisor enforcing its own idle policy) can stat this
// file without mapping the flow at all.
func touchSentinel(dir string) error {
	path := flowAccessPath(dir)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return mxl.NewError(mxl.Internal, err)
	}
	_ = f.Close()
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		return mxl.NewError(mxl.Internal, err)
	}
	return nil
}
