package gc

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// StatfsProbe is the default UsageProbe, backed by a raw statfs(2) call.
// Cross-platform disk-usage querying has no third-party library equivalent
// in the dependency set this module otherwise draws on, so this one
// component reaches directly into golang.org/x/sys/unix rather than the
// standard library's own syscall package, staying consistent with the
// unix-syscall surface pkg/reaper already uses.
type StatfsProbe struct{}

// Usage reports the fraction of blocks in use on the filesystem containing
// dir.
func (StatfsProbe) Usage(dir string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	if st.Blocks == 0 {
		return 0, nil
	}
	used := st.Blocks - st.Bfree
	return float64(used) / float64(st.Blocks), nil
}

// DirLister lists the immediate subdirectories of Root as Sandboxes, using
// each directory's modification time as CreatedAt.
type DirLister struct {
	Root string
}

// List implements Lister.
func (l DirLister) List() ([]Sandbox, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	sandboxes := make([]Sandbox, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		sandboxes = append(sandboxes, Sandbox{
			Path:      filepath.Join(l.Root, entry.Name()),
			CreatedAt: info.ModTime(),
		})
	}
	return sandboxes, nil
}

// RemoveAllCollector deletes a collected directory outright.
type RemoveAllCollector struct{}

// Collect implements Collector.
func (RemoveAllCollector) Collect(ctx context.Context, dir string) error {
	return os.RemoveAll(dir)
}
