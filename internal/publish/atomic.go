package publish

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "publish: create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return eris.Wrapf(err, "publish: temp file for %s", path)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "publish: write %s", path)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "publish: chmod %s", path)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "publish: sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "publish: close %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(err, "publish: rename into %s", path)
	}
	return nil
}

// swapSymlink points link at target by renaming a fresh symlink over it.
func swapSymlink(target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return eris.Wrapf(err, "publish: create %s", filepath.Dir(link))
	}
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return eris.Wrapf(err, "publish: symlink %s", tmp)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrapf(err, "publish: swap %s", link)
	}
	return nil
}
