package vault

import (
	"os"
	"path/filepath"

	"github.com/R3E-Network/secure-index/internal/errs"
)

// writeFileAtomic writes data to a sibling temp file, fsyncs it, and renames
// it over path so a reader never observes a partially written file (spec
// §4.1's "all file writes are atomic" failure model).
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errs.WrapIOFail("mkdir "+dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errs.WrapIOFail("create temp file for "+path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed away

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.WrapIOFail("write temp file for "+path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.WrapIOFail("fsync temp file for "+path, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.WrapIOFail("close temp file for "+path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return errs.WrapIOFail("chmod temp file for "+path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.WrapIOFail("rename into place "+path, err)
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NewNotFound("keyfile", path)
		}
		return nil, errs.WrapIOFail("read "+path, err)
	}
	return data, nil
}
