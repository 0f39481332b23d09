package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// CreateFile is a helper for segments and other classes that need to create files
// for on disk output. Fails if the file already exists
func CreateFile(filePath string) (*os.File, error) {
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return nil, fmt.Errorf("attempting to create %s but already exists", filePath)
	} else if err != nil {
		return nil, fmt.Errorf("could not create %s file: %w", filePath, err)
	}

	return file, nil
}

// Exists reports whether a file or directory exists at filePath
func Exists(filePath string) (bool, error) {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failure checking for %s existence: %w", filePath, err)
	}

	return true, nil
}

// CopyFile copies the first n bytes of src into a newly created dst and syncs dst
// to disk. dst must not exist
func CopyFile(src string, dst string, n int64) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("could not open %s for copying: %w", src, err)
	}
	defer in.Close()

	out, err := CreateFile(dst)
	if err != nil {
		return err
	}

	if written, err := io.CopyN(out, in, n); err != nil {
		closeAndRemove(out)
		return fmt.Errorf("failed copying %s to %s. copied=%d, expected=%d: %w", src, dst, written, n, err)
	}

	if err := out.Sync(); err != nil {
		closeAndRemove(out)
		return fmt.Errorf("failed syncing %s: %w", dst, err)
	}

	return out.Close()
}

// ReplaceFile atomically moves src over dst. Both must be on the same file system
func ReplaceFile(src string, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed replacing %s with %s: %w", dst, src, err)
	}

	syncDir(filepath.Dir(dst))

	return nil
}

// syncDir makes a rename durable. Not every platform supports syncing a directory
// so failures are only logged
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		log.Warnf("could not open %s to sync: %v", dir, err)
		return
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		log.Debugf("could not sync directory %s: %v", dir, err)
	}
}

func closeAndRemove(file *os.File) {
	if err := file.Close(); err != nil {
		log.Warnf("failed closing %s: %v", file.Name(), err)
	}
	if err := os.Remove(file.Name()); err != nil {
		log.Warnf("failed removing %s: %v", file.Name(), err)
	}
}
