package pkg

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

const lockFile = "__DB_LOCK__"

// lock claims dir for this handle by creating the lock file with our pid in it. A
// lock left behind by a process that no longer exists is taken over
func lock(dir string) error {
	lockPath := filepath.Join(dir, lockFile)

	for attempt := 0; attempt < 2; attempt++ {
		lockFile, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err == nil {
			return writePid(lockFile)
		} else if !os.IsExist(err) {
			return fmt.Errorf("failure attempting to lock database: %w", err)
		}

		// Database currently locked, see who holds it
		lockPid, err := readPid(lockPath)
		if err != nil {
			return fmt.Errorf("failed attempting to read lockfile: %w", err)
		}

		if lockPid == os.Getpid() || processAlive(lockPid) {
			return fmt.Errorf("%w: held by process %d", ErrLocked, lockPid)
		}

		log.Warnf("removing stale lock of process %d in %s", lockPid, dir)
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed removing stale lockfile: %w", err)
		}
	}

	return fmt.Errorf("%w: lost race for lockfile %s", ErrLocked, lockPath)
}

func unlock(dir string) error {
	if err := os.Remove(filepath.Join(dir, lockFile)); err != nil {
		return fmt.Errorf("failed removing lockfile: %w", err)
	}

	return nil
}

// writePid writes our pid into the freshly created lockFile and closes it. On failure
// the lock file is removed so that it does not block later opens
func writePid(lockFile *os.File) error {
	defer lockFile.Close()

	pidBytes := []byte(strconv.Itoa(os.Getpid()))
	n, err := lockFile.Write(pidBytes)
	if err != nil {
		err = fmt.Errorf("failure writing owner pid to lock file: %w", err)
	} else if n < len(pidBytes) {
		err = fmt.Errorf("failure writing owner pid to lock file. wrote %d bytes, expected %d",
			n, len(pidBytes))
	}
	if err == nil {
		return nil
	}

	if removeErr := os.Remove(lockFile.Name()); removeErr != nil {
		log.Warnf("failed removing partially written lockfile %s: %v", lockFile.Name(), removeErr)
	}

	return err
}

func readPid(lockPath string) (int, error) {
	lock, err := os.Open(lockPath)
	if err != nil {
		return 0, err
	}
	defer lock.Close()

	scanner := bufio.NewScanner(lock)
	scanner.Scan()
	if err := scanner.Err(); err != nil {
		return 0, err
	}

	return strconv.Atoi(strings.TrimSpace(scanner.Text()))
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
