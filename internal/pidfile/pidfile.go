// Package pidfile implements the §4.6 pid-file lifecycle: atomic
// create-then-lock with zombie detection, a read path tolerant of the
// transient empty-file window, and a destroy path that re-acquires the
// write lock before truncating and unlinking.
package pidfile

import (
	"os"
	"strconv"
	"time"

	"github.com/ninelife/watchdog/internal/errs"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// File represents a pid-file this process is currently publishing. It
// holds the write lock continuously from Create until Destroy or
// Release.
type File struct {
	path string
	fd   int
}

// Create implements §4.6's create path: open-or-create, acquire the
// whole-file write lock, detect and clear a zombie (a just-created,
// still-empty file left behind by a writer that died before writing
// its pid), then write "<pid>\n".
//
// The create-then-lock sequence cannot be made atomic with O_CREAT
// alone (another process could remove and replace the file between
// open and lock); the inode re-check after locking is what makes the
// overall sequence safe, per the zombie-check invariant in §4.6.
func Create(path string, pid int) (*File, error) {
	for {
		created := true
		fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, 0644)
		if err == unix.EEXIST {
			created = false
			fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
			if err == unix.ENOENT {
				continue // removed between the two opens
			}
		}
		if err != nil {
			return nil, errs.Frame(err, "pidfile: open")
		}

		if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
			_ = unix.Close(fd)
			return nil, errs.Frame(err, "pidfile: flock ex")
		}

		zombie, err := isZombie(path, fd, created)
		if err != nil {
			_ = unix.Flock(fd, unix.LOCK_UN)
			_ = unix.Close(fd)
			return nil, err
		}
		if zombie {
			_ = unix.Unlink(path)
			_ = unix.Flock(fd, unix.LOCK_UN)
			_ = unix.Close(fd)
			continue // loop: re-open-or-create against the now-absent path
		}

		if err := writePid(fd, pid); err != nil {
			_ = unix.Flock(fd, unix.LOCK_UN)
			_ = unix.Close(fd)
			return nil, err
		}

		return &File{path: path, fd: fd}, nil
	}
}

// isZombie re-checks, after the lock is held, that the fd's inode
// still matches the path on disk (a mismatch means the file was
// replaced out from under us between open and lock) and, for a file
// this call did not create itself, whether it is still empty (a
// pid-file nobody finished writing).
func isZombie(path string, fd int, created bool) (bool, error) {
	var fdStat, pathStat unix.Stat_t
	if err := unix.Fstat(fd, &fdStat); err != nil {
		return false, errs.Frame(err, "pidfile: fstat")
	}
	if err := unix.Stat(path, &pathStat); err != nil {
		// The path vanished after we opened+locked it: treat as a
		// zombie so the caller removes its own (now-orphaned) fd state
		// and retries against a fresh create.
		return true, nil
	}
	sameInode := fdStat.Ino == pathStat.Ino && fdStat.Dev == pathStat.Dev
	empty := fdStat.Size == 0
	return !sameInode || (empty && !created), nil
}

func writePid(fd int, pid int) error {
	text := strconv.Itoa(pid) + "\n"
	if _, err := unix.Write(fd, []byte(text)); err != nil {
		return errs.Frame(err, "pidfile: write")
	}
	return nil
}

// Release drops the write lock without removing the file, leaving a
// valid pid readable by others under a read lock — used at watchdog
// shutdown per §4.3's completion sequence, which releases the lock
// before the file is actually destroyed by an external collaborator
// (or left in place if the caller wants the pid to remain on record).
func (f *File) Release() error {
	if err := unix.Flock(f.fd, unix.LOCK_UN); err != nil {
		return errs.Frame(err, "pidfile: flock un")
	}
	return nil
}

// Close releases the lock (if still held) and closes the fd.
func (f *File) Close() error {
	_ = unix.Flock(f.fd, unix.LOCK_UN)
	return unix.Close(f.fd)
}

// Destroy re-acquires the write lock, truncates to zero bytes, unlinks
// the path, and closes — the full §4.6 destroy path.
func (f *File) Destroy() error {
	if err := unix.Flock(f.fd, unix.LOCK_EX); err != nil {
		return errs.Frame(err, "pidfile: flock ex for destroy")
	}
	if err := unix.Ftruncate(f.fd, 0); err != nil {
		_ = unix.Flock(f.fd, unix.LOCK_UN)
		return errs.Frame(err, "pidfile: ftruncate")
	}
	if err := unix.Unlink(f.path); err != nil {
		_ = unix.Flock(f.fd, unix.LOCK_UN)
		return errs.Frame(err, "pidfile: unlink")
	}
	_ = unix.Flock(f.fd, unix.LOCK_UN)
	return unix.Close(f.fd)
}

// AdvanceMtime forces the pid-file's mtime strictly later than
// childStart, implementing the §4.6 invariant that lets a reader
// disambiguate pid reuse: it rewrites the same bytes (advancing mtime)
// only when the current mtime is not already later.
func (f *File) AdvanceMtime(childStart time.Time) error {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return errs.Frame(err, "pidfile: fstat for mtime check")
	}
	mtime := time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	if mtime.After(childStart) {
		return nil
	}
	var buf [32]byte
	n, err := unix.Pread(f.fd, buf[:], 0)
	if err != nil {
		return errs.Frame(err, "pidfile: pread for mtime advance")
	}
	if _, err := unix.Pwrite(f.fd, buf[:n], 0); err != nil {
		return errs.Frame(err, "pidfile: pwrite for mtime advance")
	}
	now := time.Now()
	ts := []unix.Timespec{
		unix.NsecToTimespec(now.UnixNano()),
		unix.NsecToTimespec(now.UnixNano()),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, f.path, ts, 0); err != nil {
		return errs.Frame(err, "pidfile: utimensat")
	}
	return nil
}

// Read implements §4.6's read path: open, acquire a read lock, parse
// the decimal integer up to the first whitespace. An empty file (the
// transient state during Create) returns pid 0, nil. A parse failure
// returns -1 and the error.
func Read(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, errs.Frame(err, "pidfile: open for read")
	}
	defer unix.Close(fd)

	if err := unix.Flock(fd, unix.LOCK_SH); err != nil {
		return -1, errs.Frame(err, "pidfile: flock sh")
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var chunk [64]byte
	for {
		n, err := unix.Read(fd, chunk[:])
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil || n == 0 {
			break
		}
	}

	text := buf.String()
	if len(text) == 0 {
		return 0, nil
	}
	end := len(text)
	for i, c := range text {
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			end = i
			break
		}
	}
	pid, convErr := strconv.Atoi(text[:end])
	if convErr != nil {
		return -1, errs.Frame(convErr, "pidfile: parse pid")
	}
	return pid, nil
}

// Fd returns the raw file descriptor this File holds open, for callers
// (the umbilical monitor, via ExtraFiles) that need to keep the
// underlying open file description alive without reading or writing
// through it themselves.
func (f *File) Fd() int { return f.fd }

// Exists reports whether path currently exists on disk, for callers
// deciding whether to attempt Create at all (e.g. print-only mode).
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
