package procfs

import "errors"

var (
	// ErrNoStat indicates that /proc/<pid>/stat was empty or malformed.
	ErrNoStat = errors.New("procfs: malformed or empty stat")

	// ErrShortStat indicates that /proc/<pid>/stat had fewer fields than expected.
	ErrShortStat = errors.New("procfs: short stat")

	// ErrNoSuchProcess indicates /proc/<pid> does not exist.
	ErrNoSuchProcess = errors.New("procfs: no such process")
)
