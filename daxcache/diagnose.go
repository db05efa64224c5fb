package daxcache

import (
	"fmt"
	"path/filepath"

	"github.com/moby/sys/mountinfo"
)

// dodgyDAXFilesystems lists backing filesystem types known to make
// MAP_SHARED|MAP_FIXED splicing into the cache window behave
// surprisingly (either because they don't support shared writable
// mappings well, or because a stacked filesystem changes the fd
// backing across renames). This is advisory only — Map/Unmap/Sync/IO
// do not consult it.
var dodgyDAXFilesystems = map[string]bool{
	"tmpfs":    true,
	"overlay":  true,
	"overlay2": true,
	"fuse":     true,
}

// Diagnose inspects the filesystem backing dir (typically the
// virtiofsd shared directory) and returns a warning string if it sits
// on a filesystem type known to misbehave under DAX splicing, or "" if
// nothing suspicious was found. Used by the `-print-capabilities`
// path in cmd/virtiofsd, never by the hot MAP/IO path.
func Diagnose(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	mounts, err := mountinfo.GetMounts(mountinfo.ParentsFilter(abs))
	if err != nil {
		return "", err
	}
	if len(mounts) == 0 {
		return "", nil
	}

	// ParentsFilter returns every mount that is a parent of abs; the
	// most specific (longest Mountpoint) one is the filesystem dir
	// actually lives on.
	best := mounts[0]
	for _, m := range mounts[1:] {
		if len(m.Mountpoint) > len(best.Mountpoint) {
			best = m
		}
	}

	if dodgyDAXFilesystems[best.FSType] {
		return fmt.Sprintf("shared directory %q is on %s (mounted at %s); "+
			"DAX cache MAP/SYNC may not behave as expected on this filesystem",
			dir, best.FSType, best.Mountpoint), nil
	}
	return "", nil
}
