package daxcache

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// versionTableMagic identifies the version-table region so a future
// migration peer can sanity-check it before trusting Version.
const versionTableMagic = 0x76667376 // "vfsv"

// versionTableSize is the fixed size of the migration-compatibility
// region (PCI shared-memory capability id 1).
const versionTableSize = 4096

// VersionTable is the optional migration-compatibility shared-memory
// region named by the `versiontable` device property. It carries no
// DAX semantics; it exists so a live-migration peer can confirm both
// sides speak the same cache-window layout before a MAP/UNMAP/SYNC/IO
// is ever issued. virtiofsd's original C implementation maps this
// region unconditionally when `--socket-group`/`--migration-mode`-style
// options request migration support; here it's populated once at
// realize time and never mutated again.
type VersionTable struct {
	region []byte
}

// NewVersionTable mmaps a fresh anonymous region and stamps it with the
// magic and the given version. The region is an in-memory anonymous
// mapping, not a file-backed one, which keeps this component testable
// without external file setup.
func NewVersionTable(version uint32) (*VersionTable, error) {
	region, err := unix.Mmap(-1, 0, versionTableSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(region[0:4], versionTableMagic)
	binary.LittleEndian.PutUint32(region[4:8], version)
	return &VersionTable{region: region}, nil
}

// Bytes returns the mapped region, for exposing as PCI shared-memory
// capability id 1.
func (v *VersionTable) Bytes() []byte { return v.region }

// Magic and Version read back the stamped header fields.
func (v *VersionTable) Magic() uint32   { return binary.LittleEndian.Uint32(v.region[0:4]) }
func (v *VersionTable) Version() uint32 { return binary.LittleEndian.Uint32(v.region[4:8]) }

// Close releases the region's virtual memory.
func (v *VersionTable) Close() error {
	if v.region == nil {
		return nil
	}
	err := unix.Munmap(v.region)
	v.region = nil
	return err
}
