// Package govhost describes the vhost-user front-channel and
// back-channel wire formats: control message headers, feature bitmasks,
// and the slave (back-channel) request/reply layout used by MAP, UNMAP,
// SYNC and IO.
//
// Layouts are host-order and packed, matching qemu's
// docs/interop/vhost-user.rst.
package govhost

import "fmt"

// Front-channel request numbers (VhostUserRequest). Only the subset the
// session controller's callback table needs to recognize.
const (
	ReqGetFeatures         = 1
	ReqSetFeatures         = 2
	ReqSetOwner            = 3
	ReqSetMemTable         = 5
	ReqSetVringNum         = 8
	ReqSetVringAddr        = 9
	ReqSetVringBase        = 10
	ReqGetVringBase        = 11
	ReqSetVringKick        = 12
	ReqSetVringCall        = 13
	ReqSetVringErr         = 14
	ReqGetProtocolFeatures = 15
	ReqSetProtocolFeatures = 16
	ReqGetQueueNum         = 17
	ReqSetVringEnable      = 18
	ReqSetBackendReqFD     = 21
	ReqGetConfig           = 24
	ReqSetConfig           = 25
	ReqGetMaxMemSlots      = 36
	ReqAddMemReg           = 37
	ReqRemMemReg           = 38
)

var reqNames = map[uint32]string{
	ReqGetFeatures:         "GET_FEATURES",
	ReqSetFeatures:         "SET_FEATURES",
	ReqSetOwner:            "SET_OWNER",
	ReqSetMemTable:         "SET_MEM_TABLE",
	ReqSetVringNum:         "SET_VRING_NUM",
	ReqSetVringAddr:        "SET_VRING_ADDR",
	ReqSetVringBase:        "SET_VRING_BASE",
	ReqGetVringBase:        "GET_VRING_BASE",
	ReqSetVringKick:        "SET_VRING_KICK",
	ReqSetVringCall:        "SET_VRING_CALL",
	ReqSetVringErr:         "SET_VRING_ERR",
	ReqGetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	ReqSetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	ReqGetQueueNum:         "GET_QUEUE_NUM",
	ReqSetVringEnable:      "SET_VRING_ENABLE",
	ReqSetBackendReqFD:     "SET_BACKEND_REQ_FD",
	ReqGetConfig:           "GET_CONFIG",
	ReqSetConfig:           "SET_CONFIG",
	ReqGetMaxMemSlots:      "GET_MAX_MEM_SLOTS",
	ReqAddMemReg:           "ADD_MEM_REG",
	ReqRemMemReg:           "REM_MEM_REG",
}

// RequestName returns a debug name for a front-channel request number.
func RequestName(r uint32) string {
	if n, ok := reqNames[r]; ok {
		return n
	}
	return fmt.Sprintf("REQ_%d", r)
}

// Feature bits (virtio_config.h / virtio_ring.h), the subset
// get_features/set_features needs to advertise or recognize.
const (
	FeatVersion1        = 1 << 32
	FeatProtocolFeature = 1 << 30
	FeatFSNotification  = 1 << 63 // virtio-fs specific: notification queue support
)

// Protocol feature bits (VhostUserProtocolFeature).
const (
	ProtocolFeatureMQ     = 1 << 0
	ProtocolFeatureConfig = 1 << 9
)

// FlagsNeedReply marks a front-channel request as expecting a reply
// even when its RPC shape has no natural output payload.
const FlagsNeedReply = 0x1 << 3

// FlagsReply marks a front-channel message as a reply.
const FlagsReply = 0x1 << 2

// Header is the fixed-size prologue of every front-channel vhost-user
// message.
type Header struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

// VringState carries an index/value pair, used by SET_VRING_NUM,
// SET_VRING_BASE and SET_VRING_ENABLE.
type VringState struct {
	Index uint32
	Num   uint32
}

// VringAddr is VhostVringAddr: the guest-virtual addresses of a
// virtqueue's descriptor, used and available rings.
type VringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

// MemoryRegion is VhostUserMemoryRegion: one mmap-able slice of guest
// physical memory shared over the front channel via SCM_RIGHTS.
type MemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserAddr      uint64
	MmapOffset    uint64
}

// U64Payload is the generic single-uint64 request/reply body used by
// GET_QUEUE_NUM, GET_MAX_MEM_SLOTS, SET_VRING_CALL/ERR/KICK and the
// generic ack reply.
type U64Payload struct {
	Value uint64
}

// FSConfig is virtio_fs_config (wire, little-endian, packed):
// the GET_CONFIG payload advertising the mount tag and queue geometry.
type FSConfig struct {
	Tag              [36]byte
	NumRequestQueues uint32
	NotifyBufSize    uint32
}

// Backend (slave channel) request numbers.
const (
	BackendReqMap   = 6
	BackendReqUnmap = 7
	BackendReqSync  = 8
	BackendReqIO    = 9
)

// BackendMsgEntries bounds the number of ranges a single MAP/UNMAP/
// SYNC/IO request may carry.
const BackendMsgEntries = 8

// Backend message entry flags: bit 0 read-mappable, bit 1
// write-mappable.
const (
	BackendFlagMapR = 1 << 0
	BackendFlagMapW = 1 << 1
)

// UnmapWholeCache is the sentinel length ("len == ~0") meaning "the
// entire cache" on an UNMAP entry.
const UnmapWholeCache = ^uint64(0)

// BackendMsgEntry is one {flags, fd_offset, c_offset, len} slot of a
// slave-channel wire message.
type BackendMsgEntry struct {
	Flags    uint64
	FDOffset uint64
	COffset  uint64
	Len      uint64
}

// Empty reports whether this entry should be skipped ("len == 0").
func (e BackendMsgEntry) Empty() bool { return e.Len == 0 }

// BackendMsg is the fixed-size array wire payload shared by MAP, UNMAP,
// SYNC and IO.
type BackendMsg struct {
	Entries [BackendMsgEntries]BackendMsgEntry
}
