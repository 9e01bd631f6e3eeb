// Package ring implements the shared-memory request/response ring used
// between a network frontend and its backend.
//
// Layout of one ring page:
//
//	0      4         8        12        16        64
//	| req_prod | req_event | rsp_prod | rsp_event | reserved |
//	| slot 0 | slot 1 | ... | slot N-1 |
//
// Each slot is a 12 byte cell shared by a request and its later response.
// Indices are free running and masked by size-1. Only the frontend writes
// req_prod and rsp_event, only the backend writes rsp_prod and req_event.
package ring

import (
	"errors"
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/romshark/netfront-go/grant"
	"github.com/romshark/netfront-go/pagemem"
)

const (
	// HeaderSize is the number of bytes reserved for shared indices.
	HeaderSize = 64
	// SlotSize is the size of one request/response cell.
	SlotSize = 12
)

var ErrPageTooSmall = errors.New("ring page smaller than a page")

// Slot flags, shared by requests and responses.
const (
	// FlagChecksumBlank marks a packet whose L4 checksum is left blank.
	FlagChecksumBlank uint16 = 1 << iota
	// FlagDataValidated marks a packet whose payload checksum was verified.
	FlagDataValidated
	// FlagMoreData marks a slot followed by another data slot of the same packet.
	FlagMoreData
	// FlagExtraInfo marks a slot followed by an extra-info record.
	FlagExtraInfo
)

// Response status values.
const (
	StatusOkay    int16 = 0
	StatusError   int16 = -1
	StatusDropped int16 = -2
	// StatusNull answers a slot that carried no data, such as extra info.
	StatusNull int16 = 1
)

// Extra info record types and flags.
const (
	ExtraTypeGSO uint8 = 1

	// ExtraFlagMore marks an extra-info record followed by another one.
	ExtraFlagMore uint8 = 1

	GSOTypeTCPv4 uint8 = 1
)

// Slot is the wire form of a ring cell.
// On responses Size carries a signed status, see Status.
type Slot struct {
	Gref   uint32
	Offset uint16
	Flags  uint16
	ID     uint16
	Size   uint16
}

var _ [SlotSize]byte = [unsafe.Sizeof(Slot{})]byte{}

// Status interprets Size as a response status.
// Positive values are byte counts on RX responses.
func (s Slot) Status() int16 { return int16(s.Size) }

// SetStatus stores a signed response status in Size.
func (s *Slot) SetStatus(v int16) { s.Size = uint16(v) }

// Has reports whether all of flags are set.
func (s Slot) Has(flags uint16) bool { return s.Flags&flags == flags }

// GrantRef returns the slot's grant reference.
func (s Slot) GrantRef() grant.Ref { return grant.Ref(s.Gref) }

// ExtraInfo is the metadata record that follows a slot flagged FlagExtraInfo.
type ExtraInfo struct {
	Type    uint8
	Flags   uint8
	GSOType uint8
	GSOSize uint16
}

// Slot encodes e into a ring cell.
func (e ExtraInfo) Slot() Slot {
	return Slot{
		Gref: uint32(e.Type) | uint32(e.Flags)<<8 | uint32(e.GSOType)<<16,
		Size: e.GSOSize,
	}
}

// Extra decodes the cell as an extra-info record.
func (s Slot) Extra() ExtraInfo {
	return ExtraInfo{
		Type:    uint8(s.Gref),
		Flags:   uint8(s.Gref >> 8),
		GSOType: uint8(s.Gref >> 16),
		GSOSize: s.Size,
	}
}

// SlotCount returns the number of slots that fit a page of pageSize bytes,
// rounded down to a power of two.
func SlotCount(pageSize int) uint32 {
	n := uint32((pageSize - HeaderSize) / SlotSize)
	if n == 0 {
		return 0
	}
	return 1 << (bits.Len32(n) - 1)
}

// PageSlots is the slot count of a one page ring.
var PageSlots = SlotCount(pagemem.PageSize)

// sharedHeader mirrors the first HeaderSize bytes of a ring page.
// Fields are only accessed atomically.
type sharedHeader struct {
	reqProd  uint32
	reqEvent uint32
	rspProd  uint32
	rspEvent uint32
	_        [HeaderSize - 16]byte
}

func mapPage(page []byte) (*sharedHeader, []Slot, error) {
	if len(page) < pagemem.PageSize {
		return nil, nil, fmt.Errorf("%d bytes: %w", len(page), ErrPageTooSmall)
	}
	base := unsafe.Pointer(&page[0])
	hdr := (*sharedHeader)(base)
	slots := unsafe.Slice((*Slot)(unsafe.Add(base, HeaderSize)), PageSlots)
	return hdr, slots, nil
}

// Cursors is a snapshot of both the shared and the private ring indices.
type Cursors struct {
	ReqProdPvt uint32
	ReqProd    uint32
	ReqEvent   uint32
	RspProd    uint32
	RspCons    uint32
	RspEvent   uint32
}

// Check verifies rsp_cons <= rsp_prod <= req_prod_pvt modulo wrap and that no
// more than size requests are outstanding.
func (c Cursors) Check(size uint32) error {
	produced := c.RspProd - c.RspCons
	outstanding := c.ReqProdPvt - c.RspCons
	if outstanding > size {
		return fmt.Errorf("outstanding %d exceeds ring size %d", outstanding, size)
	}
	if produced > outstanding {
		return fmt.Errorf("rsp_prod %d ahead of req_prod_pvt %d (rsp_cons %d)",
			c.RspProd, c.ReqProdPvt, c.RspCons)
	}
	if c.ReqProdPvt-c.ReqProd > size {
		return fmt.Errorf("req_prod %d ahead of req_prod_pvt %d", c.ReqProd, c.ReqProdPvt)
	}
	return nil
}
