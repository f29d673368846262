package primitives

import (
	"encoding/binary"
	"fmt"
)

// RID locates a single record: the page it lives on and the slot within that
// page. The index engine treats RIDs as opaque 8-byte values.
type RID struct {
	PageID PageID
	Slot   SlotID
}

// NewRID constructs a record identifier.
func NewRID(pid PageID, slot SlotID) RID {
	return RID{PageID: pid, Slot: slot}
}

// RIDSize is the serialized width of a RID: 4-byte page id + 4-byte slot.
const RIDSize = 8

// Serialize writes the RID into buf, which must be at least RIDSize bytes.
func (r RID) Serialize(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.PageID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(r.Slot))
}

// DeserializeRID reads a RID previously written by Serialize.
func DeserializeRID(buf []byte) RID {
	return RID{
		PageID: PageID(binary.BigEndian.Uint32(buf[0:4])),
		Slot:   SlotID(binary.BigEndian.Uint32(buf[4:8])),
	}
}

func (r RID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageID, r.Slot)
}
