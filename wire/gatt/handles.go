package gatt

import (
	"bytes"
	"errors"
	"sync"

	"github.com/google/btree"

	"github.com/user/gattd/wire/att"
)

// Characteristic Properties (bitmask)
const (
	PropBroadcast                 = 0x01
	PropRead                      = 0x02
	PropWriteWithoutResponse      = 0x04
	PropWrite                     = 0x08
	PropNotify                    = 0x10
	PropIndicate                  = 0x20
	PropAuthenticatedSignedWrites = 0x40
	PropExtendedProperties        = 0x80
)

// Attribute permissions (not transmitted over the air, server-side only)
const (
	PermRead         = 0x01
	PermWrite        = 0x02
	PermReadEncrypt  = 0x04
	PermWriteEncrypt = 0x08
	PermReadAuthen   = 0x10
	PermWriteAuthen  = 0x20
)

// ErrHandlesExhausted is returned once handle 0xFFFF has been assigned.
var ErrHandlesExhausted = errors.New("gatt: attribute handles exhausted")

// btreeDegree is the B-tree branching factor for the handle index.
const btreeDegree = 16

// Attribute represents a single GATT attribute with a handle
type Attribute struct {
	Handle      uint16 // ATT handle (1-based, 0x0000 is reserved)
	Type        []byte // UUID (2 or 16 bytes)
	Value       []byte // Current or last cached value
	Permissions uint8

	// Read and Write are consulted by the server before the stored value.
	Read  ReadHandler
	Write WriteHandler

	// Cached reports whether Value has ever been set, either at creation or
	// through SetValue.
	Cached bool
}

func (a *Attribute) clone() *Attribute {
	c := *a
	c.Type = append([]byte{}, a.Type...)
	c.Value = append([]byte{}, a.Value...)
	return &c
}

// Group is one result of a group type query.
type Group struct {
	Handle    uint16 // group declaration
	EndHandle uint16 // last handle belonging to the group
	Value     []byte // declaration value, e.g. the service UUID
}

// AttributeDatabase is the ordered attribute table. Reads may run
// concurrently; every mutation is exclusive.
type AttributeDatabase struct {
	mu         sync.RWMutex
	tree       *btree.BTreeG[*Attribute]
	nextHandle uint32 // 0x10000 once exhausted
}

func lessByHandle(a, b *Attribute) bool {
	return a.Handle < b.Handle
}

// NewAttributeDatabase creates an empty attribute database
func NewAttributeDatabase() *AttributeDatabase {
	return &AttributeDatabase{
		tree:       btree.NewG(btreeDegree, lessByHandle),
		nextHandle: 0x0001, // Handles start at 1
	}
}

// Add appends an attribute at the next free handle.
func (db *AttributeDatabase) Add(attrType []byte, value []byte, permissions uint8) (uint16, error) {
	return db.AddAttribute(Attribute{
		Type:        attrType,
		Value:       value,
		Permissions: permissions,
		Cached:      value != nil,
	})
}

// AddAttribute appends a copy of attr at the next free handle, ignoring attr.Handle.
func (db *AttributeDatabase) AddAttribute(attr Attribute) (uint16, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.nextHandle > 0xFFFF {
		return 0, ErrHandlesExhausted
	}

	a := attr.clone()
	a.Handle = uint16(db.nextHandle)
	db.nextHandle++
	db.tree.ReplaceOrInsert(a)

	return a.Handle, nil
}

// NextHandle returns the handle the next Add will assign, or 0 once exhausted.
func (db *AttributeDatabase) NextHandle() uint16 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.nextHandle > 0xFFFF {
		return 0
	}
	return uint16(db.nextHandle)
}

// Get retrieves a copy of the attribute at handle
func (db *AttributeDatabase) Get(handle uint16) (*Attribute, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	attr, ok := db.tree.Get(&Attribute{Handle: handle})
	if !ok {
		return nil, att.NewError(att.ErrInvalidHandle, 0, handle)
	}
	return attr.clone(), nil
}

// SetValue updates an attribute's value and marks it cached
func (db *AttributeDatabase) SetValue(handle uint16, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	attr, ok := db.tree.Get(&Attribute{Handle: handle})
	if !ok {
		return att.NewError(att.ErrInvalidHandle, 0, handle)
	}

	attr.Value = append([]byte{}, value...)
	attr.Cached = true
	return nil
}

// RemoveRange deletes every attribute in [start, end] and returns how many
// were removed. Removed handles are not reassigned.
func (db *AttributeDatabase) RemoveRange(start, end uint16) int {
	db.mu.Lock()
	defer db.mu.Unlock()

	var doomed []*Attribute
	db.ascend(start, end, func(a *Attribute) bool {
		doomed = append(doomed, a)
		return true
	})
	for _, a := range doomed {
		db.tree.Delete(a)
	}
	return len(doomed)
}

// ascend visits [start, end] in handle order. Caller holds db.mu.
func (db *AttributeDatabase) ascend(start, end uint16, fn func(*Attribute) bool) {
	if start == 0 {
		start = 1
	}
	db.tree.AscendGreaterOrEqual(&Attribute{Handle: start}, func(a *Attribute) bool {
		if a.Handle > end {
			return false
		}
		return fn(a)
	})
}

// Range returns copies of all attributes in [start, end] in ascending handle order.
func (db *AttributeDatabase) Range(start, end uint16) []*Attribute {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*Attribute
	db.ascend(start, end, func(a *Attribute) bool {
		out = append(out, a.clone())
		return true
	})
	return out
}

// FindByType returns copies of attributes of type attrType in [start, end].
func (db *AttributeDatabase) FindByType(start, end uint16, attrType []byte) []*Attribute {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*Attribute
	db.ascend(start, end, func(a *Attribute) bool {
		if UUIDEqual(a.Type, attrType) {
			out = append(out, a.clone())
		}
		return true
	})
	return out
}

// FindByTypeValue returns the handle ranges of attributes in [start, end]
// whose type is attrType and whose stored value equals value. For grouping
// types the range covers the group; otherwise it is the single handle.
func (db *AttributeDatabase) FindByTypeValue(start, end uint16, attrType, value []byte) []Group {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []Group
	db.ascend(start, end, func(a *Attribute) bool {
		if UUIDEqual(a.Type, attrType) && bytes.Equal(a.Value, value) {
			g := Group{Handle: a.Handle, EndHandle: a.Handle, Value: append([]byte{}, a.Value...)}
			if isGroupType(a.Type) {
				g.EndHandle = db.groupEnd(a.Handle, a.Type)
			}
			out = append(out, g)
		}
		return true
	})
	return out
}

// FindByGroupType returns every group declared by an attribute of type
// groupType in [start, end]. A group ends just before the next grouping
// attribute, or at the last handle in the table.
func (db *AttributeDatabase) FindByGroupType(start, end uint16, groupType []byte) []Group {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []Group
	db.ascend(start, end, func(a *Attribute) bool {
		if UUIDEqual(a.Type, groupType) {
			out = append(out, Group{
				Handle:    a.Handle,
				EndHandle: db.groupEnd(a.Handle, groupType),
				Value:     append([]byte{}, a.Value...),
			})
		}
		return true
	})
	return out
}

// groupEnd finds the last handle of the group declared at handle. Caller holds db.mu.
func (db *AttributeDatabase) groupEnd(handle uint16, groupType []byte) uint16 {
	end := db.lastHandle()
	if handle == 0xFFFF {
		return end
	}
	db.tree.AscendGreaterOrEqual(&Attribute{Handle: handle + 1}, func(a *Attribute) bool {
		if isGroupType(a.Type) || UUIDEqual(a.Type, groupType) {
			end = a.Handle - 1
			return false
		}
		return true
	})
	return end
}

func isGroupType(t []byte) bool {
	return UUIDEqual(t, UUIDPrimaryService) || UUIDEqual(t, UUIDSecondaryService)
}

// LastHandle returns the highest handle present, or 0 for an empty table.
func (db *AttributeDatabase) LastHandle() uint16 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.lastHandle()
}

func (db *AttributeDatabase) lastHandle() uint16 {
	if last, ok := db.tree.Max(); ok {
		return last.Handle
	}
	return 0
}

// Count returns the number of attributes in the database
func (db *AttributeDatabase) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.tree.Len()
}
