package work

import (
	"fmt"

	"github.com/marmos91/downstairs/pkg/region"
	"github.com/marmos91/downstairs/pkg/repair"
)

// Kind identifies the variant of an Op.
type Kind int

const (
	KindRead Kind = iota + 1
	KindWrite
	KindFlush
	KindExtentClose
	KindExtentRepair
	KindExtentReopen
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindFlush:
		return "flush"
	case KindExtentClose:
		return "extent_close"
	case KindExtentRepair:
		return "extent_repair"
	case KindExtentReopen:
		return "extent_reopen"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Op is the operation carried by a job. The set of variants is closed:
// Read, Write, Flush, ExtentClose, ExtentRepair and ExtentReopen.
type Op interface {
	Kind() Kind
	isOp()
}

// Read returns the data of a block range.
type Read struct {
	Range region.BlockRange
}

// Write stores Data starting at block Start.
type Write struct {
	Start uint64
	Data  []byte
}

// Flush is a full barrier that makes prior writes durable on extents
// 0..=*ExtentLimit, or on every extent when ExtentLimit is nil.
type Flush struct {
	FlushNumber uint64
	Generation  uint64
	ExtentLimit *uint32
}

// ExtentClose takes an extent out of service for live repair.
type ExtentClose struct {
	Extent int
	Source string
}

// ExtentRepair refills a closed extent from Source.
type ExtentRepair struct {
	Extent int
	Source repair.Source
}

// ExtentReopen returns a repaired extent to service under Generation.
type ExtentReopen struct {
	Extent     int
	Generation uint64
}

func (Read) Kind() Kind         { return KindRead }
func (Write) Kind() Kind        { return KindWrite }
func (Flush) Kind() Kind        { return KindFlush }
func (ExtentClose) Kind() Kind  { return KindExtentClose }
func (ExtentRepair) Kind() Kind { return KindExtentRepair }
func (ExtentReopen) Kind() Kind { return KindExtentReopen }

func (Read) isOp()         {}
func (Write) isOp()        {}
func (Flush) isOp()        {}
func (ExtentClose) isOp()  {}
func (ExtentRepair) isOp() {}
func (ExtentReopen) isOp() {}

// repairExtent returns the extent of a repair sub-operation.
func repairExtent(op Op) (int, bool) {
	switch o := op.(type) {
	case ExtentClose:
		return o.Extent, true
	case ExtentRepair:
		return o.Extent, true
	case ExtentReopen:
		return o.Extent, true
	}
	return 0, false
}
