// Package protocol defines the messages exchanged between an upstairs
// client and a downstairs server. Each message travels in one record-marked
// frame whose body is an XDR uint32 message type followed by the XDR
// encoding of the message struct.
package protocol

import "fmt"

// Version is the protocol version announced in Hello and HelloAck.
const Version uint32 = 1

// MessageType identifies the struct following it in a frame.
type MessageType uint32

const (
	MsgHello MessageType = iota + 1
	MsgHelloAck
	MsgRead
	MsgWrite
	MsgFlush
	MsgExtentClose
	MsgExtentRepair
	MsgExtentReopen
	MsgExtentInfoRequest
	MsgJobResult
	MsgExtentInfoReply
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "Hello"
	case MsgHelloAck:
		return "HelloAck"
	case MsgRead:
		return "Read"
	case MsgWrite:
		return "Write"
	case MsgFlush:
		return "Flush"
	case MsgExtentClose:
		return "ExtentClose"
	case MsgExtentRepair:
		return "ExtentRepair"
	case MsgExtentReopen:
		return "ExtentReopen"
	case MsgExtentInfoRequest:
		return "ExtentInfoRequest"
	case MsgJobResult:
		return "JobResult"
	case MsgExtentInfoReply:
		return "ExtentInfoReply"
	case MsgError:
		return "Error"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// Message is implemented by every frame body.
type Message interface {
	Type() MessageType
}

// Hello opens a connection. RegionUUID, when set, must match the served
// region.
type Hello struct {
	Version    uint32
	RegionUUID string
}

// HelloAck describes the served region.
type HelloAck struct {
	Version     uint32
	RegionUUID  string
	ReadOnly    bool
	BlockSize   uint64
	ExtentSize  uint64
	ExtentCount uint32
}

// Read asks for Count blocks starting at Start.
type Read struct {
	JobID uint64
	Start uint64
	Count uint64
}

// Write stores Data, a whole number of blocks, at block Start.
type Write struct {
	JobID uint64
	Start uint64
	Data  []byte
}

// Flush makes prior writes durable. ExtentLimit applies only when HasLimit
// is set.
type Flush struct {
	JobID       uint64
	FlushNumber uint64
	Generation  uint64
	HasLimit    bool
	ExtentLimit uint32
}

// ExtentClose takes an extent out of service ahead of a repair from Source.
type ExtentClose struct {
	JobID  uint64
	Extent uint32
	Source string
}

// ExtentRepair refills an extent from the repair API at SourceURL.
type ExtentRepair struct {
	JobID     uint64
	Extent    uint32
	SourceURL string
}

// ExtentReopen returns an extent to service under Generation.
type ExtentReopen struct {
	JobID      uint64
	Extent     uint32
	Generation uint64
}

// ExtentInfoRequest asks for the metadata of one extent. It is answered
// immediately and does not take part in job ordering.
type ExtentInfoRequest struct {
	Extent uint32
}

// Job result states.
const (
	StatusComplete uint32 = iota
	StatusError
	StatusAborted
)

// JobResult reports the outcome of a job. Code carries the error code when
// Status is StatusError. Data holds the blocks of a completed Read.
type JobResult struct {
	JobID   uint64
	Status  uint32
	Code    uint32
	Message string
	Data    []byte
}

// ExtentInfoReply answers an ExtentInfoRequest.
type ExtentInfoReply struct {
	Extent      uint32
	Generation  uint64
	FlushNumber uint64
	Dirty       bool
	State       string
}

// Error reports a failure not tied to a job, such as a rejected Hello or an
// undecodable frame. The server closes the connection after sending it.
type Error struct {
	Code    uint32
	Message string
}

func (*Hello) Type() MessageType             { return MsgHello }
func (*HelloAck) Type() MessageType          { return MsgHelloAck }
func (*Read) Type() MessageType              { return MsgRead }
func (*Write) Type() MessageType             { return MsgWrite }
func (*Flush) Type() MessageType             { return MsgFlush }
func (*ExtentClose) Type() MessageType       { return MsgExtentClose }
func (*ExtentRepair) Type() MessageType      { return MsgExtentRepair }
func (*ExtentReopen) Type() MessageType      { return MsgExtentReopen }
func (*ExtentInfoRequest) Type() MessageType { return MsgExtentInfoRequest }
func (*JobResult) Type() MessageType         { return MsgJobResult }
func (*ExtentInfoReply) Type() MessageType   { return MsgExtentInfoReply }
func (*Error) Type() MessageType             { return MsgError }

// newMessage returns an empty message of type t.
func newMessage(t MessageType) (Message, error) {
	switch t {
	case MsgHello:
		return &Hello{}, nil
	case MsgHelloAck:
		return &HelloAck{}, nil
	case MsgRead:
		return &Read{}, nil
	case MsgWrite:
		return &Write{}, nil
	case MsgFlush:
		return &Flush{}, nil
	case MsgExtentClose:
		return &ExtentClose{}, nil
	case MsgExtentRepair:
		return &ExtentRepair{}, nil
	case MsgExtentReopen:
		return &ExtentReopen{}, nil
	case MsgExtentInfoRequest:
		return &ExtentInfoRequest{}, nil
	case MsgJobResult:
		return &JobResult{}, nil
	case MsgExtentInfoReply:
		return &ExtentInfoReply{}, nil
	case MsgError:
		return &Error{}, nil
	}
	return nil, fmt.Errorf("unknown message type %d", uint32(t))
}
