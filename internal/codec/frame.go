package codec

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// FrameVersion is the multicast frame schema version. Receivers reject
// frames carrying any other version.
const FrameVersion = 1

// MaxFrameBytes bounds one multicast datagram.
const MaxFrameBytes = 1024

// Kind discriminates multicast frame subjects.
type Kind uint8

// Ticket frames announce the fate of one queue message.
const KindTicket Kind = 1

// Status is the announced outcome of a ticket.
type Status uint8

const (
	// StatusRejected: the processing function returned a user-surfaced
	// error. Terminal; a failure row exists in the table.
	StatusRejected Status = 1
	// StatusComplete: processing succeeded. Terminal; an output row exists.
	StatusComplete Status = 2
	// StatusFailure: infrastructure fault mid-flight. Non-terminal; the
	// message went back to the queue and no row was written.
	StatusFailure Status = 3
)

// Finished reports whether the status is terminal for the ticket.
func (s Status) Finished() bool {
	return s == StatusComplete || s == StatusRejected
}

func (s Status) String() string {
	switch s {
	case StatusRejected:
		return "rejected"
	case StatusComplete:
		return "complete"
	case StatusFailure:
		return "failure"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Frame is one completion announcement. Self-sent frames are valid and
// processed like any other.
type Frame struct {
	Version  uint8
	TaskName string
	Ticket   string
	Kind     Kind
	Status   Status
	Unix     uint64
}

// NewTicketFrame builds a versioned ticket frame stamped with the current time.
func NewTicketFrame(taskName, ticket string, status Status) *Frame {
	return &Frame{
		Version:  FrameVersion,
		TaskName: taskName,
		Ticket:   ticket,
		Kind:     KindTicket,
		Status:   status,
		Unix:     uint64(time.Now().Unix()),
	}
}

// Timestamp returns the frame's wall-clock stamp.
func (f *Frame) Timestamp() time.Time {
	return time.Unix(int64(f.Unix), 0)
}

// EncodeFrame serializes a frame for one datagram.
func EncodeFrame(f *Frame) ([]byte, error) {
	out, err := rlp.EncodeToBytes(f)
	if err != nil {
		return nil, fmt.Errorf("codec: encode frame: %w", err)
	}
	if len(out) > MaxFrameBytes {
		return nil, fmt.Errorf("codec: frame too large: %d bytes", len(out))
	}
	return out, nil
}

// DecodeFrame parses one datagram. Unknown schema versions are rejected.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := rlp.DecodeBytes(data, &f); err != nil {
		return nil, fmt.Errorf("codec: decode frame: %w", err)
	}
	if f.Version != FrameVersion {
		return nil, fmt.Errorf("codec: unsupported frame version %d", f.Version)
	}
	return &f, nil
}
