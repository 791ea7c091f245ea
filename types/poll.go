package types

import (
	"fmt"
	"time"
)

// MaxPollIDLen bounds the poll identifier so it always fits a 2-byte length
// prefix inside token inputs and Merkle leaves.
const MaxPollIDLen = 128

// PollStatus is the lifecycle state of a poll on the PO.
type PollStatus string

const (
	PollOpen   PollStatus = "open"
	PollClosed PollStatus = "closed"
)

// Poll is the minimal poll record the PO keeps to gate vote acceptance. Poll
// content lives outside this service.
type Poll struct {
	ID        string     `json:"pollId" cbor:"0,keyasint"`
	Status    PollStatus `json:"status" cbor:"1,keyasint"`
	CreatedAt time.Time  `json:"createdAt" cbor:"2,keyasint"`
	ClosedAt  *time.Time `json:"closedAt,omitempty" cbor:"3,keyasint,omitempty"`
}

// IsOpen reports whether the poll accepts votes.
func (p *Poll) IsOpen() bool {
	return p.Status == PollOpen
}

// ValidatePollID checks that id is non-empty, at most MaxPollIDLen bytes and
// only uses [A-Za-z0-9._:-], so it can be used verbatim in URLs and keys.
func ValidatePollID(id string) error {
	if id == "" {
		return fmt.Errorf("empty poll id")
	}
	if len(id) > MaxPollIDLen {
		return fmt.Errorf("poll id too long: %d > %d", len(id), MaxPollIDLen)
	}
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '.', ch == '_', ch == ':', ch == '-':
		default:
			return fmt.Errorf("invalid character %q in poll id", ch)
		}
	}
	return nil
}
