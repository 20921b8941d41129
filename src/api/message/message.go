package message

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
)

const (
	HeaderLength = 100  // destination tag buffer, NUL terminated
	BodyLength   = 1024 // body buffer, NUL terminated

	BlankTag = ""  // idle token
	AckTag   = "0" // reserved acknowledgment tag, never a node id
)

var (
	ErrInvalidTag        = errors.New("invalid destination tag")
	ErrInvalidBody       = errors.New("invalid message body")
	ErrBodyTooLong       = errors.New("message body too long")
	ErrIllegalTransition = errors.New("illegal tag transition")
)

// Message is the unit that circulates on the ring. A blank Message (empty Tag)
// is the idle token.
type Message struct {
	ID   int32
	Tag  string
	Body []byte
}

// Blank returns a fresh idle token.
func Blank() *Message {
	return &Message{}
}

// New creates a message addressed to dest. The id must come from an
// IDGenerator so that ids stay monotonic within a ring.
func New(id int32, dest int, body []byte) (*Message, error) {
	if err := ValidateBody(body); err != nil {
		return nil, err
	}
	m := &Message{
		ID:   id,
		Body: append([]byte(nil), body...),
	}
	if err := m.Address(dest); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) IsBlank() bool {
	return m.Tag == BlankTag
}

func (m *Message) IsAck() bool {
	return m.Tag == AckTag
}

// Destination returns the node id the message is addressed to. It reports
// false for blank and acknowledged frames.
func (m *Message) Destination() (int, bool) {
	if m.IsBlank() || m.IsAck() {
		return 0, false
	}
	id, err := strconv.Atoi(m.Tag)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Address performs the empty -> id transition.
func (m *Message) Address(dest int) error {
	if !m.IsBlank() {
		return fmt.Errorf("%w: address %q -> %d", ErrIllegalTransition, m.Tag, dest)
	}
	if dest <= 0 {
		return fmt.Errorf("%w: destination %d", ErrInvalidTag, dest)
	}
	m.Tag = TagFor(dest)
	return nil
}

// Acknowledge performs the id -> "0" transition.
func (m *Message) Acknowledge() error {
	if _, ok := m.Destination(); !ok {
		return fmt.Errorf("%w: acknowledge %q", ErrIllegalTransition, m.Tag)
	}
	m.Tag = AckTag
	return nil
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	return &Message{
		ID:   m.ID,
		Tag:  m.Tag,
		Body: append([]byte(nil), m.Body...),
	}
}

func (m *Message) String() string {
	switch {
	case m.IsBlank():
		return fmt.Sprintf("Message{id: %d, blank}", m.ID)
	case m.IsAck():
		return fmt.Sprintf("Message{id: %d, ack, body: %q}", m.ID, m.Body)
	default:
		return fmt.Sprintf("Message{id: %d, to: %s, body: %q}", m.ID, m.Tag, m.Body)
	}
}

// TagFor renders a node id as a destination tag.
func TagFor(id int) string {
	return strconv.Itoa(id)
}

// ValidateTag accepts "", "0" and canonical positive decimal ids.
func ValidateTag(tag string) error {
	if tag == BlankTag || tag == AckTag {
		return nil
	}
	if len(tag) >= HeaderLength {
		return fmt.Errorf("%w: %d bytes", ErrInvalidTag, len(tag))
	}
	if tag[0] == '0' {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] < '0' || tag[i] > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
		}
	}
	if _, err := strconv.Atoi(tag); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	return nil
}

// ValidateBody enforces the body buffer bound. A NUL byte would end the body
// early on the wire so it is rejected here.
func ValidateBody(body []byte) error {
	if len(body) > BodyLength-1 {
		return fmt.Errorf("%w: %d > %d bytes", ErrBodyTooLong, len(body), BodyLength-1)
	}
	for _, b := range body {
		if b == 0 {
			return fmt.Errorf("%w: contains NUL", ErrInvalidBody)
		}
	}
	return nil
}

// Validate checks both fields of m.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidBody)
	}
	if err := ValidateTag(m.Tag); err != nil {
		return err
	}
	return ValidateBody(m.Body)
}

// IDGenerator hands out monotonic message ids starting at 1. Id 0 is left
// for blank tokens.
type IDGenerator struct {
	last atomic.Int32
}

func (g *IDGenerator) Next() int32 {
	return g.last.Add(1)
}
