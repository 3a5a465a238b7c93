package jobs

import (
	"fmt"

	"github.com/e7canasta/orion-care-sensor/ota/internal/otaerr"
	"github.com/e7canasta/orion-care-sensor/ota/internal/topic"
)

// Document keys of a custom job.
const (
	keyAction  = "action"
	keyMessage = "message"
	keyTopic   = "topic"
)

// Action is the operation a custom job document asks for.
type Action int

const (
	// ActionNone means the document has no "action" key.
	ActionNone Action = iota
	ActionPrint
	ActionPublish
	ActionExit
	ActionUnknown
)

// String returns the log label for a.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionPrint:
		return "print"
	case ActionPublish:
		return "publish"
	case ActionExit:
		return "exit"
	default:
		return "unknown"
	}
}

// ParseAction maps the raw "action" value to an Action. Matching is exact.
func ParseAction(raw []byte) Action {
	switch string(raw) {
	case "print":
		return ActionPrint
	case "publish":
		return ActionPublish
	case "exit":
		return ActionExit
	default:
		return ActionUnknown
	}
}

// Descriptor is one job document, parsed once. Every slice borrows from the
// Scratch (or document) it was parsed from.
type Descriptor struct {
	JobID    []byte
	Document []byte

	Action     Action
	ActionName []byte

	Message    []byte
	HasMessage bool

	Topic    []byte
	HasTopic bool
}

// Parse fills d from jobID and the job document doc.
func Parse(jobID, doc []byte, d *Descriptor) {
	*d = Descriptor{JobID: jobID, Document: doc}

	name, ok := Search(doc, keyAction)
	if !ok {
		d.Action = ActionNone
		return
	}
	d.ActionName = name
	d.Action = ParseAction(name)

	switch d.Action {
	case ActionPrint:
		d.Message, d.HasMessage = Search(doc, keyMessage)
	case ActionPublish:
		d.Topic, d.HasTopic = Search(doc, keyTopic)
		d.Message, d.HasMessage = Search(doc, keyMessage)
	}
}

// Scratch holds the job id and document of the job being dispatched.
//
// It is reused for every job; the owner must not Load a new job while a
// Descriptor from the previous Load is still in use.
type Scratch struct {
	id   [topic.MaxJobIDLength]byte
	doc  []byte
	desc Descriptor
}

// NewScratch creates a Scratch holding documents of up to maxDoc bytes.
func NewScratch(maxDoc int) *Scratch {
	otaerr.MustConfig(maxDoc > 0, "job document scratch size must be > 0, got %d", maxDoc)
	return &Scratch{doc: make([]byte, 0, maxDoc)}
}

// Load copies jobID and doc into the scratch and parses them.
// Oversized input is rejected with otaerr.ErrSchemaInvalid rather than truncated.
func (s *Scratch) Load(jobID, doc []byte) (*Descriptor, error) {
	if len(jobID) == 0 || len(jobID) > len(s.id) {
		return nil, fmt.Errorf("%w: job id length %d not in 1..%d", otaerr.ErrSchemaInvalid, len(jobID), len(s.id))
	}
	if len(doc) > cap(s.doc) {
		return nil, fmt.Errorf("%w: job document of %d bytes exceeds %d", otaerr.ErrSchemaInvalid, len(doc), cap(s.doc))
	}

	n := copy(s.id[:], jobID)
	s.doc = append(s.doc[:0], doc...)

	Parse(s.id[:n], s.doc, &s.desc)
	return &s.desc, nil
}
