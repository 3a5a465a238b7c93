// Package topic parses and builds the AWS IoT reserved topics used by the OTA client.
//
// Classify answers "which OTA sub-protocol is this message for", MatchJobs answers
// "which Jobs API response is this". Both are pure functions over the topic string:
// they never allocate and return substrings that borrow from their input.
package topic

import "strings"

// ThingsPrefix is the reserved prefix shared by every per-thing topic.
const ThingsPrefix = "$aws/things/"

// MessageType identifies the OTA sub-protocol a topic belongs to.
type MessageType int

const (
	Unknown MessageType = iota
	Job
	Stream
)

// String returns the log label for t.
func (t MessageType) String() string {
	switch t {
	case Job:
		return "job"
	case Stream:
		return "stream"
	default:
		return "unknown"
	}
}

// typeTable is ordered; the first exact match wins.
var typeTable = [...]struct {
	field string
	kind  MessageType
}{
	{"jobs", Job},
	{"streams", Stream},
}

// Classify returns the MessageType of topic for the device named thing.
//
// The topic must start with ThingsPrefix, followed by a field equal to thing and a
// field naming the sub-protocol. Fields end at the next '/' or at the end of the
// topic. Anything else, including zero-length fields, is Unknown.
func Classify(topic, thing string) MessageType {
	rest, ok := strings.CutPrefix(topic, ThingsPrefix)
	if !ok {
		return Unknown
	}

	name, rest := nextField(rest)
	if name == "" || name != thing {
		return Unknown
	}

	kind, _ := nextField(rest)
	if kind == "" {
		return Unknown
	}

	for _, entry := range typeTable {
		if kind == entry.field {
			return entry.kind
		}
	}

	return Unknown
}

// nextField splits s at the first '/'. Without a separator the whole of s is the field.
func nextField(s string) (field, rest string) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}
