package topic

import "strings"

// NextJobID is the placeholder job id the Jobs service accepts for "the next pending job".
const NextJobID = "$next"

// MaxJobIDLength is the longest job id the Jobs service issues.
const MaxJobIDLength = 64

// JobsAPI identifies which Jobs service response a topic carries.
type JobsAPI int

const (
	JobsInvalid JobsAPI = iota
	JobsJobsChanged
	JobsNextJobChanged
	JobsGetPendingSuccess
	JobsGetPendingFailed
	JobsStartNextSuccess
	JobsStartNextFailed
	JobsDescribeSuccess
	JobsDescribeFailed
	JobsUpdateSuccess
	JobsUpdateFailed
)

var jobsAPINames = [...]string{
	JobsInvalid:           "invalid",
	JobsJobsChanged:       "notify",
	JobsNextJobChanged:    "notify-next",
	JobsGetPendingSuccess: "get-pending-accepted",
	JobsGetPendingFailed:  "get-pending-rejected",
	JobsStartNextSuccess:  "start-next-accepted",
	JobsStartNextFailed:   "start-next-rejected",
	JobsDescribeSuccess:   "describe-accepted",
	JobsDescribeFailed:    "describe-rejected",
	JobsUpdateSuccess:     "update-accepted",
	JobsUpdateFailed:      "update-rejected",
}

// String returns the log label for api.
func (api JobsAPI) String() string {
	if api < 0 || int(api) >= len(jobsAPINames) {
		return "invalid"
	}
	return jobsAPINames[api]
}

// MatchJobs parses a Jobs service topic for thing.
//
// jobID is set for the describe and update responses, which carry the job id as a
// topic level (possibly NextJobID); it borrows from topic. ok is false when topic is
// not a Jobs response for thing.
func MatchJobs(topic, thing string) (api JobsAPI, jobID string, ok bool) {
	rest, found := strings.CutPrefix(topic, ThingsPrefix)
	if !found {
		return JobsInvalid, "", false
	}
	name, rest := nextField(rest)
	if name == "" || name != thing {
		return JobsInvalid, "", false
	}
	rest, found = strings.CutPrefix(rest, "jobs/")
	if !found {
		return JobsInvalid, "", false
	}

	switch rest {
	case "notify":
		return JobsJobsChanged, "", true
	case "notify-next":
		return JobsNextJobChanged, "", true
	case "get/accepted":
		return JobsGetPendingSuccess, "", true
	case "get/rejected":
		return JobsGetPendingFailed, "", true
	case "start-next/accepted":
		return JobsStartNextSuccess, "", true
	case "start-next/rejected":
		return JobsStartNextFailed, "", true
	}

	id, rest := nextField(rest)
	if !ValidJobID(id) {
		return JobsInvalid, "", false
	}

	switch rest {
	case "get/accepted":
		return JobsDescribeSuccess, id, true
	case "get/rejected":
		return JobsDescribeFailed, id, true
	case "update/accepted":
		return JobsUpdateSuccess, id, true
	case "update/rejected":
		return JobsUpdateFailed, id, true
	}

	return JobsInvalid, "", false
}

// ValidJobID reports whether id is NextJobID or 1..64 characters of [A-Za-z0-9_-].
func ValidJobID(id string) bool {
	if id == NextJobID {
		return true
	}
	if id == "" || len(id) > MaxJobIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func thingPrefix(thing string) string {
	return ThingsPrefix + thing
}

// JobUpdate returns the topic a job execution status update is published to.
func JobUpdate(thing, jobID string) string {
	return thingPrefix(thing) + "/jobs/" + jobID + "/update"
}

// NotifyNext returns the topic the Jobs service announces the next pending job on.
func NotifyNext(thing string) string {
	return thingPrefix(thing) + "/jobs/notify-next"
}

// NextJobGet returns the topic used to request the next pending job document.
func NextJobGet(thing string) string {
	return thingPrefix(thing) + "/jobs/" + NextJobID + "/get"
}

// NextJobAccepted returns the topic the next pending job document is delivered on.
func NextJobAccepted(thing string) string {
	return NextJobGet(thing) + "/accepted"
}

// StreamData returns the topic file blocks of stream are delivered on (CBOR encoding).
func StreamData(thing, stream string) string {
	return thingPrefix(thing) + "/streams/" + stream + "/data/cbor"
}

// StreamGet returns the topic file blocks of stream are requested on (CBOR encoding).
func StreamGet(thing, stream string) string {
	return thingPrefix(thing) + "/streams/" + stream + "/get/cbor"
}
