package jobs

import (
	"github.com/tidwall/gjson"
)

// Search returns the value at keyPath ("execution.jobId", "action") in the JSON doc.
//
// The returned slice borrows from doc. String values are returned without their
// quotes and with escapes left as written; other values are returned raw.
func Search(doc []byte, keyPath string) ([]byte, bool) {
	res := gjson.GetBytes(doc, keyPath)
	if !res.Exists() {
		return nil, false
	}

	raw := rawValue(doc, res)
	if res.Type == gjson.String && len(raw) >= 2 {
		raw = raw[1 : len(raw)-1]
	}
	return raw, true
}

// Valid reports whether doc is well-formed JSON.
func Valid(doc []byte) bool {
	return gjson.ValidBytes(doc)
}

func rawValue(doc []byte, res gjson.Result) []byte {
	if res.Index > 0 && res.Index+len(res.Raw) <= len(doc) {
		return doc[res.Index : res.Index+len(res.Raw)]
	}
	return []byte(res.Raw)
}
