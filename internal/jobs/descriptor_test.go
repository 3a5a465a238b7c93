package jobs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/ota/internal/otaerr"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		raw  string
		want Action
	}{
		{"print", ActionPrint},
		{"publish", ActionPublish},
		{"exit", ActionExit},
		{"pr", ActionUnknown},
		{"printer", ActionUnknown},
		{"EXIT", ActionUnknown},
		{"", ActionUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			require.Equal(t, tt.want, ParseAction([]byte(tt.raw)))
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want Descriptor
	}{
		{
			name: "print",
			doc:  `{"action":"print","message":"hello"}`,
			want: Descriptor{Action: ActionPrint, ActionName: []byte("print"), Message: []byte("hello"), HasMessage: true},
		},
		{
			name: "print without message",
			doc:  `{"action":"print"}`,
			want: Descriptor{Action: ActionPrint, ActionName: []byte("print")},
		},
		{
			name: "publish",
			doc:  `{"action":"publish","topic":"t/1","message":"m"}`,
			want: Descriptor{
				Action: ActionPublish, ActionName: []byte("publish"),
				Topic: []byte("t/1"), HasTopic: true,
				Message: []byte("m"), HasMessage: true,
			},
		},
		{
			name: "no action",
			doc:  `{"message":"orphan"}`,
			want: Descriptor{Action: ActionNone},
		},
		{
			name: "unknown action",
			doc:  `{"action":"reboot"}`,
			want: Descriptor{Action: ActionUnknown, ActionName: []byte("reboot")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Descriptor
			Parse([]byte("job-1"), []byte(tt.doc), &got)

			require.Equal(t, "job-1", string(got.JobID))
			require.Equal(t, tt.doc, string(got.Document))
			require.Equal(t, tt.want.Action, got.Action)
			require.Equal(t, string(tt.want.ActionName), string(got.ActionName))
			require.Equal(t, tt.want.HasMessage, got.HasMessage)
			require.Equal(t, string(tt.want.Message), string(got.Message))
			require.Equal(t, tt.want.HasTopic, got.HasTopic)
			require.Equal(t, string(tt.want.Topic), string(got.Topic))
		})
	}
}

func TestScratchLoad(t *testing.T) {
	s := NewScratch(64)

	desc, err := s.Load([]byte("job-1"), []byte(`{"action":"exit"}`))
	require.NoError(t, err)
	require.Equal(t, ActionExit, desc.Action)
	require.Equal(t, "job-1", string(desc.JobID))

	// The scratch owns copies; the caller's buffers may be reused.
	id := []byte("job-2")
	doc := []byte(`{"action":"print","message":"x"}`)
	desc, err = s.Load(id, doc)
	require.NoError(t, err)
	copy(id, "XXXXX")
	copy(doc, strings.Repeat("X", len(doc)))
	require.Equal(t, "job-2", string(desc.JobID))
	require.Equal(t, "x", string(desc.Message))
}

func TestScratchRejectsOversizedInput(t *testing.T) {
	s := NewScratch(16)

	_, err := s.Load([]byte("job-1"), []byte(`{"action":"print","message":"too long"}`))
	require.ErrorIs(t, err, otaerr.ErrSchemaInvalid)

	_, err = s.Load([]byte(strings.Repeat("a", 65)), []byte(`{}`))
	require.ErrorIs(t, err, otaerr.ErrSchemaInvalid)

	_, err = s.Load(nil, []byte(`{}`))
	require.ErrorIs(t, err, otaerr.ErrSchemaInvalid)
}

func TestStatusReport(t *testing.T) {
	require.JSONEq(t, `{"status":"SUCCEEDED"}`, string(StatusReport(StatusSucceeded)))
	require.JSONEq(t, `{"status":"FAILED"}`, string(StatusReport(StatusFailed)))
	require.JSONEq(t,
		`{"status":"IN_PROGRESS","statusDetails":{"self_test":"ready"}}`,
		string(StatusReportWithDetails(StatusInProgress, map[string]string{"self_test": "ready"})),
	)
}

func TestFlags(t *testing.T) {
	var f Flags
	require.False(t, f.ExitRequested())
	require.False(t, f.ErrorEncountered())

	f.RequestExit()
	f.MarkError()
	require.True(t, f.ExitRequested())
	require.True(t, f.ErrorEncountered())
}
