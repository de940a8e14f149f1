package token

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripsEachPayloadKind(t *testing.T) {
	cases := []Payload{
		&JobPayload{Name: "etl", Inputs: []InputSlot{{Name: WorkflowStartInput}}, MaxAttempts: 3, Command: "run.sh"},
		&EventPayload{Creator: "etl", Attributes: map[string]string{"date": "2026-07-30"}},
		&SchedulePayload{Workflow: "etl", RecurrenceSeconds: 3600, OverrunPolicy: OverrunSkip},
		&SignalPayload{Action: SignalAbort, Attributes: map[string]string{AttrGeneration: "1"}},
	}

	for _, p := range cases {
		data, err := Encode(p)
		require.NoError(t, err)
		require.NotEmpty(t, data)

		got, err := Decode(data)
		require.NoError(t, err)
		require.Equal(t, p.Kind(), got.Kind())
	}
}

func TestEncodeNilPayloadReturnsNilData(t *testing.T) {
	data, err := Encode(nil)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestDecodeEmptyDataReturnsNilPayload(t *testing.T) {
	p, err := Decode(nil)
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"bogus"}`))
	require.Error(t, err)
}

func TestDecodeRejectsKindWithMissingVariant(t *testing.T) {
	// kind says "job" but the job field itself is absent.
	_, err := Decode([]byte(`{"kind":"job"}`))
	require.Error(t, err)
}

func TestDecodeAppliesVariantDefaults(t *testing.T) {
	data, err := Encode(&JobPayload{Name: "etl"})
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	job, ok := got.(*JobPayload)
	require.True(t, ok)
	require.Equal(t, 1, job.MaxAttempts)
}

func TestApplyDefaultsIsIdempotent(t *testing.T) {
	job := &JobPayload{Name: "etl", MaxAttempts: 5}
	job.ApplyDefaults()
	job.ApplyDefaults()
	require.Equal(t, 5, job.MaxAttempts)

	sched := &SchedulePayload{}
	sched.ApplyDefaults()
	require.Equal(t, OverrunSkip, sched.OverrunPolicy)
	require.Equal(t, 1, sched.MaxRunningInstances)
	sched.OverrunPolicy = OverrunAbortRunning
	sched.ApplyDefaults()
	require.Equal(t, OverrunAbortRunning, sched.OverrunPolicy)

	event := &EventPayload{}
	event.ApplyDefaults()
	require.NotNil(t, event.Attributes)

	signal := &SignalPayload{}
	signal.ApplyDefaults()
	require.NotNil(t, signal.Attributes)
}

func TestEncodeRejectsUnknownPayloadType(t *testing.T) {
	_, err := Encode(bogusPayload{})
	require.Error(t, err)
}

// bogusPayload satisfies Payload but isn't one of Encode's known variants.
type bogusPayload struct{}

func (bogusPayload) Kind() string { return "bogus" }

func (bogusPayload) ApplyDefaults() {}

var _ Payload = bogusPayload{}
