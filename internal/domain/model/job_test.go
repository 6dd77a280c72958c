package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobTypeValid(t *testing.T) {
	assert.True(t, JobTypeBrowser.Valid())
	assert.True(t, JobTypeRules.Valid())
	assert.True(t, JobTypeAlert.Valid())
	assert.True(t, JobTypeSecretRefresh.Valid())
	assert.False(t, JobType("unknown").Valid())
	assert.False(t, JobType("").Valid())
}

func TestJobTypeUnmarshalText(t *testing.T) {
	var jt JobType
	require.NoError(t, jt.UnmarshalText([]byte(" Alert ")))
	assert.Equal(t, JobTypeAlert, jt)

	err := jt.UnmarshalText([]byte("bogus"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid job type")
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
}

func TestCreateJobRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateJobRequest
		wantErr string
	}{
		{
			name: "valid alert job",
			req: CreateJobRequest{
				Type:    JobTypeAlert,
				Payload: json.RawMessage(`{"sink_id":"s1","payload":{"k":"v"}}`),
			},
		},
		{
			name:    "invalid type",
			req:     CreateJobRequest{Type: "nope", Payload: json.RawMessage(`{}`)},
			wantErr: "invalid job type",
		},
		{
			name:    "missing payload",
			req:     CreateJobRequest{Type: JobTypeRules},
			wantErr: "payload is required",
		},
		{
			name: "priority out of range",
			req: CreateJobRequest{
				Type:     JobTypeRules,
				Payload:  json.RawMessage(`{}`),
				Priority: 101,
			},
			wantErr: "priority must be between 0 and 100",
		},
		{
			name: "negative max retries",
			req: CreateJobRequest{
				Type:       JobTypeRules,
				Payload:    json.RawMessage(`{}`),
				MaxRetries: retriesPtr(-1),
			},
			wantErr: "max retries must be >= 0",
		},
		{
			name: "explicit zero max retries",
			req: CreateJobRequest{
				Type:       JobTypeRules,
				Payload:    json.RawMessage(`{}`),
				MaxRetries: retriesPtr(0),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRulesJobPayloadValidate(t *testing.T) {
	valid := RulesJobPayload{EventIDs: []string{"e1", "e2"}, SiteID: "s1", Scope: "default"}
	assert.NoError(t, valid.Validate())

	empty := RulesJobPayload{SiteID: "s1", Scope: "default"}
	require.Error(t, empty.Validate())

	blankID := RulesJobPayload{EventIDs: []string{"e1", " "}, SiteID: "s1", Scope: "default"}
	require.Error(t, blankID.Validate())

	noScope := RulesJobPayload{EventIDs: []string{"e1"}, SiteID: "s1"}
	require.Error(t, noScope.Validate())
}

func TestJobSchedulerMetadataAccessors(t *testing.T) {
	job := &Job{Metadata: json.RawMessage(
		`{"scheduler.task_name":"site:abc","scheduler.fire_key":"site:abc:2026-01-02T03:04:05.000000006Z"}`,
	)}
	assert.Equal(t, "site:abc", job.SchedulerTaskName())
	assert.Equal(t, "site:abc:2026-01-02T03:04:05.000000006Z", job.SchedulerFireKey())

	bare := &Job{}
	assert.Empty(t, bare.SchedulerTaskName())
	assert.Empty(t, bare.SchedulerFireKey())

	garbage := &Job{Metadata: json.RawMessage(`not json`)}
	assert.Empty(t, garbage.SchedulerFireKey())
}

func retriesPtr(n int) *int { return &n }
