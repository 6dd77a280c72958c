package data

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker-core/internal/domain/model"
)

func TestPrepareEnqueueRetryDefaults(t *testing.T) {
	repo := NewJobRepo(nil, JobRepoConfig{})

	tests := []struct {
		name string
		req  *model.CreateJobRequest
		want int
	}{
		{
			name: "unset falls back to the queue default",
			req: &model.CreateJobRequest{
				Type:    model.JobTypeBrowser,
				Payload: json.RawMessage(`{}`),
			},
			want: defaultMaxRetries,
		},
		{
			name: "test jobs default to a single attempt",
			req: &model.CreateJobRequest{
				Type:    model.JobTypeBrowser,
				Payload: json.RawMessage(`{}`),
				IsTest:  true,
			},
			want: 0,
		},
		{
			name: "explicit zero is honored",
			req: &model.CreateJobRequest{
				Type:       model.JobTypeBrowser,
				Payload:    json.RawMessage(`{}`),
				MaxRetries: intPtr(0),
			},
			want: 0,
		},
		{
			name: "explicit value wins over the test default",
			req: &model.CreateJobRequest{
				Type:       model.JobTypeBrowser,
				Payload:    json.RawMessage(`{}`),
				IsTest:     true,
				MaxRetries: intPtr(2),
			},
			want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := repo.prepareEnqueue(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, row.maxRetries)
		})
	}
}
