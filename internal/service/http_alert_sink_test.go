package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/domain/model"
)

type evalStub struct {
	validateErr error
	res         any
	evalErr     error
}

func (e evalStub) Validate(_ string) error               { return e.validateErr }
func (e evalStub) Evaluate(_ string, _ any) (any, error) { return e.res, e.evalErr }

// fakeSinkRepo is a func-field test double for core.HTTPAlertSinkRepository.
type fakeSinkRepo struct {
	createFn    func(ctx context.Context, req *model.CreateHTTPAlertSinkRequest) (*model.HTTPAlertSink, error)
	getByIDFn   func(ctx context.Context, id string) (*model.HTTPAlertSink, error)
	getByNameFn func(ctx context.Context, name string) (*model.HTTPAlertSink, error)
	listFn      func(ctx context.Context, limit, offset int) ([]*model.HTTPAlertSink, error)
	updateFn    func(ctx context.Context, id string, req *model.UpdateHTTPAlertSinkRequest) (*model.HTTPAlertSink, error)
	deleteFn    func(ctx context.Context, id string) (bool, error)
}

func (f *fakeSinkRepo) Create(
	ctx context.Context,
	req *model.CreateHTTPAlertSinkRequest,
) (*model.HTTPAlertSink, error) {
	if f.createFn != nil {
		return f.createFn(ctx, req)
	}
	return nil, errors.New("create not implemented")
}

func (f *fakeSinkRepo) GetByID(ctx context.Context, id string) (*model.HTTPAlertSink, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, errors.New("get by id not implemented")
}

func (f *fakeSinkRepo) GetByName(ctx context.Context, name string) (*model.HTTPAlertSink, error) {
	if f.getByNameFn != nil {
		return f.getByNameFn(ctx, name)
	}
	return nil, errors.New("get by name not implemented")
}

func (f *fakeSinkRepo) List(ctx context.Context, limit, offset int) ([]*model.HTTPAlertSink, error) {
	if f.listFn != nil {
		return f.listFn(ctx, limit, offset)
	}
	return nil, errors.New("list not implemented")
}

func (f *fakeSinkRepo) Update(
	ctx context.Context,
	id string,
	req *model.UpdateHTTPAlertSinkRequest,
) (*model.HTTPAlertSink, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, id, req)
	}
	return nil, errors.New("update not implemented")
}

func (f *fakeSinkRepo) Delete(ctx context.Context, id string) (bool, error) {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, id)
	}
	return false, errors.New("delete not implemented")
}

var _ core.HTTPAlertSinkRepository = (*fakeSinkRepo)(nil)

func secretRepoWith(values map[string]string) *fakeSecretRepo {
	return &fakeSecretRepo{
		getByNameFn: func(_ context.Context, name string) (*model.Secret, error) {
			v, ok := values[name]
			if !ok {
				return nil, errors.New("secret not found: " + name)
			}
			return &model.Secret{Name: name, Value: v}, nil
		},
	}
}

func strPtr(s string) *string { return &s }

func TestAlertSinkService_ResolveSecrets(t *testing.T) {
	svc := NewAlertSinkService(AlertSinkServiceOptions{
		SecretRepo: secretRepoWith(map[string]string{"API_KEY": "k123", "HOST": "alerts.example.com"}),
	})

	sink := model.HTTPAlertSink{
		URI:         "https://__HOST__/hook",
		Body:        strPtr(`{"token":"__API_KEY__"}`),
		Headers:     strPtr(`{"Authorization":"Bearer __API_KEY__"}`),
		QueryParams: strPtr("key=__API_KEY__"),
		Secrets:     []string{"API_KEY", "HOST"},
	}

	resolved, placeholders, err := svc.ResolveSecrets(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, "https://alerts.example.com/hook", resolved.URI)
	assert.Equal(t, `{"token":"k123"}`, *resolved.Body)
	assert.Equal(t, `{"Authorization":"Bearer k123"}`, *resolved.Headers)
	assert.Equal(t, "key=k123", *resolved.QueryParams)
	assert.Equal(t, map[string]string{
		"__API_KEY__": "k123",
		"__HOST__":    "alerts.example.com",
	}, placeholders)
}

func TestAlertSinkService_ResolveSecrets_MissingSecret(t *testing.T) {
	svc := NewAlertSinkService(AlertSinkServiceOptions{
		SecretRepo: secretRepoWith(nil),
	})

	_, _, err := svc.ResolveSecrets(context.Background(), model.HTTPAlertSink{
		URI:     "https://example.com",
		Secrets: []string{"ABSENT"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `resolve secret "ABSENT"`)
}

func TestAlertSinkService_ValidateSinkConfiguration(t *testing.T) {
	t.Run("valid configuration passes", func(t *testing.T) {
		svc := NewAlertSinkService(AlertSinkServiceOptions{
			SecretRepo: secretRepoWith(nil),
		})

		err := svc.ValidateSinkConfiguration(context.Background(), model.HTTPAlertSink{
			URI:    "https://alerts.example.com/hook",
			Method: "POST",
			Body:   strPtr("alert.message"),
		})
		require.NoError(t, err)
	})

	t.Run("invalid JMESPath is rejected", func(t *testing.T) {
		svc := NewAlertSinkService(AlertSinkServiceOptions{
			SecretRepo: secretRepoWith(nil),
			Evaluator:  evalStub{validateErr: errors.New("syntax error")},
		})

		err := svc.ValidateSinkConfiguration(context.Background(), model.HTTPAlertSink{
			URI:  "https://alerts.example.com/hook",
			Body: strPtr("bad[["),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid body JMESPath")
	})

	t.Run("non-http scheme is rejected", func(t *testing.T) {
		svc := NewAlertSinkService(AlertSinkServiceOptions{
			SecretRepo: secretRepoWith(nil),
		})

		err := svc.ValidateSinkConfiguration(context.Background(), model.HTTPAlertSink{
			URI: "ftp://alerts.example.com",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid URI scheme")
	})

	t.Run("missing host is rejected", func(t *testing.T) {
		svc := NewAlertSinkService(AlertSinkServiceOptions{
			SecretRepo: secretRepoWith(nil),
		})

		err := svc.ValidateSinkConfiguration(context.Background(), model.HTTPAlertSink{
			URI: "https://",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing host")
	})
}

func TestAlertSinkService_ProcessSinkConfiguration(t *testing.T) {
	payload := json.RawMessage(`{"alert":{"message":"skimmer detected"},"severity":"high"}`)

	t.Run("prepares a full request", func(t *testing.T) {
		svc := NewAlertSinkService(AlertSinkServiceOptions{
			SecretRepo: secretRepoWith(map[string]string{"API_KEY": "k123"}),
		})

		sink := model.HTTPAlertSink{
			URI:         "https://alerts.example.com/hook",
			Method:      "post",
			Headers:     strPtr(`{"Authorization":"Bearer __API_KEY__"}`),
			QueryParams: strPtr("channel=sec-alerts"),
			OkStatus:    http.StatusCreated,
			Secrets:     []string{"API_KEY"},
		}

		prepared, err := svc.ProcessSinkConfiguration(context.Background(), sink, payload)
		require.NoError(t, err)
		assert.Equal(t, "POST", prepared.Method)
		assert.Equal(t, "https://alerts.example.com/hook?channel=sec-alerts", prepared.URL)
		assert.Equal(t, map[string]string{"Authorization": "Bearer k123"}, prepared.Headers)
		assert.Equal(t, []byte(payload), prepared.Body)
		assert.Equal(t, http.StatusCreated, prepared.OkStatus)
		assert.Equal(t, map[string]string{"__API_KEY__": "k123"}, prepared.Secrets)
	})

	t.Run("empty method is rejected", func(t *testing.T) {
		svc := NewAlertSinkService(AlertSinkServiceOptions{
			SecretRepo: secretRepoWith(nil),
		})

		_, err := svc.ProcessSinkConfiguration(context.Background(), model.HTTPAlertSink{
			URI: "https://alerts.example.com",
		}, payload)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "method is required")
	})

	t.Run("ok status defaults to 200", func(t *testing.T) {
		svc := NewAlertSinkService(AlertSinkServiceOptions{
			SecretRepo: secretRepoWith(nil),
		})

		prepared, err := svc.ProcessSinkConfiguration(context.Background(), model.HTTPAlertSink{
			URI:    "https://alerts.example.com",
			Method: "POST",
		}, payload)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, prepared.OkStatus)
	})

	t.Run("JMESPath body expression derives the body", func(t *testing.T) {
		svc := NewAlertSinkService(AlertSinkServiceOptions{
			SecretRepo: secretRepoWith(nil),
		})

		prepared, err := svc.ProcessSinkConfiguration(context.Background(), model.HTTPAlertSink{
			URI:    "https://alerts.example.com",
			Method: "POST",
			Body:   strPtr("alert.message"),
		}, payload)
		require.NoError(t, err)
		assert.Equal(t, `"skimmer detected"`, string(prepared.Body))
	})

	t.Run("JMESPath evaluation failure surfaces", func(t *testing.T) {
		svc := NewAlertSinkService(AlertSinkServiceOptions{
			SecretRepo: secretRepoWith(nil),
			Evaluator:  evalStub{evalErr: errors.New("bad expr")},
		})

		_, err := svc.ProcessSinkConfiguration(context.Background(), model.HTTPAlertSink{
			URI:    "https://alerts.example.com",
			Method: "POST",
			Body:   strPtr("alert.message"),
		}, payload)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "evaluate body JMESPath")
	})

	t.Run("query params merge with existing query string", func(t *testing.T) {
		svc := NewAlertSinkService(AlertSinkServiceOptions{
			SecretRepo: secretRepoWith(nil),
		})

		prepared, err := svc.ProcessSinkConfiguration(context.Background(), model.HTTPAlertSink{
			URI:         "https://alerts.example.com/hook?v=1",
			Method:      "GET",
			QueryParams: strPtr("&channel=sec"),
		}, payload)
		require.NoError(t, err)
		assert.Equal(t, "https://alerts.example.com/hook?v=1&channel=sec", prepared.URL)
	})
}

func TestParseHeaders(t *testing.T) {
	t.Run("JSON object form", func(t *testing.T) {
		headers, err := parseHeaders(strPtr(`{"Content-Type":"application/json","X-Retry":3}`))
		require.NoError(t, err)
		assert.Equal(t, "application/json", headers["Content-Type"])
		assert.Equal(t, "3", headers["X-Retry"])
	})

	t.Run("JSON array values join with commas", func(t *testing.T) {
		headers, err := parseHeaders(strPtr(`{"Accept":["application/json","text/plain"]}`))
		require.NoError(t, err)
		assert.Equal(t, "application/json, text/plain", headers["Accept"])
	})

	t.Run("legacy line form", func(t *testing.T) {
		headers, err := parseHeaders(strPtr("Content-Type: application/json\r\nX-Env: prod"))
		require.NoError(t, err)
		assert.Equal(t, "application/json", headers["Content-Type"])
		assert.Equal(t, "prod", headers["X-Env"])
	})

	t.Run("legacy duplicate keys append", func(t *testing.T) {
		headers, err := parseHeaders(strPtr("Accept: application/json\nAccept: text/plain"))
		require.NoError(t, err)
		assert.Equal(t, "application/json, text/plain", headers["Accept"])
	})

	t.Run("malformed legacy entry fails", func(t *testing.T) {
		_, err := parseHeaders(strPtr("no-colon-here"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid header entry")
	})

	t.Run("nil headers yield an empty map", func(t *testing.T) {
		headers, err := parseHeaders(nil)
		require.NoError(t, err)
		assert.Empty(t, headers)
	})
}

func TestAlertSinkService_ScheduleAlert(t *testing.T) {
	t.Run("sink retry becomes the job retry budget", func(t *testing.T) {
		var created *model.CreateJobRequest
		jobs := &fakeJobRepo{
			createFn: func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
				created = req
				return &model.Job{ID: "job-1"}, nil
			},
		}
		svc := NewAlertSinkService(AlertSinkServiceOptions{
			JobRepo:    jobs,
			SecretRepo: secretRepoWith(nil),
		})

		sink := &model.HTTPAlertSink{ID: "sink-1", Retry: 4}
		eventPayload := json.RawMessage(`{"rule":"ioc.domain"}`)

		job, err := svc.ScheduleAlert(context.Background(), sink, eventPayload)
		require.NoError(t, err)
		assert.Equal(t, "job-1", job.ID)

		require.NotNil(t, created)
		assert.Equal(t, model.JobTypeAlert, created.Type)
		require.NotNil(t, created.MaxRetries)
		assert.Equal(t, 4, *created.MaxRetries)

		var jobPayload model.AlertJobPayload
		require.NoError(t, json.Unmarshal(created.Payload, &jobPayload))
		assert.Equal(t, "sink-1", jobPayload.SinkID)
		assert.JSONEq(t, string(eventPayload), string(jobPayload.Payload))
	})

	t.Run("negative retry clamps to zero", func(t *testing.T) {
		var created *model.CreateJobRequest
		jobs := &fakeJobRepo{
			createFn: func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
				created = req
				return &model.Job{ID: "job-1"}, nil
			},
		}
		svc := NewAlertSinkService(AlertSinkServiceOptions{
			JobRepo:    jobs,
			SecretRepo: secretRepoWith(nil),
		})

		_, err := svc.ScheduleAlert(context.Background(), &model.HTTPAlertSink{ID: "sink-1", Retry: -2},
			json.RawMessage(`{}`))
		require.NoError(t, err)
		require.NotNil(t, created.MaxRetries)
		assert.Zero(t, *created.MaxRetries)
	})
}

func TestHTTPAlertSinkService_CRUD(t *testing.T) {
	t.Run("constructor requires a repository", func(t *testing.T) {
		_, err := NewHTTPAlertSinkService(HTTPAlertSinkServiceOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTPAlertSinkRepository is required")
	})

	t.Run("create rejects nil requests", func(t *testing.T) {
		svc := MustNewHTTPAlertSinkService(HTTPAlertSinkServiceOptions{Repo: &fakeSinkRepo{}})

		_, err := svc.Create(context.Background(), nil)
		require.Error(t, err)
	})

	t.Run("create wraps repository errors", func(t *testing.T) {
		repo := &fakeSinkRepo{
			createFn: func(context.Context, *model.CreateHTTPAlertSinkRequest) (*model.HTTPAlertSink, error) {
				return nil, errors.New("duplicate name")
			},
		}
		svc := MustNewHTTPAlertSinkService(HTTPAlertSinkServiceOptions{Repo: repo})

		_, err := svc.Create(context.Background(), &model.CreateHTTPAlertSinkRequest{Name: "slack"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create HTTP alert sink")
	})

	t.Run("list normalizes pagination", func(t *testing.T) {
		var gotLimit, gotOffset int
		repo := &fakeSinkRepo{
			listFn: func(_ context.Context, limit, offset int) ([]*model.HTTPAlertSink, error) {
				gotLimit, gotOffset = limit, offset
				return nil, nil
			},
		}
		svc := MustNewHTTPAlertSinkService(HTTPAlertSinkServiceOptions{Repo: repo})

		_, err := svc.List(context.Background(), 9999, -1)
		require.NoError(t, err)
		assert.Equal(t, 1000, gotLimit)
		assert.Equal(t, 0, gotOffset)
	})

	t.Run("delete reports the repository outcome", func(t *testing.T) {
		repo := &fakeSinkRepo{
			deleteFn: func(context.Context, string) (bool, error) { return true, nil },
		}
		svc := MustNewHTTPAlertSinkService(HTTPAlertSinkServiceOptions{Repo: repo})

		deleted, err := svc.Delete(context.Background(), "sink-1")
		require.NoError(t, err)
		assert.True(t, deleted)
	})
}
