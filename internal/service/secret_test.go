package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/domain/model"
)

// fakeSecretRepo is a func-field test double for core.SecretRepository.
type fakeSecretRepo struct {
	createFn            func(ctx context.Context, req model.CreateSecretRequest) (*model.Secret, error)
	getByIDFn           func(ctx context.Context, id string) (*model.Secret, error)
	getByNameFn         func(ctx context.Context, name string) (*model.Secret, error)
	listFn              func(ctx context.Context, limit, offset int) ([]*model.Secret, error)
	updateFn            func(ctx context.Context, id string, req model.UpdateSecretRequest) (*model.Secret, error)
	deleteFn            func(ctx context.Context, id string) (bool, error)
	findDueFn           func(ctx context.Context, limit int) ([]*model.Secret, error)
	updateRefreshStatus func(ctx context.Context, params core.UpdateSecretRefreshStatusParams) error
}

func (f *fakeSecretRepo) Create(ctx context.Context, req model.CreateSecretRequest) (*model.Secret, error) {
	if f.createFn != nil {
		return f.createFn(ctx, req)
	}
	return nil, errors.New("create not implemented")
}

func (f *fakeSecretRepo) GetByID(ctx context.Context, id string) (*model.Secret, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, errors.New("get by id not implemented")
}

func (f *fakeSecretRepo) GetByName(ctx context.Context, name string) (*model.Secret, error) {
	if f.getByNameFn != nil {
		return f.getByNameFn(ctx, name)
	}
	return nil, errors.New("get by name not implemented")
}

func (f *fakeSecretRepo) List(ctx context.Context, limit, offset int) ([]*model.Secret, error) {
	if f.listFn != nil {
		return f.listFn(ctx, limit, offset)
	}
	return nil, errors.New("list not implemented")
}

func (f *fakeSecretRepo) Update(
	ctx context.Context,
	id string,
	req model.UpdateSecretRequest,
) (*model.Secret, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, id, req)
	}
	return nil, errors.New("update not implemented")
}

func (f *fakeSecretRepo) Delete(ctx context.Context, id string) (bool, error) {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, id)
	}
	return false, errors.New("delete not implemented")
}

func (f *fakeSecretRepo) FindDueForRefresh(ctx context.Context, limit int) ([]*model.Secret, error) {
	if f.findDueFn != nil {
		return f.findDueFn(ctx, limit)
	}
	return nil, errors.New("find due not implemented")
}

func (f *fakeSecretRepo) UpdateRefreshStatus(
	ctx context.Context,
	params core.UpdateSecretRefreshStatusParams,
) error {
	if f.updateRefreshStatus != nil {
		return f.updateRefreshStatus(ctx, params)
	}
	return errors.New("update refresh status not implemented")
}

var _ core.SecretRepository = (*fakeSecretRepo)(nil)

const testSecretID = "test-id"

// writeProviderScript drops an executable script that prints the given value.
func writeProviderScript(t *testing.T, output string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provider.sh")
	script := "#!/bin/sh\necho \"" + output + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return path
}

func newTestSecretService(t *testing.T, repo core.SecretRepository) *SecretService {
	t.Helper()
	svc, err := NewSecretService(SecretServiceOptions{Repo: repo})
	require.NoError(t, err)
	return svc
}

func TestNewSecretService_RequiredDependency(t *testing.T) {
	svc, err := NewSecretService(SecretServiceOptions{Repo: nil})
	require.Error(t, err)
	assert.Nil(t, svc)
	assert.Contains(t, err.Error(), "SecretRepository is required")
}

func TestSecretService_Create_Static(t *testing.T) {
	repo := &fakeSecretRepo{
		createFn: func(_ context.Context, req model.CreateSecretRequest) (*model.Secret, error) {
			return &model.Secret{ID: testSecretID, Name: req.Name, Value: req.Value}, nil
		},
	}
	svc := newTestSecretService(t, repo)

	secret, err := svc.Create(context.Background(), model.CreateSecretRequest{
		Name:  "API_KEY",
		Value: "hunter2",
	})
	require.NoError(t, err)
	assert.Equal(t, testSecretID, secret.ID)
	assert.False(t, secret.RefreshEnabled)
}

func TestSecretService_Create_RefreshWithoutServiceFails(t *testing.T) {
	svc := newTestSecretService(t, &fakeSecretRepo{})

	enabled := true
	path := "/usr/local/bin/provider"
	_, err := svc.Create(context.Background(), model.CreateSecretRequest{
		Name:               "DYNAMIC",
		ProviderScriptPath: &path,
		RefreshEnabled:     &enabled,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh service not available")
}

func TestSecretService_Create_RefreshPopulatesValueFromScript(t *testing.T) {
	scriptPath := writeProviderScript(t, "generated-token")

	var created model.CreateSecretRequest
	repo := &fakeSecretRepo{
		createFn: func(_ context.Context, req model.CreateSecretRequest) (*model.Secret, error) {
			created = req
			interval := int64(3600)
			return &model.Secret{
				ID:                 testSecretID,
				Name:               req.Name,
				Value:              req.Value,
				RefreshEnabled:     true,
				ProviderScriptPath: req.ProviderScriptPath,
				RefreshInterval:    &interval,
			}, nil
		},
	}
	admin := &fakeTaskAdminRepo{}
	refreshSvc := MustNewSecretRefreshService(SecretRefreshServiceOptions{
		SecretRepo: repo,
		AdminRepo:  admin,
	})
	svc, err := NewSecretService(SecretServiceOptions{Repo: repo, RefreshSvc: refreshSvc})
	require.NoError(t, err)

	enabled := true
	interval := int64(3600)
	secret, err := svc.Create(context.Background(), model.CreateSecretRequest{
		Name:               "DYNAMIC",
		ProviderScriptPath: &scriptPath,
		RefreshInterval:    &interval,
		RefreshEnabled:     &enabled,
	})
	require.NoError(t, err)
	assert.Equal(t, "generated-token", created.Value)
	assert.True(t, secret.RefreshEnabled)
	// Create also registers the refresh schedule.
	require.Len(t, admin.upserts, 1)
	assert.Equal(t, "secret-refresh:"+testSecretID, admin.upserts[0].TaskName)
}

func TestSecretService_Update_PassesThrough(t *testing.T) {
	repo := &fakeSecretRepo{
		getByIDFn: func(context.Context, string) (*model.Secret, error) {
			return &model.Secret{ID: testSecretID, Name: "API_KEY"}, nil
		},
		updateFn: func(_ context.Context, id string, req model.UpdateSecretRequest) (*model.Secret, error) {
			return &model.Secret{ID: id, Name: "API_KEY", Value: *req.Value}, nil
		},
	}
	svc := newTestSecretService(t, repo)

	newValue := "rotated"
	secret, err := svc.Update(context.Background(), testSecretID, model.UpdateSecretRequest{Value: &newValue})
	require.NoError(t, err)
	assert.Equal(t, "rotated", secret.Value)
}

func TestSecretService_Update_EnablingRefreshValidatesFields(t *testing.T) {
	repo := &fakeSecretRepo{
		getByIDFn: func(context.Context, string) (*model.Secret, error) {
			return &model.Secret{ID: testSecretID, Name: "API_KEY"}, nil
		},
	}
	admin := &fakeTaskAdminRepo{}
	refreshSvc := MustNewSecretRefreshService(SecretRefreshServiceOptions{
		SecretRepo: repo,
		AdminRepo:  admin,
	})
	svc, err := NewSecretService(SecretServiceOptions{Repo: repo, RefreshSvc: refreshSvc})
	require.NoError(t, err)

	enabled := true
	_, err = svc.Update(context.Background(), testSecretID, model.UpdateSecretRequest{
		RefreshEnabled: &enabled,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider_script_path is required")
}

func TestSecretService_Delete(t *testing.T) {
	t.Run("static secret deletes without schedule cleanup", func(t *testing.T) {
		repo := &fakeSecretRepo{
			getByIDFn: func(context.Context, string) (*model.Secret, error) {
				return &model.Secret{ID: testSecretID, Name: "API_KEY"}, nil
			},
			deleteFn: func(context.Context, string) (bool, error) {
				return true, nil
			},
		}
		svc := newTestSecretService(t, repo)

		deleted, err := svc.Delete(context.Background(), testSecretID)
		require.NoError(t, err)
		assert.True(t, deleted)
	})

	t.Run("dynamic secret removes its refresh schedule", func(t *testing.T) {
		repo := &fakeSecretRepo{
			getByIDFn: func(context.Context, string) (*model.Secret, error) {
				return &model.Secret{ID: testSecretID, Name: "DYNAMIC", RefreshEnabled: true}, nil
			},
			deleteFn: func(context.Context, string) (bool, error) {
				return true, nil
			},
		}
		admin := &fakeTaskAdminRepo{}
		refreshSvc := MustNewSecretRefreshService(SecretRefreshServiceOptions{
			SecretRepo: repo,
			AdminRepo:  admin,
		})
		svc, err := NewSecretService(SecretServiceOptions{Repo: repo, RefreshSvc: refreshSvc})
		require.NoError(t, err)

		deleted, err := svc.Delete(context.Background(), testSecretID)
		require.NoError(t, err)
		assert.True(t, deleted)
		assert.Equal(t, []string{"secret-refresh:" + testSecretID}, admin.deletes)
	})

	t.Run("schedule cleanup failure does not block delete", func(t *testing.T) {
		repo := &fakeSecretRepo{
			getByIDFn: func(context.Context, string) (*model.Secret, error) {
				return &model.Secret{ID: testSecretID, Name: "DYNAMIC", RefreshEnabled: true}, nil
			},
			deleteFn: func(context.Context, string) (bool, error) {
				return true, nil
			},
		}
		admin := &fakeTaskAdminRepo{
			deleteErr: errors.New("scheduler offline"),
		}
		refreshSvc := MustNewSecretRefreshService(SecretRefreshServiceOptions{
			SecretRepo: repo,
			AdminRepo:  admin,
		})
		svc, err := NewSecretService(SecretServiceOptions{Repo: repo, RefreshSvc: refreshSvc})
		require.NoError(t, err)

		deleted, err := svc.Delete(context.Background(), testSecretID)
		require.NoError(t, err)
		assert.True(t, deleted)
	})
}

func TestSecretService_GetByName(t *testing.T) {
	repo := &fakeSecretRepo{
		getByNameFn: func(_ context.Context, name string) (*model.Secret, error) {
			return &model.Secret{ID: testSecretID, Name: name}, nil
		},
	}
	svc := newTestSecretService(t, repo)

	secret, err := svc.GetByName(context.Background(), "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "API_KEY", secret.Name)
}
