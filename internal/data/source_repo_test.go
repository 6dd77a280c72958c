package data

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker-core/internal/domain/model"
	"github.com/target/merrymaker-core/internal/testutil"
)

// insertSecret registers a secret row by name so sources can reference it.
func insertSecret(t *testing.T, db *sql.DB, name string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO secrets (name, value) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`, name, "dummy")
	require.NoError(t, err)
}

func TestSourceRepo_Create(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	tests := []struct {
		name    string
		req     *model.CreateSourceRequest
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid source creation",
			req: &model.CreateSourceRequest{
				Name:    "test-source",
				Body:    "console.log('hello world');",
				Test:    false,
				Secrets: []string{"API_KEY", "SECRET_TOKEN"},
			},
			wantErr: false,
		},
		{
			name: "source with test flag",
			req: &model.CreateSourceRequest{
				Name:    "test-source-2",
				Body:    "console.log('test');",
				Test:    true,
				Secrets: []string{},
			},
			wantErr: false,
		},
		{
			name: "source without secrets",
			req: &model.CreateSourceRequest{
				Name: "simple-source",
				Body: "console.log('simple');",
				Test: false,
			},
			wantErr: false,
		},
		{
			name: "empty name",
			req: &model.CreateSourceRequest{
				Name: "",
				Body: "console.log('test');",
			},
			wantErr: true,
			errMsg:  "name is required and cannot be empty",
		},
		{
			name: "name too short",
			req: &model.CreateSourceRequest{
				Name: "ab",
				Body: "console.log('test');",
			},
			wantErr: true,
			errMsg:  "name is too short",
		},
		{
			name: "empty body",
			req: &model.CreateSourceRequest{
				Name: "test-source",
				Body: "",
			},
			wantErr: true,
			errMsg:  "body must be at least 5 characters",
		},
		{
			name: "name too long",
			req: &model.CreateSourceRequest{
				Name: strings.Repeat("a", 256),
				Body: "console.log('test');",
			},
			wantErr: true,
			errMsg:  "name is too long",
		},
		{
			name: "empty secret in slice",
			req: &model.CreateSourceRequest{
				Name:    "test-source",
				Body:    "console.log('test');",
				Secrets: []string{"VALID_SECRET", ""},
			},
			wantErr: true,
			errMsg:  "secrets cannot contain empty entries",
		},
		{
			name: "duplicate secret in slice",
			req: &model.CreateSourceRequest{
				Name:    "test-source",
				Body:    "console.log('test');",
				Secrets: []string{"API_KEY", "API_KEY"},
			},
			wantErr: true,
			errMsg:  "secrets cannot contain duplicate entries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.WithAutoDB(t, func(db *sql.DB) {
				repo := NewSourceRepo(db)

				for _, s := range tt.req.Secrets {
					if strings.TrimSpace(s) == "" {
						continue
					}
					insertSecret(t, db, s)
				}

				source, err := repo.Create(context.Background(), tt.req)

				if tt.wantErr {
					require.Error(t, err)
					assert.Contains(t, err.Error(), tt.errMsg)
					assert.Nil(t, source)
					return
				}

				require.NoError(t, err)
				require.NotNil(t, source)

				assert.NotEmpty(t, source.ID)
				assert.Equal(t, tt.req.Name, source.Name)
				assert.Equal(t, tt.req.Body, source.Body)
				assert.Equal(t, tt.req.Test, source.Test)

				expectedSecrets := tt.req.Secrets
				if expectedSecrets == nil {
					expectedSecrets = []string{}
				}
				assert.ElementsMatch(t, expectedSecrets, source.Secrets)
				assert.False(t, source.CreatedAt.IsZero())
			})
		})
	}
}

func TestSourceRepo_Create_UnknownSecret(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)

		// Referencing a secret that was never registered fails the create,
		// naming the offender.
		source, err := repo.Create(context.Background(), &model.CreateSourceRequest{
			Name:    "missing-secret-source",
			Body:    "console.log('test');",
			Secrets: []string{"NO_SUCH_SECRET"},
		})
		require.ErrorIs(t, err, ErrUnknownSecretNames)
		assert.Contains(t, err.Error(), "NO_SUCH_SECRET")
		assert.Nil(t, source)
	})
}

func TestSourceRepo_Create_DuplicateName(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		req := &model.CreateSourceRequest{
			Name: "duplicate-test",
			Body: "console.log('first');",
		}

		source1, err := repo.Create(ctx, req)
		require.NoError(t, err)
		require.NotNil(t, source1)

		req.Body = "console.log('second');"
		source2, err := repo.Create(ctx, req)
		require.Error(t, err)
		assert.Nil(t, source2)
		assert.ErrorIs(t, err, ErrSourceNameExists)
	})
}

func TestSourceRepo_GetByID(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		req := &model.CreateSourceRequest{
			Name:    "get-by-id-test",
			Body:    "console.log('get by id');",
			Test:    true,
			Secrets: []string{"SECRET1", "SECRET2"},
		}

		for _, s := range req.Secrets {
			insertSecret(t, db, s)
		}

		created, err := repo.Create(ctx, req)
		require.NoError(t, err)

		found, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, found)

		assert.Equal(t, created.ID, found.ID)
		assert.Equal(t, created.Name, found.Name)
		assert.Equal(t, created.Body, found.Body)
		assert.Equal(t, created.Test, found.Test)
		assert.Equal(t, created.Secrets, found.Secrets)
		assert.Equal(t, created.CreatedAt.Unix(), found.CreatedAt.Unix())

		notFound, err := repo.GetByID(ctx, "550e8400-e29b-41d4-a716-446655440000")
		require.ErrorIs(t, err, ErrSourceNotFound)
		assert.Nil(t, notFound)

		// Non-uuid ids read as not found without touching the database.
		_, err = repo.GetByID(ctx, "nope")
		require.ErrorIs(t, err, ErrSourceNotFound)
	})
}

func TestSourceRepo_GetByName(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		req := &model.CreateSourceRequest{
			Name:    "get-by-name-test",
			Body:    "console.log('get by name');",
			Test:    false,
			Secrets: []string{"LOOKUP_SECRET"},
		}

		for _, s := range req.Secrets {
			insertSecret(t, db, s)
		}

		created, err := repo.Create(ctx, req)
		require.NoError(t, err)

		found, err := repo.GetByName(ctx, created.Name)
		require.NoError(t, err)
		require.NotNil(t, found)

		assert.Equal(t, created.ID, found.ID)
		assert.Equal(t, created.Name, found.Name)
		assert.Equal(t, created.Body, found.Body)
		assert.Equal(t, created.Test, found.Test)
		assert.Equal(t, created.Secrets, found.Secrets)

		notFound, err := repo.GetByName(ctx, "non-existent-source")
		require.ErrorIs(t, err, ErrSourceNotFound)
		assert.Nil(t, notFound)
	})
}

func TestSourceRepo_List(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		sources := []*model.CreateSourceRequest{
			{Name: "source-1", Body: "console.log('1');", Test: false},
			{Name: "source-2", Body: "console.log('2');", Test: true},
			{Name: "source-3", Body: "console.log('3');", Test: false, Secrets: []string{"LIST_SECRET"}},
		}

		for _, req := range sources {
			for _, s := range req.Secrets {
				insertSecret(t, db, s)
			}
			_, err := repo.Create(ctx, req)
			require.NoError(t, err)
		}

		listed, err := repo.List(ctx, 10, 0)
		require.NoError(t, err)
		assert.Len(t, listed, 3)

		// Newest first.
		assert.Equal(t, "source-3", listed[0].Name)
		assert.Equal(t, "source-2", listed[1].Name)
		assert.Equal(t, "source-1", listed[2].Name)

		page1, err := repo.List(ctx, 2, 0)
		require.NoError(t, err)
		assert.Len(t, page1, 2)

		page2, err := repo.List(ctx, 2, 2)
		require.NoError(t, err)
		assert.Len(t, page2, 1)

		empty, err := repo.List(ctx, 10, 100)
		require.NoError(t, err)
		assert.Empty(t, empty)

		// Limit 0 falls back to the default limit.
		defaultLimit, err := repo.List(ctx, 0, 0)
		require.NoError(t, err)
		assert.Len(t, defaultLimit, 3)

		// Negative offsets clamp to 0.
		negativeOffset, err := repo.List(ctx, 10, -5)
		require.NoError(t, err)
		assert.Len(t, negativeOffset, 3)
	})
}

func TestSourceRepo_Update(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		req := &model.CreateSourceRequest{
			Name:    "update-test",
			Body:    "console.log('original');",
			Test:    false,
			Secrets: []string{"ORIGINAL_SECRET"},
		}

		for _, s := range req.Secrets {
			insertSecret(t, db, s)
		}

		created, err := repo.Create(ctx, req)
		require.NoError(t, err)

		// Name only.
		updated, err := repo.Update(ctx, created.ID, model.UpdateSourceRequest{
			Name: testutil.StringPtr("updated-name"),
		})
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, "updated-name", updated.Name)
		assert.Equal(t, created.Body, updated.Body)
		assert.Equal(t, created.Test, updated.Test)
		assert.Equal(t, created.Secrets, updated.Secrets)

		insertSecret(t, db, "NEW_SECRET1")
		insertSecret(t, db, "NEW_SECRET2")

		// Body only.
		updated, err = repo.Update(ctx, created.ID, model.UpdateSourceRequest{
			Body: testutil.StringPtr("console.log('updated');"),
		})
		require.NoError(t, err)
		assert.Equal(t, "console.log('updated');", updated.Body)
		assert.Equal(t, "updated-name", updated.Name)

		insertSecret(t, db, "MULTI_SECRET")

		// Test flag only.
		updated, err = repo.Update(ctx, created.ID, model.UpdateSourceRequest{
			Test: testutil.BoolPtr(true),
		})
		require.NoError(t, err)
		assert.True(t, updated.Test)

		// Secrets only: replaces the association set.
		updated, err = repo.Update(ctx, created.ID, model.UpdateSourceRequest{
			Secrets: []string{"NEW_SECRET1", "NEW_SECRET2"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"NEW_SECRET1", "NEW_SECRET2"}, updated.Secrets)

		// Multiple fields at once.
		updated, err = repo.Update(ctx, created.ID, model.UpdateSourceRequest{
			Name:    testutil.StringPtr("multi-update"),
			Body:    testutil.StringPtr("console.log('multi');"),
			Test:    testutil.BoolPtr(false),
			Secrets: []string{"MULTI_SECRET"},
		})
		require.NoError(t, err)
		assert.Equal(t, "multi-update", updated.Name)
		assert.Equal(t, "console.log('multi');", updated.Body)
		assert.False(t, updated.Test)
		assert.Equal(t, []string{"MULTI_SECRET"}, updated.Secrets)

		// Unknown secret aborts the whole update.
		_, err = repo.Update(ctx, created.ID, model.UpdateSourceRequest{
			Secrets: []string{"NOT_REGISTERED"},
		})
		require.ErrorIs(t, err, ErrUnknownSecretNames)

		// Missing source.
		notFound, err := repo.Update(ctx, "550e8400-e29b-41d4-a716-446655440000", model.UpdateSourceRequest{
			Name: testutil.StringPtr("whatever"),
		})
		require.ErrorIs(t, err, ErrSourceNotFound)
		assert.Nil(t, notFound)

		// Validation errors.
		_, err = repo.Update(ctx, created.ID, model.UpdateSourceRequest{
			Name: testutil.StringPtr(""),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name is required and cannot be empty")

		_, err = repo.Update(ctx, created.ID, model.UpdateSourceRequest{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one field must be updated")
	})
}

func TestSourceRepo_Delete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		created, err := repo.Create(ctx, &model.CreateSourceRequest{
			Name: "delete-test",
			Body: "console.log('to be deleted');",
		})
		require.NoError(t, err)

		found, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, found)

		deleted, err := repo.Delete(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		notFound, err := repo.GetByID(ctx, created.ID)
		require.ErrorIs(t, err, ErrSourceNotFound)
		assert.Nil(t, notFound)

		notDeleted, err := repo.Delete(ctx, "550e8400-e29b-41d4-a716-446655440000")
		require.NoError(t, err)
		assert.False(t, notDeleted)
	})
}

func TestSourceRepo_Delete_InUse(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		sourceRepo := NewSourceRepo(db)
		siteRepo := NewSiteRepo(db)
		ctx := context.Background()

		source, err := sourceRepo.Create(ctx, &model.CreateSourceRequest{
			Name: "in-use-source",
			Body: "console.log('in use');",
		})
		require.NoError(t, err)

		site, err := siteRepo.Create(ctx, &model.CreateSiteRequest{
			Name:            "site-using-source",
			RunEveryMinutes: 5,
			SourceID:        source.ID,
		})
		require.NoError(t, err)

		_, err = sourceRepo.Delete(ctx, source.ID)
		require.ErrorIs(t, err, ErrSourceInUse)

		// Unlinking the site frees the source.
		deleted, err := siteRepo.Delete(ctx, site.ID)
		require.NoError(t, err)
		require.True(t, deleted)

		ok, err := sourceRepo.Delete(ctx, source.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestSourceRepo_WithClock(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		mockTime := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
		repo := NewSourceRepoWithClock(db, NewManualClock(mockTime))
		ctx := context.Background()

		created, err := repo.Create(ctx, &model.CreateSourceRequest{
			Name: "time-test",
			Body: "console.log('time test');",
		})
		require.NoError(t, err)
		assert.Equal(t, mockTime.Unix(), created.CreatedAt.Unix())
	})
}
