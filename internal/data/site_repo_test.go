package data

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker-core/internal/domain/model"
	"github.com/target/merrymaker-core/internal/testutil"
)

func createTestSource(t *testing.T, db *sql.DB, name string) *model.Source {
	t.Helper()
	sr := NewSourceRepo(db)
	s, err := sr.Create(context.Background(), &model.CreateSourceRequest{
		Name: name,
		Body: "console.log('probe');",
		Test: false,
	})
	require.NoError(t, err)
	return s
}

func TestSiteRepo_Create_Get_List_Update_Delete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewSiteRepo(db)

		src := createTestSource(t, db, fmt.Sprintf("src-%d", time.Now().UnixNano()))

		req := &model.CreateSiteRequest{
			Name:            fmt.Sprintf("site-%d", time.Now().UnixNano()),
			Enabled:         nil, // defaults to true
			Scope:           testutil.StringPtr("prod"),
			HTTPAlertSinkID: nil,
			RunEveryMinutes: 15,
			SourceID:        src.ID,
		}
		s, err := repo.Create(ctx, req)
		require.NoError(t, err)
		require.NotEmpty(t, s.ID)
		assert.True(t, s.Enabled)
		assert.Equal(t, model.SiteAlertModeActive, s.AlertMode)
		require.NotNil(t, s.Scope)
		assert.Equal(t, "prod", *s.Scope)
		assert.Nil(t, s.LastRun)
		assert.NotZero(t, s.CreatedAt)

		got, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.Name, got.Name)

		byName, err := repo.GetByName(ctx, s.Name)
		require.NoError(t, err)
		assert.Equal(t, s.ID, byName.ID)

		lst, err := repo.List(ctx, model.SiteListOptions{Limit: 10})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(lst), 1)

		newScope := "staging"
		newEvery := 30
		muted := model.SiteAlertModeMuted
		updated, err := repo.Update(ctx, s.ID, model.UpdateSiteRequest{
			Enabled:         testutil.BoolPtr(false),
			Scope:           &newScope,
			RunEveryMinutes: &newEvery,
			AlertMode:       &muted,
		})
		require.NoError(t, err)
		assert.False(t, updated.Enabled)
		assert.Equal(t, model.SiteAlertModeMuted, updated.AlertMode)
		require.NotNil(t, updated.Scope)
		assert.Equal(t, newScope, *updated.Scope)
		assert.Equal(t, newEvery, updated.RunEveryMinutes)

		// Re-enabling leaves the other fields untouched.
		updated2, err := repo.Update(ctx, s.ID, model.UpdateSiteRequest{Enabled: testutil.BoolPtr(true)})
		require.NoError(t, err)
		assert.True(t, updated2.Enabled)
		assert.Equal(t, model.SiteAlertModeMuted, updated2.AlertMode)
		assert.True(t, updated2.UpdatedAt.After(s.UpdatedAt) || updated2.UpdatedAt.Equal(s.UpdatedAt))

		deleted, err := repo.Delete(ctx, s.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = repo.GetByID(ctx, s.ID)
		require.ErrorIs(t, err, ErrSiteNotFound)
	})
}

func TestSiteRepo_List_Filters(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewSiteRepo(db)
		src := createTestSource(t, db, fmt.Sprintf("src-%d", time.Now().UnixNano()))

		prefix := fmt.Sprintf("filter-%d", time.Now().UnixNano())

		enabledSite, err := repo.Create(ctx, &model.CreateSiteRequest{
			Name:            prefix + "-checkout",
			RunEveryMinutes: 5,
			SourceID:        src.ID,
			Scope:           testutil.StringPtr("prod"),
		})
		require.NoError(t, err)

		disabledSite, err := repo.Create(ctx, &model.CreateSiteRequest{
			Name:            prefix + "-landing",
			RunEveryMinutes: 5,
			SourceID:        src.ID,
			Enabled:         testutil.BoolPtr(false),
		})
		require.NoError(t, err)

		// Name substring search.
		found, err := repo.List(ctx, model.SiteListOptions{
			Q:     testutil.StringPtr(prefix + "-check"),
			Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, enabledSite.ID, found[0].ID)

		// Enabled filter.
		found, err = repo.List(ctx, model.SiteListOptions{
			Q:       testutil.StringPtr(prefix),
			Enabled: testutil.BoolPtr(false),
			Limit:   10,
		})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, disabledSite.ID, found[0].ID)

		// The default-scope filter matches rows whose scope was never set.
		found, err = repo.List(ctx, model.SiteListOptions{
			Q:     testutil.StringPtr(prefix),
			Scope: testutil.StringPtr(model.DefaultScope),
			Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, disabledSite.ID, found[0].ID)

		// Explicit scope filter.
		found, err = repo.List(ctx, model.SiteListOptions{
			Q:     testutil.StringPtr(prefix),
			Scope: testutil.StringPtr("prod"),
			Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, enabledSite.ID, found[0].ID)

		// Name sort ascending.
		found, err = repo.List(ctx, model.SiteListOptions{
			Q:     testutil.StringPtr(prefix),
			Sort:  "name",
			Dir:   "asc",
			Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, enabledSite.ID, found[0].ID)
		assert.Equal(t, disabledSite.ID, found[1].ID)
	})
}

func TestSiteRepo_DuplicateName(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSiteRepo(db)
		ctx := context.Background()
		src := createTestSource(t, db, fmt.Sprintf("src-%d", time.Now().UnixNano()))

		name := fmt.Sprintf("dup-site-%d", time.Now().UnixNano())
		_, err := repo.Create(ctx, &model.CreateSiteRequest{
			Name:            name,
			RunEveryMinutes: 5,
			SourceID:        src.ID,
		})
		require.NoError(t, err)

		_, err = repo.Create(ctx, &model.CreateSiteRequest{
			Name:            name,
			RunEveryMinutes: 10,
			SourceID:        src.ID,
		})
		require.ErrorIs(t, err, ErrSiteNameExists)
	})
}

func TestSiteRepo_UnknownSource(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSiteRepo(db)
		ctx := context.Background()

		_, err := repo.Create(ctx, &model.CreateSiteRequest{
			Name:            fmt.Sprintf("orphan-site-%d", time.Now().UnixNano()),
			RunEveryMinutes: 5,
			SourceID:        "00000000-0000-0000-0000-000000000000",
		})
		require.ErrorIs(t, err, ErrSourceNotFound)

		// Retargeting an existing site at a missing source fails the same way.
		src := createTestSource(t, db, fmt.Sprintf("src-%d", time.Now().UnixNano()))
		site, err := repo.Create(ctx, &model.CreateSiteRequest{
			Name:            fmt.Sprintf("site-%d", time.Now().UnixNano()),
			RunEveryMinutes: 5,
			SourceID:        src.ID,
		})
		require.NoError(t, err)

		_, err = repo.Update(ctx, site.ID, model.UpdateSiteRequest{
			SourceID: testutil.StringPtr("00000000-0000-0000-0000-000000000000"),
		})
		require.ErrorIs(t, err, ErrSourceNotFound)
	})
}

func TestSiteRepo_Create_ValidationErrors(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSiteRepo(db)
		ctx := context.Background()

		// empty name
		_, err := repo.Create(ctx, &model.CreateSiteRequest{
			Name:            " ",
			RunEveryMinutes: 5,
			SourceID:        "src",
		})
		require.Error(t, err)

		// name over 255 chars
		longName := strings.Repeat("a", 256)
		_, err = repo.Create(ctx, &model.CreateSiteRequest{
			Name:            longName,
			RunEveryMinutes: 5,
			SourceID:        "src",
		})
		require.Error(t, err)

		// non-positive cadence
		_, err = repo.Create(ctx, &model.CreateSiteRequest{
			Name:            "ok",
			RunEveryMinutes: 0,
			SourceID:        "src",
		})
		require.Error(t, err)

		// missing source_id
		_, err = repo.Create(ctx, &model.CreateSiteRequest{
			Name:            "ok",
			RunEveryMinutes: 1,
			SourceID:        " ",
		})
		require.Error(t, err)

		_, err = repo.Create(ctx, &model.CreateSiteRequest{
			Name:            "ok",
			RunEveryMinutes: 5,
			SourceID:        "src",
			AlertMode:       model.SiteAlertMode("invalid"),
		})
		require.Error(t, err)
	})
}

func TestSiteRepo_Update_ValidationErrors(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSiteRepo(db)
		ctx := context.Background()

		src := createTestSource(t, db, fmt.Sprintf("src-%d", time.Now().UnixNano()))
		s, err := repo.Create(ctx, &model.CreateSiteRequest{
			Name:            fmt.Sprintf("site-%d", time.Now().UnixNano()),
			RunEveryMinutes: 5,
			SourceID:        src.ID,
		})
		require.NoError(t, err)

		// empty update
		_, err = repo.Update(ctx, s.ID, model.UpdateSiteRequest{})
		require.Error(t, err)

		// blank name
		empty := " "
		_, err = repo.Update(ctx, s.ID, model.UpdateSiteRequest{Name: &empty})
		require.Error(t, err)

		// name over 255 chars
		tooLong := strings.Repeat("x", 256)
		_, err = repo.Update(ctx, s.ID, model.UpdateSiteRequest{Name: &tooLong})
		require.Error(t, err)

		// non-positive cadence
		zero := 0
		_, err = repo.Update(ctx, s.ID, model.UpdateSiteRequest{RunEveryMinutes: &zero})
		require.Error(t, err)

		// blank source id
		blank := ""
		_, err = repo.Update(ctx, s.ID, model.UpdateSiteRequest{SourceID: &blank})
		require.Error(t, err)

		badMode := model.SiteAlertMode("wrong")
		_, err = repo.Update(ctx, s.ID, model.UpdateSiteRequest{AlertMode: &badMode})
		require.Error(t, err)

		// non-uuid id reads as not found
		_, err = repo.Update(ctx, "not-a-uuid", model.UpdateSiteRequest{Name: testutil.StringPtr("n")})
		require.ErrorIs(t, err, ErrSiteNotFound)
	})
}
