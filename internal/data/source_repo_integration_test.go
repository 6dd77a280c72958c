package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker-core/internal/domain/model"
	"github.com/target/merrymaker-core/internal/testutil"
)

func TestSourceRepo_Integration_ConcurrentCreate(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		const numWorkers = 10

		// Secret names must exist before a source can reference them.
		for i := range numWorkers {
			insertSecret(t, db, fmt.Sprintf("CONC_SECRET_%d", i))
		}

		var wg sync.WaitGroup
		results := make(chan *model.Source, numWorkers)
		errCh := make(chan error, numWorkers)

		for i := range numWorkers {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				source, err := repo.Create(ctx, &model.CreateSourceRequest{
					Name:    fmt.Sprintf("concurrent-source-%d", id),
					Body:    fmt.Sprintf("console.log('worker %d');", id),
					Secrets: []string{fmt.Sprintf("CONC_SECRET_%d", id)},
				})
				if err != nil {
					errCh <- err
					return
				}
				results <- source
			}(i)
		}

		wg.Wait()
		close(results)
		close(errCh)

		for err := range errCh {
			t.Errorf("concurrent create failed: %v", err)
		}

		created := make(map[string]bool)
		for source := range results {
			require.NotNil(t, source)
			assert.False(t, created[source.ID], "duplicate source ID %s", source.ID)
			created[source.ID] = true
			assert.Len(t, source.Secrets, 1)
		}
		assert.Len(t, created, numWorkers)
	})
}

func TestSourceRepo_Integration_ConcurrentCreateDuplicateName(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		const numWorkers = 5

		var wg sync.WaitGroup
		successes := make(chan *model.Source, numWorkers)
		failures := make(chan error, numWorkers)

		// All workers race on the same name. Exactly one wins.
		for i := range numWorkers {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				source, err := repo.Create(ctx, &model.CreateSourceRequest{
					Name: "contested-name",
					Body: fmt.Sprintf("console.log('attempt %d');", id),
				})
				if err != nil {
					failures <- err
					return
				}
				successes <- source
			}(i)
		}

		wg.Wait()
		close(successes)
		close(failures)

		var winners int
		for range successes {
			winners++
		}
		assert.Equal(t, 1, winners, "exactly one create should win the name")

		for err := range failures {
			assert.ErrorIs(t, err, ErrSourceNameExists)
		}
	})
}

func TestSourceRepo_Integration_ConcurrentReadWrite(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		source, err := repo.Create(ctx, &model.CreateSourceRequest{
			Name: "read-write-source",
			Body: "console.log('original');",
		})
		require.NoError(t, err)

		const numReaders = 5
		const numWriters = 3
		const iterations = 10

		var wg sync.WaitGroup
		errCh := make(chan error, (numReaders+numWriters)*iterations)

		for range numReaders {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range iterations {
					got, err := repo.GetByID(ctx, source.ID)
					if err != nil {
						errCh <- fmt.Errorf("read: %w", err)
						return
					}
					if got.Name != "read-write-source" {
						errCh <- fmt.Errorf("read saw unexpected name %q", got.Name)
						return
					}
				}
			}()
		}

		for w := range numWriters {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := range iterations {
					body := fmt.Sprintf("console.log('writer %d iteration %d');", w, i)
					_, err := repo.Update(ctx, source.ID, model.UpdateSourceRequest{
						Body: testutil.StringPtr(body),
					})
					if err != nil {
						errCh <- fmt.Errorf("write: %w", err)
						return
					}
				}
			}(w)
		}

		wg.Wait()
		close(errCh)

		for err := range errCh {
			t.Errorf("concurrent read/write failed: %v", err)
		}

		final, err := repo.GetByID(ctx, source.ID)
		require.NoError(t, err)
		assert.Equal(t, "read-write-source", final.Name)
		assert.Contains(t, final.Body, "writer")
	})
}

func TestSourceRepo_Integration_BulkOperations(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		const numSources = 50

		ids := make([]string, 0, numSources)
		for i := range numSources {
			source, err := repo.Create(ctx, &model.CreateSourceRequest{
				Name: fmt.Sprintf("bulk-source-%02d", i),
				Body: fmt.Sprintf("console.log('bulk %d');", i),
				Test: i%2 == 0,
			})
			require.NoError(t, err)
			ids = append(ids, source.ID)
		}

		listed, err := repo.List(ctx, numSources, 0)
		require.NoError(t, err)
		assert.Len(t, listed, numSources)

		// Pagination walks the whole set without overlap.
		seen := make(map[string]bool)
		for offset := 0; offset < numSources; offset += 10 {
			page, err := repo.List(ctx, 10, offset)
			require.NoError(t, err)
			assert.Len(t, page, 10)
			for _, s := range page {
				assert.False(t, seen[s.ID], "source %s appeared twice across pages", s.ID)
				seen[s.ID] = true
			}
		}
		assert.Len(t, seen, numSources)

		for _, id := range ids {
			deleted, err := repo.Delete(ctx, id)
			require.NoError(t, err)
			assert.True(t, deleted)
		}

		remaining, err := repo.List(ctx, numSources, 0)
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})
}

func TestSourceRepo_Integration_TransactionIsolation(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		source, err := repo.Create(ctx, &model.CreateSourceRequest{
			Name: "isolation-source",
			Body: "console.log('isolation');",
		})
		require.NoError(t, err)

		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx,
			"UPDATE sources SET name = $1 WHERE id = $2::uuid",
			"renamed-in-tx", source.ID)
		require.NoError(t, err)

		// Uncommitted writes stay invisible to the repo.
		got, err := repo.GetByID(ctx, source.ID)
		require.NoError(t, err)
		assert.Equal(t, "isolation-source", got.Name)

		require.NoError(t, tx.Rollback())

		got, err = repo.GetByID(ctx, source.ID)
		require.NoError(t, err)
		assert.Equal(t, "isolation-source", got.Name)
	})
}

func TestSourceRepo_Integration_DatabaseConstraints(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		t.Run("unique name enforced at the database", func(t *testing.T) {
			_, err := repo.Create(ctx, &model.CreateSourceRequest{
				Name: "constraint-source",
				Body: "console.log('first');",
			})
			require.NoError(t, err)

			_, err = repo.Create(ctx, &model.CreateSourceRequest{
				Name: "constraint-source",
				Body: "console.log('second');",
			})
			assert.ErrorIs(t, err, ErrSourceNameExists)
		})

		t.Run("secret links cascade on delete", func(t *testing.T) {
			insertSecret(t, db, "CASCADE_SECRET")

			source, err := repo.Create(ctx, &model.CreateSourceRequest{
				Name:    "cascade-source",
				Body:    "console.log('cascade');",
				Secrets: []string{"CASCADE_SECRET"},
			})
			require.NoError(t, err)

			deleted, err := repo.Delete(ctx, source.ID)
			require.NoError(t, err)
			assert.True(t, deleted)

			var links int
			err = db.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM source_secrets WHERE source_id = $1::uuid",
				source.ID).Scan(&links)
			require.NoError(t, err)
			assert.Zero(t, links)
		})
	})
}

func TestSourceRepo_Integration_ConcurrentUpdateDelete(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		source, err := repo.Create(ctx, &model.CreateSourceRequest{
			Name: "update-delete-source",
			Body: "console.log('contested');",
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		outcomes := make(chan string, 2)

		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			_, err := repo.Update(ctx, source.ID, model.UpdateSourceRequest{
				Body: testutil.StringPtr("console.log('updated');"),
			})
			switch {
			case err == nil:
				outcomes <- "updated"
			case errors.Is(err, ErrSourceNotFound):
				outcomes <- "update-lost"
			default:
				outcomes <- fmt.Sprintf("update-error: %v", err)
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			deleted, err := repo.Delete(ctx, source.ID)
			switch {
			case err == nil && deleted:
				outcomes <- "deleted"
			case err == nil:
				outcomes <- "delete-lost"
			default:
				outcomes <- fmt.Sprintf("delete-error: %v", err)
			}
		}()

		wg.Wait()
		close(outcomes)

		// Either ordering is valid; nothing may fail with an unexpected error.
		for outcome := range outcomes {
			assert.NotContains(t, outcome, "update-error")
			assert.NotContains(t, outcome, "delete-error")
		}
	})
}
