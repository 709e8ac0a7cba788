package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sonarsweep/sonarsweep/internal/config"
	"github.com/sonarsweep/sonarsweep/internal/database"
	"github.com/sonarsweep/sonarsweep/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "store_test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("creating test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return New(db)
}

func seedDataSource(t *testing.T, st *Store, name string) *models.DataSource {
	t.Helper()
	ds := &models.DataSource{
		Name:     name,
		Filename: name + ".csv",
		FilePath: "/data/" + name + ".csv",
	}
	if err := st.CreateDataSource(context.Background(), ds); err != nil {
		t.Fatalf("seeding data source: %v", err)
	}
	return ds
}

func seedJob(t *testing.T, st *Store, dataSourceID int64) *models.Job {
	t.Helper()
	job := &models.Job{DataSourceID: dataSourceID}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("seeding job: %v", err)
	}
	return job
}

func TestDataSourceLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ds := seedDataSource(t, st, "rails-builds")
	if ds.ID == 0 {
		t.Fatal("CreateDataSource did not assign an ID")
	}
	if ds.Status != models.DataSourceStatusPending {
		t.Fatalf("status = %q, want pending", ds.Status)
	}

	ds.Status = models.DataSourceStatusProcessing
	ds.ProjectKey = "rails-builds"
	ds.TotalBuilds = 120
	ds.TotalCommits = 95
	ds.UniqueBranches = 4
	ds.UniqueRepos = 2
	ds.FirstCommit = "aaa111"
	ds.LastCommit = "zzz999"
	if err := st.UpdateDataSourceSummary(ctx, ds); err != nil {
		t.Fatalf("UpdateDataSourceSummary: %v", err)
	}

	got, err := st.GetDataSource(ctx, ds.ID)
	if err != nil {
		t.Fatalf("GetDataSource: %v", err)
	}
	if got.TotalCommits != 95 || got.Status != models.DataSourceStatusProcessing {
		t.Fatalf("after summary update: %+v", got)
	}
	if got.FirstCommit != "aaa111" || got.LastCommit != "zzz999" {
		t.Fatalf("commit range not stored: %+v", got)
	}

	if err := st.SetDataSourceOverride(ctx, ds.ID, "sonar.exclusions=**/vendor/**"); err != nil {
		t.Fatalf("SetDataSourceOverride: %v", err)
	}
	got, err = st.GetDataSource(ctx, ds.ID)
	if err != nil {
		t.Fatalf("GetDataSource: %v", err)
	}
	if got.ConfigOverride != "sonar.exclusions=**/vendor/**" {
		t.Fatalf("config_override = %q", got.ConfigOverride)
	}
}

func TestCountAndListDataSourcesByStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := seedDataSource(t, st, "ds-a")
	seedDataSource(t, st, "ds-b")
	if err := st.SetDataSourceStatus(ctx, a.ID, models.DataSourceStatusReady); err != nil {
		t.Fatalf("SetDataSourceStatus: %v", err)
	}

	total, err := st.CountDataSources(ctx, "")
	if err != nil {
		t.Fatalf("CountDataSources: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	ready, err := st.CountDataSources(ctx, models.DataSourceStatusReady)
	if err != nil {
		t.Fatalf("CountDataSources: %v", err)
	}
	if ready != 1 {
		t.Fatalf("ready = %d, want 1", ready)
	}

	pending, err := st.ListDataSources(ctx, models.DataSourceStatusPending, 10, 0)
	if err != nil {
		t.Fatalf("ListDataSources: %v", err)
	}
	if len(pending) != 1 || pending[0].Name != "ds-b" {
		t.Fatalf("pending list = %+v", pending)
	}
}
