package importer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/crmigrate/internal/identity"
	"github.com/hitoshi/crmigrate/internal/metrics"
	"github.com/hitoshi/crmigrate/internal/model"
	"github.com/hitoshi/crmigrate/internal/security"
	"github.com/hitoshi/crmigrate/internal/sink"
	"github.com/hitoshi/crmigrate/internal/source"
	"github.com/hitoshi/crmigrate/internal/transform"
)

const (
	clientsHeader  = "id,name,email,phone,address,notes,contacts,is_active,created_at\n"
	projectsHeader = "id,client_id,name,description,status,budget,hourly_rate,start_date,end_date,tags,custom_fields\n"
)

var clientsAndProjects = []model.EntitySpec{transform.ClientSpec, transform.ProjectSpec}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scenarioFS() fstest.MapFS {
	return fstest.MapFS{
		"clients.csv": {Data: []byte(clientsHeader +
			"c1,Acme,ops@acme.test,,,<p>Key account</p>,\"[{name: Jane, role: CFO}]\",true,2021-04-01\n" +
			"c2,Globex,,,,,,false,15/06/2020\n")},
		"projects.csv": {Data: []byte(projectsHeader +
			"p1,c1,Website,,active,1000,85.5,2023-01-10,,[web,design],{phase: 1, owner: Jane}\n" +
			"p2,c404,Orphan,,active,0,,,,,{}\n")},
	}
}

func retrying(next sink.Sink) *sink.RetryingSink {
	return sink.NewRetryingSink(next, sink.RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond}, testLogger())
}

func newOrchestrator(fsys fstest.MapFS, submitter Submitter, opts Options) *Orchestrator {
	if opts.Specs == nil {
		opts.Specs = clientsAndProjects
	}
	if opts.Sanitizer == nil {
		opts.Sanitizer = security.NewRichTextSanitizer()
	}
	return New(source.NewDirSource(fsys, "test", nil), submitter, testLogger(), opts)
}

// mockSubmitter はテスト用のSubmitter。
type mockSubmitter struct {
	submitFn func(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) sink.Submission
}

func (m *mockSubmitter) Submit(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) sink.Submission {
	return m.submitFn(ctx, spec, records)
}

func TestRun_ClientsAndProjectsScenario(t *testing.T) {
	mem := sink.NewMemorySink()
	o := newOrchestrator(scenarioFS(), retrying(mem), Options{})

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.True(t, report.Completed)
	assert.False(t, report.Cancelled)
	assert.Same(t, report, o.Report())

	clients := report.Lookup(model.EntityClient)
	require.NotNil(t, clients)
	assert.True(t, clients.SourcePresent)
	assert.Equal(t, 2, clients.RowsRead)
	assert.Equal(t, 2, clients.RowsAccepted)
	assert.Equal(t, 0, clients.RowsRejected)
	assert.Equal(t, 2, mem.Count(model.EntityClient))

	projects := report.Lookup(model.EntityProject)
	require.NotNil(t, projects)
	assert.Equal(t, 2, projects.RowsAccepted)
	require.Len(t, projects.Warnings, 1)
	assert.Equal(t, model.KindDanglingReference, projects.Warnings[0].Kind)
	assert.Equal(t, "p2", projects.Warnings[0].LegacyID)

	// p1 の client_id は c1 に割り当てられた移行先IDを指す
	var c1ID string
	for _, rec := range mem.Records(model.EntityClient) {
		if rec.LegacyID == "c1" {
			c1ID = rec.ID
		}
	}
	require.NotEmpty(t, c1ID)

	for _, rec := range mem.Records(model.EntityProject) {
		clientID, _ := rec.Field(transform.ProjectSpec, "client_id")
		switch rec.LegacyID {
		case "p1":
			assert.Equal(t, c1ID, clientID)
			owner, _ := rec.Field(transform.ProjectSpec, "custom_fields")
			assert.Equal(t, map[string]any{"phase": json.Number("1"), "owner": "Jane"}, owner)
		case "p2":
			assert.Nil(t, clientID)
		default:
			t.Errorf("unexpected project %q", rec.LegacyID)
		}
	}
}

func TestRun_IsIdempotentWithIdentityStore(t *testing.T) {
	store, err := identity.OpenStore(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	defer store.Close()

	mem := sink.NewMemorySink()

	first, err := newOrchestrator(scenarioFS(), retrying(mem), Options{Store: store}).Run(context.Background())
	require.NoError(t, err)
	ins, upd := first.Lookup(model.EntityClient).Written()
	assert.Equal(t, 2, ins)
	assert.Equal(t, 0, upd)

	second, err := newOrchestrator(scenarioFS(), retrying(mem), Options{Store: store}).Run(context.Background())
	require.NoError(t, err)

	for _, entity := range []model.EntityType{model.EntityClient, model.EntityProject} {
		ins, upd := second.Lookup(entity).Written()
		assert.Equal(t, 0, ins, entity)
		assert.Equal(t, 2, upd, entity)
		assert.Equal(t, 2, mem.Count(entity), entity)
	}
}

func TestRun_DryRunDoesNotPersistIdentities(t *testing.T) {
	store, err := identity.OpenStore(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	defer store.Close()

	report, err := newOrchestrator(scenarioFS(), retrying(sink.NewMemorySink()), Options{Store: store, DryRun: true}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.DryRun)

	n, err := store.Load(context.Background(), identity.NewRemapper())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestValidatePlan(t *testing.T) {
	assert.NoError(t, ValidatePlan(transform.Specs()))

	err := ValidatePlan([]model.EntitySpec{transform.ProjectSpec, transform.ClientSpec})
	var cfgErr *model.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Error(), "projects references clients")

	err = ValidatePlan([]model.EntitySpec{transform.ClientSpec, transform.ClientSpec})
	assert.True(t, errors.As(err, &cfgErr))
}

func TestRun_RejectsOutOfOrderPlanBeforeProcessing(t *testing.T) {
	calls := 0
	sub := &mockSubmitter{submitFn: func(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) sink.Submission {
		calls++
		return sink.Submission{Attempts: 1}
	}}
	o := newOrchestrator(scenarioFS(), sub, Options{Specs: []model.EntitySpec{transform.ProjectSpec, transform.ClientSpec}})

	report, err := o.Run(context.Background())
	assert.Nil(t, report)
	var cfgErr *model.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, 0, calls)
}

func TestRun_MissingOptionalSourceIsSkipped(t *testing.T) {
	fsys := scenarioFS()
	delete(fsys, "projects.csv")
	mem := sink.NewMemorySink()

	report, err := newOrchestrator(fsys, retrying(mem), Options{}).Run(context.Background())
	require.NoError(t, err)

	projects := report.Lookup(model.EntityProject)
	require.NotNil(t, projects)
	assert.False(t, projects.SourcePresent)
	assert.Equal(t, 0, projects.RowsRead)
	assert.Equal(t, 2, mem.Count(model.EntityClient))
}

func TestRun_MissingRequiredSourceIsConfigurationError(t *testing.T) {
	fsys := scenarioFS()
	delete(fsys, "projects.csv")

	_, err := newOrchestrator(fsys, retrying(sink.NewMemorySink()), Options{
		Required: []model.EntityType{model.EntityProject},
	}).Run(context.Background())

	var cfgErr *model.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, []string{"projects.csv"}, cfgErr.Missing)
}

func TestRun_HeaderMismatchIsConfigurationError(t *testing.T) {
	fsys := scenarioFS()
	fsys["projects.csv"] = &fstest.MapFile{Data: []byte("id,name\np1,Website\n")}
	mem := sink.NewMemorySink()

	_, err := newOrchestrator(fsys, retrying(mem), Options{}).Run(context.Background())

	var cfgErr *model.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, 0, mem.Count(model.EntityClient), "nothing is written when preflight fails")
}

func TestRun_BadRowsAreRejectedWithReasons(t *testing.T) {
	fsys := scenarioFS()
	fsys["projects.csv"] = &fstest.MapFile{Data: []byte(projectsHeader +
		"p1,c1,Website,,active,1000,,,,,{}\n" +
		"p2,c1,Broken,too,few\n" +
		"p3,c1,BadJSON,,active,,,,,,{first name: x}\n" +
		"p4,c1,Fine,,active,,,,,,{}\n")}
	mem := sink.NewMemorySink()

	report, err := newOrchestrator(fsys, retrying(mem), Options{}).Run(context.Background())
	require.NoError(t, err)

	projects := report.Lookup(model.EntityProject)
	assert.Equal(t, 4, projects.RowsRead)
	assert.Equal(t, 2, projects.RowsAccepted)
	assert.Equal(t, 2, projects.RowsRejected)
	require.Len(t, projects.Rejections, 2)

	assert.Equal(t, 3, projects.Rejections[0].Line)
	assert.Equal(t, model.KindMalformedRow, projects.Rejections[0].Kind)
	assert.NotEmpty(t, projects.Rejections[0].Reason)

	assert.Equal(t, 4, projects.Rejections[1].Line)
	assert.Equal(t, "p3", projects.Rejections[1].LegacyID)
	assert.Equal(t, "custom_fields", projects.Rejections[1].Column)
	assert.Equal(t, model.KindUnrepairableJSON, projects.Rejections[1].Kind)

	assert.Equal(t, 2, mem.Count(model.EntityProject))
}

func TestRun_DuplicateLegacyIDLastRowWins(t *testing.T) {
	fsys := scenarioFS()
	fsys["clients.csv"] = &fstest.MapFile{Data: []byte(clientsHeader +
		"c1,Acme,,,,,,true,\n" +
		"c1,Acme Renamed,,,,,,true,\n")}
	mem := sink.NewMemorySink()

	report, err := newOrchestrator(fsys, retrying(mem), Options{}).Run(context.Background())
	require.NoError(t, err)

	clients := report.Lookup(model.EntityClient)
	require.Len(t, clients.Warnings, 1)
	assert.Equal(t, model.KindDuplicateID, clients.Warnings[0].Kind)
	assert.Equal(t, 3, clients.Warnings[0].Line)

	recs := mem.Records(model.EntityClient)
	require.Len(t, recs, 1)
	name, _ := recs[0].Field(transform.ClientSpec, "name")
	assert.Equal(t, "Acme Renamed", name)
}

func TestRun_FailedBatchDoesNotStopTheRun(t *testing.T) {
	mem := sink.NewMemorySink()
	sub := &mockSubmitter{submitFn: func(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) sink.Submission {
		if spec.Entity == model.EntityClient && records[0].LegacyID == "c2" {
			return sink.Submission{Attempts: 1, Err: errors.New("constraint violation")}
		}
		res, err := mem.Upsert(ctx, spec, records)
		return sink.Submission{Result: res, Attempts: 1, Err: err}
	}}

	report, err := newOrchestrator(scenarioFS(), sub, Options{BatchSize: 1, Workers: 2}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Completed)

	clients := report.Lookup(model.EntityClient)
	require.Len(t, clients.Batches, 2)
	assert.Equal(t, 0, clients.Batches[0].Index)
	assert.True(t, clients.Batches[0].Succeeded)
	assert.Equal(t, 1, clients.Batches[1].Index)
	assert.False(t, clients.Batches[1].Succeeded)
	assert.Contains(t, clients.Batches[1].Error, "constraint violation")
	assert.Equal(t, 1, clients.FailedBatches())

	// 後続のエンティティも処理される
	assert.Equal(t, 2, mem.Count(model.EntityProject))
}

func TestRun_RetriesTransientBatchFailures(t *testing.T) {
	mem := sink.NewMemorySink()
	var mu sync.Mutex
	failed := map[model.EntityType]bool{}
	flaky := sinkFunc(func(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) (sink.Result, error) {
		mu.Lock()
		first := !failed[spec.Entity]
		failed[spec.Entity] = true
		mu.Unlock()
		if first {
			return sink.Result{}, sink.ErrUnavailable
		}
		return mem.Upsert(ctx, spec, records)
	})

	report, err := newOrchestrator(scenarioFS(), retrying(flaky), Options{}).Run(context.Background())
	require.NoError(t, err)

	clients := report.Lookup(model.EntityClient)
	require.Len(t, clients.Batches, 1)
	assert.True(t, clients.Batches[0].Succeeded)
	assert.Equal(t, 2, clients.Batches[0].Attempts)
	assert.Equal(t, 2, mem.Count(model.EntityClient))
}

func TestRun_CancellationLetsInFlightBatchFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := sink.NewMemorySink()
	var sinkCtxErr error
	calls := 0
	sub := &mockSubmitter{submitFn: func(sctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) sink.Submission {
		calls++
		cancel()
		sinkCtxErr = sctx.Err()
		res, err := mem.Upsert(sctx, spec, records)
		return sink.Submission{Result: res, Attempts: 1, Err: err}
	}}

	report, err := newOrchestrator(scenarioFS(), sub, Options{BatchSize: 1, Workers: 1}).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.True(t, report.Completed)

	assert.Equal(t, 1, calls, "no batch is submitted after cancellation")
	assert.NoError(t, sinkCtxErr, "in-flight batch is not cancelled")
	assert.Equal(t, 1, mem.Count(model.EntityClient))

	clients := report.Lookup(model.EntityClient)
	require.Len(t, clients.Batches, 1)
	assert.True(t, clients.Batches[0].Succeeded)
	assert.Empty(t, report.Lookup(model.EntityProject).Batches)
}

func TestRun_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	_, err := newOrchestrator(scenarioFS(), retrying(sink.NewMemorySink()), Options{Metrics: collector}).Run(context.Background())
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, name := range []string{
		"crmigrate_rows_read_total",
		"crmigrate_rows_accepted_total",
		"crmigrate_warnings_total",
		"crmigrate_batches_total",
		"crmigrate_records_written_total",
	} {
		assert.True(t, names[name], name)
	}
}

func TestRun_FullPlanWithUsersAndTimeEntries(t *testing.T) {
	fsys := scenarioFS()
	fsys["users.csv"] = &fstest.MapFile{Data: []byte("id,email,full_name,role,hourly_rate,is_active,created_at\n" +
		"u1,Jane@Example.com,Jane Doe,admin,90,true,2020-01-01\n")}
	fsys["tasks.csv"] = &fstest.MapFile{Data: []byte("id,project_id,title,description,status,priority,estimated_hours,due_date,is_billable,checklist\n" +
		"t1,p1,Design,,open,2,8,2023-02-01,true,\"[{item: wireframes, done: false}]\"\n")}
	fsys["time_entries.csv"] = &fstest.MapFile{Data: []byte("id,project_id,task_id,user_email,date,hours,description,is_billable,hourly_rate\n" +
		"e1,p1,t1,jane@example.com,01/02/2023,3.5,Sketches,true,90\n")}
	mem := sink.NewMemorySink()

	o := New(source.NewDirSource(fsys, "test", nil), retrying(mem), testLogger(), Options{})
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	settings := report.Lookup(model.EntityCompanySettings)
	require.NotNil(t, settings)
	assert.False(t, settings.SourcePresent)

	entries := mem.Records(model.EntityTimeEntry)
	require.Len(t, entries, 1)
	assert.Empty(t, report.Lookup(model.EntityTimeEntry).Warnings)

	users := mem.Records(model.EntityUser)
	require.Len(t, users, 1)
	userID, _ := entries[0].Field(transform.TimeEntrySpec, "user_id")
	assert.Equal(t, users[0].ID, userID)

	date, _ := entries[0].Field(transform.TimeEntrySpec, "entry_date")
	assert.Equal(t, "2023-02-01", date)
}

type sinkFunc func(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) (sink.Result, error)

func (f sinkFunc) Upsert(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) (sink.Result, error) {
	return f(ctx, spec, records)
}

// stubStore はテスト用のIdentityStore。Save の呼び出しを記録する。
type stubStore struct {
	mu      sync.Mutex
	saveErr error
	saved   map[string]bool
	calls   int
}

func (s *stubStore) Load(ctx context.Context, r *identity.Remapper) (int, error) {
	return 0, nil
}

func (s *stubStore) Save(ctx context.Context, mappings []identity.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.saved == nil {
		s.saved = map[string]bool{}
	}
	for _, m := range mappings {
		s.saved[m.DestinationID] = true
	}
	return nil
}

func (s *stubStore) isSaved(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[id]
}

func TestRun_SavesIdentitiesBeforeSubmittingBatches(t *testing.T) {
	store := &stubStore{}
	mem := sink.NewMemorySink()
	sub := &mockSubmitter{submitFn: func(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) sink.Submission {
		for _, rec := range records {
			assert.True(t, store.isSaved(rec.ID), "%s %s submitted before its mapping was saved", spec.Entity, rec.LegacyID)
		}
		res, err := mem.Upsert(ctx, spec, records)
		return sink.Submission{Result: res, Attempts: 1, Err: err}
	}}

	report, err := newOrchestrator(scenarioFS(), sub, Options{Store: store, BatchSize: 1}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, mem.Count(model.EntityClient))
	assert.Equal(t, 2, mem.Count(model.EntityProject))
	assert.Equal(t, 2, store.calls, "one save per entity")
	assert.Empty(t, report.Lookup(model.EntityClient).Error)
}

func TestRun_IdentityStoreFailureWritesNothingForEntity(t *testing.T) {
	mem := sink.NewMemorySink()

	broken := &stubStore{saveErr: errors.New("disk full")}
	first, err := newOrchestrator(scenarioFS(), retrying(mem), Options{Store: broken}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Completed)

	for _, entity := range []model.EntityType{model.EntityClient, model.EntityProject} {
		er := first.Lookup(entity)
		require.NotNil(t, er)
		assert.Contains(t, er.Error, "disk full", entity)
		assert.Equal(t, 2, er.RowsAccepted, entity)
		assert.Empty(t, er.Batches, entity)
		assert.Equal(t, 0, mem.Count(entity), entity)
	}

	// ストアが復旧した後の再実行で行が重複しない
	store, err := identity.OpenStore(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	defer store.Close()

	second, err := newOrchestrator(scenarioFS(), retrying(mem), Options{Store: store}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, mem.Count(model.EntityClient))
	assert.Equal(t, 2, mem.Count(model.EntityProject))
	assert.Empty(t, second.Lookup(model.EntityClient).Error)
}

func TestRun_FailedParentBatchDetachesChildReferences(t *testing.T) {
	mem := sink.NewMemorySink()
	sub := &mockSubmitter{submitFn: func(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) sink.Submission {
		if spec.Entity == model.EntityClient && records[0].LegacyID == "c1" {
			return sink.Submission{Attempts: 1, Err: errors.New("check constraint violated")}
		}
		res, err := mem.Upsert(ctx, spec, records)
		return sink.Submission{Result: res, Attempts: 1, Err: err}
	}}

	report, err := newOrchestrator(scenarioFS(), sub, Options{BatchSize: 1}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Lookup(model.EntityClient).FailedBatches())
	assert.Equal(t, 1, mem.Count(model.EntityClient))

	projects := report.Lookup(model.EntityProject)
	assert.Equal(t, 0, projects.FailedBatches())
	assert.Equal(t, 2, mem.Count(model.EntityProject))

	var detached []model.RowIssue
	for _, w := range projects.Warnings {
		if w.LegacyID == "p1" {
			detached = append(detached, w)
		}
	}
	require.Len(t, detached, 1)
	assert.Equal(t, model.KindDanglingReference, detached[0].Kind)
	assert.Equal(t, "client_id", detached[0].Column)
	assert.Contains(t, detached[0].Reason, "was not written")

	for _, rec := range mem.Records(model.EntityProject) {
		clientID, _ := rec.Field(transform.ProjectSpec, "client_id")
		assert.Nil(t, clientID, rec.LegacyID)
	}
}
