package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/convrelay/internal/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*SQLStore, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), WithClock(c.now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	// Migrations are idempotent.
	require.NoError(t, store.Migrate(context.Background()))
	return store, c
}

func TestBrands(t *testing.T) {
	store, c := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetBrand(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	b := &models.Brand{ID: "b1", Name: "Acme", SiteID: "site-1", APIKey: "k", WebhookSecret: "s1", CreatedAt: c.t, UpdatedAt: c.t}
	require.NoError(t, store.CreateBrand(ctx, b))
	assert.Error(t, store.CreateBrand(ctx, b), "duplicate id")

	require.NoError(t, store.UpdateBrandWebhookSecret(ctx, "b1", "s2"))
	got, err = store.GetBrand(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s2", got.WebhookSecret)
	assert.Equal(t, "site-1", got.SiteID)

	list, err := store.ListBrands(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteBrand(ctx, "b1"))
	got, err = store.GetBrand(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSearchRecentOrders(t *testing.T) {
	store, c := newTestStore(t)
	ctx := context.Background()

	records := []struct {
		id      string
		brand   string
		payload string
	}{
		{"o1", "b1", `{"email":"Ann@Example.com","note":"ref=A1"}`},
		{"o2", "b1", `{"email":"bob@example.com","total":"1000"}`},
		{"o3", "b1", `{"email":"ann@example.com","note":"100% off"}`},
		{"o4", "b2", `{"email":"ann@example.com"}`},
	}
	for _, r := range records {
		c.advance(time.Minute)
		require.NoError(t, store.CreateOrderRecord(ctx, &models.OrderRecord{
			ID: r.id, BrandID: r.brand, ExternalOrderID: r.id, Payload: r.payload, CreatedAt: c.t,
		}))
	}

	tests := []struct {
		name   string
		search models.OrderSearch
		want   []string
	}{
		{"case-insensitive newest first", models.OrderSearch{BrandID: "b1", Contains: "ANN@example.com", Limit: 10}, []string{"o3", "o1"}},
		{"every brand", models.OrderSearch{Contains: "ann@example.com", Limit: 10}, []string{"o4", "o3", "o1"}},
		{"other brand", models.OrderSearch{BrandID: "b2", Contains: "ann@example.com"}, []string{"o4"}},
		{"excludes the current order", models.OrderSearch{BrandID: "b1", Contains: "ann@", ExcludeExternalOrderID: "o3"}, []string{"o1"}},
		{"limit", models.OrderSearch{BrandID: "b1", Contains: "example.com", Limit: 2}, []string{"o3", "o2"}},
		{"percent is literal", models.OrderSearch{Contains: "100%"}, []string{"o3"}},
		{"underscore is literal", models.OrderSearch{Contains: "a_n"}, nil},
		{"empty matches nothing", models.OrderSearch{BrandID: "b1"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := store.SearchRecentOrders(ctx, tt.search)
			require.NoError(t, err)
			var ids []string
			for _, r := range recs {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	n, err := store.PurgeOrderRecords(ctx, c.t.Add(-90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func newJob(id string, due time.Time) *models.ConversionJob {
	return &models.ConversionJob{
		JobID:       id,
		Status:      models.JobPending,
		MaxAttempts: 3,
		NextRetryAt: due,
		Payload:     types.JSONText(`{"external_order_id":"` + id + `"}`),
		ContextRef:  "ord_" + id,
		CreatedAt:   due,
		UpdatedAt:   due,
	}
}

func TestJobLifecycle(t *testing.T) {
	store, c := newTestStore(t)
	ctx := context.Background()

	inserted, err := store.InsertJob(ctx, newJob("j1", c.t))
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = store.InsertJob(ctx, newJob("j1", c.t))
	require.NoError(t, err)
	assert.False(t, inserted, "same job id is not inserted twice")

	_, err = store.InsertJob(ctx, newJob("later", c.t.Add(time.Hour)))
	require.NoError(t, err)

	claimed, err := store.ClaimDueJobs(ctx, c.t, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "j1", claimed[0].JobID)
	assert.Equal(t, models.JobProcessing, claimed[0].Status)
	assert.JSONEq(t, `{"external_order_id":"j1"}`, string(claimed[0].Payload))

	again, err := store.ClaimDueJobs(ctx, c.t, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "processing jobs are not claimed twice")

	require.NoError(t, store.ScheduleRetry(ctx, "j1", 1, c.t.Add(30*time.Second), "boom", "HTTP_503", c.t))
	assert.ErrorIs(t, store.CompleteJob(ctx, "j1", 1, c.t), ErrJobNotClaimed)

	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "boom", *job.LastError)

	c.advance(time.Minute)
	claimed, err = store.ClaimDueJobs(ctx, c.t, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.CompleteJob(ctx, "j1", 2, c.t))

	job, err = store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.NotNil(t, job.LastError, "last error survives completion")

	missing, err := store.GetJob(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMarkDeadAndRequeue(t *testing.T) {
	store, c := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertJob(ctx, newJob("j1", c.t))
	require.NoError(t, err)
	_, err = store.ClaimDueJobs(ctx, c.t, 1)
	require.NoError(t, err)

	jobID := "j1"
	status := 400
	body := `{"error":"bad"}`
	failure := &models.ConversionFailureRecord{
		ID: "f1", JobID: &jobID, Payload: types.JSONText(`{}`), Error: "bad request",
		ErrorCode: "HTTP_400", HTTPStatus: &status, ResponseBody: &body, Attempts: 1, CreatedAt: c.t,
	}
	require.NoError(t, store.MarkDead(ctx, "j1", 1, failure, c.t))
	assert.ErrorIs(t, store.MarkDead(ctx, "j1", 1, failure, c.t), ErrJobNotClaimed)

	recs, err := store.ListFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1, "a rejected transition writes no failure record")
	assert.Equal(t, "HTTP_400", recs[0].ErrorCode)
	require.NotNil(t, recs[0].HTTPStatus)
	assert.Equal(t, 400, *recs[0].HTTPStatus)

	n, err := store.CountFailuresSince(ctx, c.t.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := store.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.JobDead])

	ok, err := store.RequeueDeadJob(ctx, "j1", c.t)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.RequeueDeadJob(ctx, "j1", c.t)
	require.NoError(t, err)
	assert.False(t, ok, "only dead jobs are requeued")

	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Nil(t, job.LastError)
}

func TestClaimSkipsExhaustedJobs(t *testing.T) {
	store, c := newTestStore(t)
	ctx := context.Background()

	job := newJob("spent", c.t)
	job.Attempts = job.MaxAttempts
	_, err := store.InsertJob(ctx, job)
	require.NoError(t, err)

	claimed, err := store.ClaimDueJobs(ctx, c.t, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestRecoverStaleJobs(t *testing.T) {
	store, c := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertJob(ctx, newJob("j1", c.t))
	require.NoError(t, err)
	_, err = store.ClaimDueJobs(ctx, c.t, 1)
	require.NoError(t, err)

	n, err := store.RecoverStaleJobs(ctx, c.t.Add(-time.Minute), c.t)
	require.NoError(t, err)
	assert.Zero(t, n, "recently claimed jobs are left alone")

	c.advance(15 * time.Minute)
	n, err = store.RecoverStaleJobs(ctx, c.t.Add(-10*time.Minute), c.t)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, "STALE_PROCESSING", *job.ErrorCode)
}

func TestSessions(t *testing.T) {
	store, c := newTestStore(t)
	ctx := context.Background()
	ttl := 24 * time.Hour

	_, err := store.UpsertSession(ctx, models.VisitorSession{}, ttl)
	assert.Error(t, err)

	first, err := store.UpsertSession(ctx, models.VisitorSession{
		SessionID: "s1", VisitorID: "v1", SiteID: "site-1", AffiliateID: "A1", CampaignID: "C1", UTMSource: "news",
	}, ttl)
	require.NoError(t, err)
	assert.Equal(t, c.t, first.CreatedAt.UTC())

	c.advance(time.Hour)
	merged, err := store.UpsertSession(ctx, models.VisitorSession{
		SessionID: "s1", AffiliateID: "A2", UTMSource: "mail", Email: "ann@example.com",
	}, ttl)
	require.NoError(t, err)
	assert.Equal(t, "A1", merged.AffiliateID)
	assert.Equal(t, "C1", merged.CampaignID)
	assert.Equal(t, "mail", merged.UTMSource)
	assert.Equal(t, "v1", merged.VisitorID)
	assert.True(t, merged.Identified())

	// A second, unattributed session for the same visitor must not shadow s1.
	_, err = store.UpsertSession(ctx, models.VisitorSession{SessionID: "s2", VisitorID: "v1", SiteID: "site-1"}, ttl)
	require.NoError(t, err)

	got, err := store.FindSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ann@example.com", got.Email)

	got, err = store.FindSession(ctx, "s2")
	require.NoError(t, err)
	assert.Nil(t, got, "sessions without an affiliate are not returned")

	got, err = store.FindMostRecentSessionByVisitor(ctx, "v1", "site-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.SessionID)

	got, err = store.FindMostRecentSessionByVisitor(ctx, "v1", "other-site")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.FindMostRecentSessionBySite(ctx, "site-1", c.t.Add(-2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	got, err = store.FindMostRecentSessionBySite(ctx, "site-1", c.t.Add(-time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got, "s1 was created before the window")

	c.advance(25 * time.Hour)
	got, err = store.FindSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got, "expired sessions are not returned")
}

func TestUpsertSessionRowKeepsFirstAffiliate(t *testing.T) {
	store, c := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertSession(ctx, models.VisitorSession{
		SessionID: "s1", VisitorID: "v1", AffiliateID: "A1", CampaignID: "C1",
	}, time.Hour)
	require.NoError(t, err)

	// A writer whose read ran before s1 existed still carries its own
	// first-touch values into the conflict clause.
	late := models.VisitorSession{
		SessionID: "s1", AffiliateID: "A2", CampaignID: "C2", Email: "ann@example.com",
		CreatedAt: c.t, UpdatedAt: c.t, ExpiresAt: c.t.Add(time.Hour),
	}
	tx, err := store.db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, upsertSessionRow(ctx, tx, &late))
	require.NoError(t, tx.Commit())

	assert.Equal(t, "A1", late.AffiliateID)
	assert.Equal(t, "C1", late.CampaignID)
	assert.Equal(t, "v1", late.VisitorID, "empty fields do not clear stored ones")
	assert.Equal(t, "ann@example.com", late.Email)

	got, err := store.FindSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "A1", got.AffiliateID)
	assert.Equal(t, "C1", got.CampaignID)
}
