package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/jobs/inmemory"
	"github.com/dvloznov/finance-sync/internal/store/memory"
)

type serviceFixture struct {
	links    *memory.Links
	jobs     *inmemory.Store
	client   *mockClient
	svc      *Service
	notified int
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		links:  memory.NewLinks(),
		jobs:   inmemory.NewStore(),
		client: &mockClient{},
	}
	f.svc = NewService(f.links, f.client, f.jobs, 3,
		WithServiceClock(func() time.Time { return fixedNow }),
		WithServiceNotify(func() { f.notified++ }),
	)
	return f
}

func (f *serviceFixture) syncJobs(t *testing.T) []*jobs.Job {
	t.Helper()
	list, err := f.jobs.List(context.Background(), jobs.Filter{Kind: jobs.KindSync})
	require.NoError(t, err)
	return list
}

func TestLinkAccount_QueuesInitialSync(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	itemID, err := f.svc.LinkAccount(ctx, "u1", "public-1")
	require.NoError(t, err)
	assert.Equal(t, "item-public-1", itemID)

	link, err := f.links.FindLinkByItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, "u1", link.UserID)
	assert.Equal(t, domain.LinkActive, link.Status)
	assert.Equal(t, "access-public-1", link.AccessCredential.Reveal())
	assert.Empty(t, link.Cursor)

	queued := f.syncJobs(t)
	require.Len(t, queued, 1)
	p, ok := queued[0].Payload.(jobs.SyncPayload)
	require.True(t, ok)
	assert.True(t, p.Initial)
	assert.Equal(t, link.ID, p.LinkID)
	assert.Equal(t, 1, f.notified)
}

func TestLinkAccount_Rejects(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	_, err := f.svc.LinkAccount(ctx, "u1", "")
	var ve *domain.ValidationError
	assert.True(t, errors.As(err, &ve))

	itemID, err := f.svc.LinkAccount(ctx, "u1", "public-1")
	require.NoError(t, err)
	link, err := f.links.FindLinkByItem(ctx, itemID)
	require.NoError(t, err)
	require.NoError(t, f.links.AdvanceCursor(ctx, link.ID, "c1", fixedNow))
	_, err = f.svc.LinkAccount(ctx, "u1", "public-1")
	assert.True(t, errors.As(err, &ve), "a synced link cannot be linked again")
	_, err = f.svc.LinkAccount(ctx, "u2", "public-1")
	assert.True(t, errors.As(err, &ve))

	f.client.ExchangeFunc = func(ctx context.Context, publicToken string) (Exchange, error) {
		return Exchange{}, &domain.AuthError{Code: "INVALID_PUBLIC_TOKEN"}
	}
	_, err = f.svc.LinkAccount(ctx, "u1", "public-2")
	assert.True(t, domain.IsAuth(err))
	assert.Len(t, f.syncJobs(t), 1)
}

// failingJobs rejects enqueues while EnqueueErr is set.
type failingJobs struct {
	*inmemory.Store
	EnqueueErr error
}

func (f *failingJobs) Enqueue(ctx context.Context, job *jobs.Job) (*jobs.Job, bool, error) {
	if f.EnqueueErr != nil {
		return nil, false, f.EnqueueErr
	}
	return f.Store.Enqueue(ctx, job)
}

func TestLinkAccount_RetryAfterEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	links := memory.NewLinks()
	js := &failingJobs{Store: inmemory.NewStore(), EnqueueErr: errors.New("connection refused")}
	svc := NewService(links, &mockClient{}, js, 3, WithServiceClock(func() time.Time { return fixedNow }))

	_, err := svc.LinkAccount(ctx, "u1", "public-1")
	require.Error(t, err)
	_, err = links.FindLinkByItem(ctx, "item-public-1")
	require.NoError(t, err, "the link is stored before queueing")

	js.EnqueueErr = nil
	itemID, err := svc.LinkAccount(ctx, "u1", "public-1")
	require.NoError(t, err)
	assert.Equal(t, "item-public-1", itemID)

	queued, err := js.List(ctx, jobs.Filter{Kind: jobs.KindSync})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	p, ok := queued[0].Payload.(jobs.SyncPayload)
	require.True(t, ok)
	assert.True(t, p.Initial)

	// A second retry reuses the queued job.
	_, err = svc.LinkAccount(ctx, "u1", "public-1")
	require.NoError(t, err)
	queued, err = js.List(ctx, jobs.Filter{Kind: jobs.KindSync})
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestTriggerSync(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	itemID, err := f.svc.LinkAccount(ctx, "u1", "public-1")
	require.NoError(t, err)

	// The initial sync is still queued, so the trigger collapses into it.
	job, err := f.svc.TriggerSync(ctx, "u1", itemID)
	require.NoError(t, err)
	assert.Len(t, f.syncJobs(t), 1)
	assert.Equal(t, f.syncJobs(t)[0].ID, job.ID)
	assert.Equal(t, 1, f.notified)

	_, err = f.svc.TriggerSync(ctx, "u2", itemID)
	assert.ErrorIs(t, err, domain.ErrLinkNotFound)
	_, err = f.svc.TriggerSync(ctx, "u1", "missing")
	assert.ErrorIs(t, err, domain.ErrLinkNotFound)

	link, err := f.links.FindLinkByItem(ctx, itemID)
	require.NoError(t, err)
	require.NoError(t, f.links.SetStatus(ctx, link.ID, domain.LinkError, "ITEM_LOGIN_REQUIRED"))
	_, err = f.svc.TriggerSync(ctx, "u1", itemID)
	assert.ErrorIs(t, err, domain.ErrLinkError)

	require.NoError(t, f.links.SetStatus(ctx, link.ID, domain.LinkRevoked, ""))
	_, err = f.svc.TriggerSync(ctx, "u1", itemID)
	assert.ErrorIs(t, err, domain.ErrLinkRevoked)
}

func TestReactivate(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	itemID, err := f.svc.LinkAccount(ctx, "u1", "public-1")
	require.NoError(t, err)
	link, err := f.links.FindLinkByItem(ctx, itemID)
	require.NoError(t, err)
	require.NoError(t, f.links.SetStatus(ctx, link.ID, domain.LinkError, "ITEM_LOGIN_REQUIRED"))

	_, err = f.svc.Reactivate(ctx, "u1", itemID)
	require.NoError(t, err)

	link, err = f.links.FindLinkByItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, domain.LinkActive, link.Status)
	assert.Empty(t, link.LastError)

	require.NoError(t, f.links.SetStatus(ctx, link.ID, domain.LinkRevoked, "webhook: USER_PERMISSION_REVOKED"))
	_, err = f.svc.Reactivate(ctx, "u1", itemID)
	assert.ErrorIs(t, err, domain.ErrLinkRevoked)
}

func TestHandleWebhook(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	itemID, err := f.svc.LinkAccount(ctx, "u1", "public-1")
	require.NoError(t, err)
	link, err := f.links.FindLinkByItem(ctx, itemID)
	require.NoError(t, err)

	// Finish the initial sync so a new one can be queued.
	claimed, err := f.jobs.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.jobs.Complete(ctx, claimed.Lease(), domain.ResultStats{}))

	require.NoError(t, f.svc.HandleWebhook(ctx, itemID, WebhookSyncUpdatesAvailable))
	assert.Len(t, f.syncJobs(t), 2)
	active, err := f.jobs.List(ctx, jobs.Filter{Kind: jobs.KindSync, Statuses: jobs.ActiveStatuses})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.False(t, active[0].Payload.(jobs.SyncPayload).Initial)

	require.NoError(t, f.svc.HandleWebhook(ctx, itemID, "TRANSACTIONS_REMOVED_SOMETHING"))
	assert.Len(t, f.syncJobs(t), 2)

	require.NoError(t, f.svc.HandleWebhook(ctx, itemID, WebhookItemLoginRequired))
	link, err = f.links.GetLink(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LinkError, link.Status)

	require.NoError(t, f.svc.HandleWebhook(ctx, itemID, WebhookUserPermissionRevoked))
	link, err = f.links.GetLink(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LinkRevoked, link.Status)

	require.NoError(t, f.svc.HandleWebhook(ctx, itemID, WebhookItemLoginRequired))
	link, err = f.links.GetLink(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LinkRevoked, link.Status, "a revoked link stays revoked")

	assert.ErrorIs(t, f.svc.HandleWebhook(ctx, "missing", WebhookDefaultUpdate), domain.ErrLinkNotFound)
}
