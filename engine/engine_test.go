package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	api "github.com/docrelay/docrelay/api/v1"
	"github.com/docrelay/docrelay/cache"
	"github.com/docrelay/docrelay/model"
	"github.com/docrelay/docrelay/notification"
	"github.com/docrelay/docrelay/persistence/inmem"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentNotification struct {
	OrderIndex int
	Kind       notification.Kind
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []sentNotification
	fail bool
}

func (d *recordingDispatcher) Notify(ctx context.Context, session *model.WorkflowSession, recipient *model.Recipient, kind notification.Kind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return api.NotificationError{RecipientId: recipient.Id, Cause: context.DeadlineExceeded}
	}
	d.sent = append(d.sent, sentNotification{
		OrderIndex: recipient.OrderIndex,
		Kind:       kind,
	})
	return nil
}

func (d *recordingDispatcher) all() []sentNotification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sentNotification, len(d.sent))
	copy(out, d.sent)
	return out
}

func (d *recordingDispatcher) countOf(kind notification.Kind) int {
	n := 0
	for _, s := range d.all() {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

type testEnv struct {
	engine     *SessionEngine
	repo       *inmem.Repository
	retryQueue *inmem.RetryQueue
	dispatcher *recordingDispatcher
	clock      *fakeClock
	wg         sync.WaitGroup
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	env := &testEnv{
		repo:       inmem.NewRepository(),
		retryQueue: inmem.NewRetryQueue(),
		dispatcher: &recordingDispatcher{},
		clock:      newFakeClock(),
	}
	env.repo.Now = env.clock.Now
	env.retryQueue.Now = env.clock.Now
	opts = append([]Option{WithClock(env.clock.Now)}, opts...)
	env.engine = NewSessionEngine(env.repo, cache.NewSessionCache(), env.dispatcher, env.retryQueue, &env.wg, opts...)
	env.engine.Start()
	t.Cleanup(env.engine.Stop)
	return env
}

func threeRecipients() []model.RecipientSpec {
	return []model.RecipientSpec{
		{Type: model.RECIPIENT_TYPE_PRESCRIBER, Name: "A", Email: "a@example.com"},
		{Type: model.RECIPIENT_TYPE_PATIENT, Name: "B", Email: "b@example.com"},
		{Type: model.RECIPIENT_TYPE_PHARMACY, Name: "C", Email: "c@example.com"},
	}
}

func createSession(t *testing.T, env *testEnv, specs []model.RecipientSpec) *model.WorkflowSession {
	session, err := env.engine.Create(context.Background(), model.CreateSessionRequest{
		DocumentRef: "doc-123",
		Recipients:  specs,
	})
	require.NoError(t, err)
	return session
}

// requireOrdering asserts I1 and I3: contiguous order indexes and, for an
// active session, every recipient before the active one completed.
func requireOrdering(t *testing.T, session *model.WorkflowSession) {
	seen := make(map[int]bool)
	for i := range session.Recipients {
		seen[session.Recipients[i].OrderIndex] = true
	}
	for i := 0; i < len(session.Recipients); i++ {
		require.True(t, seen[i], "order index %d missing", i)
	}
	if session.Status != model.SESSION_ACTIVE {
		return
	}
	active := session.ActiveRecipient()
	require.NotNil(t, active)
	for i := range session.Recipients {
		r := &session.Recipients[i]
		if r.OrderIndex < active.OrderIndex {
			require.Equal(t, model.RECIPIENT_COMPLETED, r.Status)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for scenario, req := range map[string]model.CreateSessionRequest{
		"no recipients":  {DocumentRef: "doc", Recipients: nil},
		"no documentRef": {Recipients: threeRecipients()},
		"bad type": {DocumentRef: "doc", Recipients: []model.RecipientSpec{
			{Type: "DOCTOR", Email: "a@example.com"},
		}},
		"no contact": {DocumentRef: "doc", Recipients: []model.RecipientSpec{
			{Type: model.RECIPIENT_TYPE_PATIENT},
		}},
	} {
		t.Run(scenario, func(t *testing.T) {
			_, err := env.engine.Create(ctx, req)
			require.Error(t, err)
			require.IsType(t, api.ValidationError{}, err)
		})
	}

	tooMany := make([]model.RecipientSpec, model.MaxRecipients+1)
	for i := range tooMany {
		tooMany[i] = model.RecipientSpec{Type: model.RECIPIENT_TYPE_CUSTOM, Email: "x@example.com"}
	}
	_, err := env.engine.Create(ctx, model.CreateSessionRequest{DocumentRef: "doc", Recipients: tooMany})
	require.IsType(t, api.ValidationError{}, err)
}

func TestCreateInitialState(t *testing.T) {
	env := newTestEnv(t)
	session := createSession(t, env, threeRecipients())

	require.Equal(t, model.SESSION_ACTIVE, session.Status)
	require.Len(t, session.Recipients, 3)
	require.Equal(t, model.RECIPIENT_NOTIFIED, session.Recipients[0].Status)
	require.NotNil(t, session.Recipients[0].NotifiedAt)
	require.Equal(t, model.RECIPIENT_PENDING, session.Recipients[1].Status)
	require.Equal(t, model.RECIPIENT_PENDING, session.Recipients[2].Status)
	require.Equal(t, session.CreatedAt.Add(DefaultExpirationWindow), session.ExpiresAt)
	requireOrdering(t, session)

	tokens := make(map[string]bool)
	for i := range session.Recipients {
		r := &session.Recipients[i]
		require.NotEmpty(t, r.AccessToken)
		require.False(t, tokens[r.AccessToken], "access token reused")
		tokens[r.AccessToken] = true
	}

	require.Eventually(t, func() bool {
		return env.dispatcher.countOf(notification.KIND_CREATED) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, env.dispatcher.all()[0].OrderIndex)
}

func TestResolveMarksAccessed(t *testing.T) {
	env := newTestEnv(t)
	session := createSession(t, env, threeRecipients())
	ctx := context.Background()
	tok := session.Recipients[0].AccessToken

	view, err := env.engine.Resolve(ctx, tok)
	require.NoError(t, err)
	require.Equal(t, model.RECIPIENT_ACCESSED, view.Recipient.Status)
	require.NotNil(t, view.Recipient.AccessedAt)

	// Second resolve is a status no-op.
	again, err := env.engine.Resolve(ctx, tok)
	require.NoError(t, err)
	require.Equal(t, model.RECIPIENT_ACCESSED, again.Recipient.Status)
	require.Equal(t, view.Recipient.AccessedAt, again.Recipient.AccessedAt)
}

func TestResolveUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Resolve(context.Background(), "no-such-token")
	require.IsType(t, api.NotFoundError{}, err)
}

func TestSubmitChainScenario(t *testing.T) {
	env := newTestEnv(t)
	session := createSession(t, env, threeRecipients())
	ctx := context.Background()
	tokA := session.Recipients[0].AccessToken
	tokB := session.Recipients[1].AccessToken
	tokC := session.Recipients[2].AccessToken

	formA := map[string]any{"signed": true, "dose": 2.5}
	view, err := env.engine.Submit(ctx, tokA, formA)
	require.NoError(t, err)
	require.Equal(t, model.RECIPIENT_COMPLETED, view.Recipient.Status)
	require.NotNil(t, view.Recipient.CompletedAt)

	stored, err := env.repo.GetById(ctx, session.Id)
	require.NoError(t, err)
	require.Equal(t, model.RECIPIENT_NOTIFIED, stored.RecipientAt(1).Status)
	require.Equal(t, model.RECIPIENT_PENDING, stored.RecipientAt(2).Status)
	requireOrdering(t, stored)

	require.Eventually(t, func() bool {
		return env.dispatcher.countOf(notification.KIND_CREATED) == 2
	}, time.Second, 10*time.Millisecond)

	_, err = env.engine.Submit(ctx, tokB, map[string]any{"ack": "yes"})
	require.NoError(t, err)
	stored, err = env.repo.GetById(ctx, session.Id)
	require.NoError(t, err)
	require.Equal(t, model.RECIPIENT_NOTIFIED, stored.RecipientAt(2).Status)
	requireOrdering(t, stored)

	view, err = env.engine.Submit(ctx, tokC, map[string]any{"filled": true})
	require.NoError(t, err)
	require.Equal(t, model.SESSION_COMPLETED, view.Status)

	// Completing the last recipient notifies nobody further.
	require.Eventually(t, func() bool {
		return env.dispatcher.countOf(notification.KIND_CREATED) == 3
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, env.dispatcher.countOf(notification.KIND_COMPLETED))

	// Replayed submission is rejected and the original form data survives.
	_, err = env.engine.Submit(ctx, tokA, map[string]any{"signed": false})
	require.IsType(t, api.ConflictError{}, err)
	stored, err = env.repo.GetById(ctx, session.Id)
	require.NoError(t, err)
	require.Equal(t, formA, stored.RecipientAt(0).FormData)
}

func TestSubmitOutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	session := createSession(t, env, threeRecipients())

	_, err := env.engine.Submit(context.Background(), session.Recipients[2].AccessToken, map[string]any{"x": "y"})
	require.IsType(t, api.ValidationError{}, err)
}

func TestSubmitRejectsNonPrimitiveFormData(t *testing.T) {
	env := newTestEnv(t)
	session := createSession(t, env, threeRecipients())

	_, err := env.engine.Submit(context.Background(), session.Recipients[0].AccessToken,
		map[string]any{"nested": map[string]any{"a": 1}})
	require.IsType(t, api.ValidationError{}, err)
}

func TestSubmitAtMostOnceConcurrent(t *testing.T) {
	env := newTestEnv(t)
	session := createSession(t, env, threeRecipients())
	tok := session.Recipients[0].AccessToken

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.engine.Submit(context.Background(), tok, map[string]any{"n": float64(i)})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			require.IsType(t, api.ConflictError{}, err)
		}
	}
	require.Equal(t, 1, successes)
}

func TestExpireIdempotent(t *testing.T) {
	env := newTestEnv(t)
	session := createSession(t, env, threeRecipients())
	ctx := context.Background()

	// First recipient finishes before the session dies.
	_, err := env.engine.Submit(ctx, session.Recipients[0].AccessToken, map[string]any{"ok": true})
	require.NoError(t, err)

	require.NoError(t, env.engine.Expire(ctx, session.Id))
	stored, err := env.repo.GetById(ctx, session.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_EXPIRED, stored.Status)
	require.Equal(t, model.RECIPIENT_COMPLETED, stored.RecipientAt(0).Status)
	require.Equal(t, model.RECIPIENT_EXPIRED, stored.RecipientAt(1).Status)
	require.Equal(t, model.RECIPIENT_EXPIRED, stored.RecipientAt(2).Status)

	require.Eventually(t, func() bool {
		return env.dispatcher.countOf(notification.KIND_EXPIRED) == 2
	}, time.Second, 10*time.Millisecond)

	// Second expiration is a no-op and re-notifies nobody.
	require.NoError(t, env.engine.Expire(ctx, session.Id))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, env.dispatcher.countOf(notification.KIND_EXPIRED))
}

// hookRepo runs a callback once, right before UpdateSessionStatus commits.
type hookRepo struct {
	*inmem.Repository
	mu                  sync.Mutex
	beforeSessionUpdate func()
}

func (h *hookRepo) UpdateSessionStatus(ctx context.Context, sessionId string, expected model.SessionStatus, next model.SessionStatus, recipientStatuses map[string]model.RecipientStatus) (*model.WorkflowSession, error) {
	h.mu.Lock()
	hook := h.beforeSessionUpdate
	h.beforeSessionUpdate = nil
	h.mu.Unlock()
	if hook != nil {
		hook()
	}
	return h.Repository.UpdateSessionStatus(ctx, sessionId, expected, next, recipientStatuses)
}

func TestExpireKeepsConcurrentlyCompletedRecipient(t *testing.T) {
	repo := &hookRepo{Repository: inmem.NewRepository()}
	dispatcher := &recordingDispatcher{}
	clock := newFakeClock()
	repo.Now = clock.Now
	var wg sync.WaitGroup
	eng := NewSessionEngine(repo, cache.NewSessionCache(), dispatcher, inmem.NewRetryQueue(), &wg, WithClock(clock.Now))
	eng.Start()
	t.Cleanup(eng.Stop)

	ctx := context.Background()
	session, err := eng.Create(ctx, model.CreateSessionRequest{
		DocumentRef: "doc-123",
		Recipients:  threeRecipients(),
	})
	require.NoError(t, err)

	// The first submission commits after Expire read the session but before
	// its status write lands.
	tok := session.Recipients[0].AccessToken
	repo.beforeSessionUpdate = func() {
		_, err := eng.Submit(ctx, tok, map[string]any{"signed": true})
		require.NoError(t, err)
	}
	require.NoError(t, eng.Expire(ctx, session.Id))

	stored, err := repo.GetById(ctx, session.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_EXPIRED, stored.Status)
	require.Equal(t, model.RECIPIENT_COMPLETED, stored.RecipientAt(0).Status)
	require.NotNil(t, stored.RecipientAt(0).CompletedAt)
	require.Equal(t, model.RECIPIENT_EXPIRED, stored.RecipientAt(1).Status)
	require.Equal(t, model.RECIPIENT_EXPIRED, stored.RecipientAt(2).Status)

	// Only the two unfinished recipients hear about the expiration.
	require.Eventually(t, func() bool {
		return dispatcher.countOf(notification.KIND_EXPIRED) == 2
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, dispatcher.countOf(notification.KIND_EXPIRED))
	for _, sent := range dispatcher.all() {
		if sent.Kind == notification.KIND_EXPIRED {
			require.NotEqual(t, 0, sent.OrderIndex)
		}
	}
}

func TestResolveExpiresLazily(t *testing.T) {
	env := newTestEnv(t)
	session := createSession(t, env, threeRecipients())
	ctx := context.Background()

	env.clock.Advance(DefaultExpirationWindow + time.Hour)

	_, err := env.engine.Resolve(ctx, session.Recipients[0].AccessToken)
	require.IsType(t, api.ExpiredError{}, err)

	stored, err := env.repo.GetById(ctx, session.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_EXPIRED, stored.Status)
	for i := range stored.Recipients {
		require.Equal(t, model.RECIPIENT_EXPIRED, stored.Recipients[i].Status)
	}

	// Every token of the dead session now reports expired, not missing.
	for i := range stored.Recipients {
		_, err := env.engine.Resolve(ctx, stored.Recipients[i].AccessToken)
		require.IsType(t, api.ExpiredError{}, err)
	}
}

func TestSubmitAfterExpiration(t *testing.T) {
	env := newTestEnv(t)
	session := createSession(t, env, threeRecipients())
	ctx := context.Background()

	require.NoError(t, env.engine.Expire(ctx, session.Id))
	_, err := env.engine.Submit(ctx, session.Recipients[0].AccessToken, map[string]any{"late": true})
	require.IsType(t, api.ValidationError{}, err)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	session := createSession(t, env, threeRecipients())
	ctx := context.Background()

	require.NoError(t, env.engine.Cancel(ctx, session.Id))
	stored, err := env.repo.GetById(ctx, session.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_CANCELLED, stored.Status)

	// Idempotent for repeat cancels, rejected on other terminal states.
	require.NoError(t, env.engine.Cancel(ctx, session.Id))

	_, err = env.engine.Resolve(ctx, session.Recipients[0].AccessToken)
	require.IsType(t, api.ExpiredError{}, err)
}

func TestFailedDispatchLandsInRetryQueue(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.fail = true
	createSession(t, env, threeRecipients())

	require.Eventually(t, func() bool {
		env.clock.Advance(DefaultNotifyRetryDelay)
		entries, err := env.retryQueue.PopDue(context.Background(), 10)
		require.NoError(t, err)
		return len(entries) == 1
	}, time.Second, 10*time.Millisecond)
}
