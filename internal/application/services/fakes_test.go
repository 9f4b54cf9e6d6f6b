package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/providers"
	"github.com/zatekoja/hisprompt/backend/internal/domain/repositories"
	apperrors "github.com/zatekoja/hisprompt/backend/pkg/errors"
	"github.com/zatekoja/hisprompt/backend/pkg/nethealth"
	"github.com/zatekoja/hisprompt/backend/pkg/optimistic"
	"github.com/zatekoja/hisprompt/backend/pkg/retry"
)

// memPromptRepo is an in-memory PromptRepository with the same CAS
// semantics as the Postgres adapter.
type memPromptRepo struct {
	mu          sync.Mutex
	nextID      int64
	prompts     map[int64]*entities.Prompt
	byHash      map[string]int64
	transitions []*entities.PromptTransition

	// forcedConflicts makes the next N CAS calls fail as if another writer won.
	forcedConflicts int
	casCalls        int
	listErr         error
}

func newMemPromptRepo() *memPromptRepo {
	return &memPromptRepo{
		prompts: make(map[int64]*entities.Prompt),
		byHash:  make(map[string]int64),
	}
}

func (r *memPromptRepo) Create(ctx context.Context, prompt *entities.Prompt) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byHash[prompt.ContentHash]; ok {
		*prompt = *r.prompts[id]
		return false, nil
	}
	r.nextID++
	prompt.ID = r.nextID
	stored := *prompt
	r.prompts[prompt.ID] = &stored
	r.byHash[prompt.ContentHash] = prompt.ID
	return true, nil
}

func (r *memPromptRepo) GetByID(ctx context.Context, id int64) (*entities.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prompts[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("prompt with id %d not found", id))
	}
	cp := *p
	return &cp, nil
}

func (r *memPromptRepo) GetByIDs(ctx context.Context, ids []int64) ([]*entities.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.Prompt
	for _, id := range ids {
		if p, ok := r.prompts[id]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memPromptRepo) FindByContentHash(ctx context.Context, hash string) (*entities.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byHash[hash]
	if !ok {
		return nil, nil
	}
	cp := *r.prompts[id]
	return &cp, nil
}

func (r *memPromptRepo) CompareAndSetStatus(ctx context.Context, id, expectedVersion int64, status entities.PromptStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.casCalls++
	if r.forcedConflicts > 0 {
		r.forcedConflicts--
		return optimistic.ErrVersionConflict
	}
	p, ok := r.prompts[id]
	if !ok || p.Version != expectedVersion {
		return optimistic.ErrVersionConflict
	}
	p.Status = status
	p.Version++
	p.UpdatedAt = at
	return nil
}

func (r *memPromptRepo) List(ctx context.Context, filter repositories.PromptFilter) ([]*entities.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []*entities.Prompt
	for _, p := range r.prompts {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.UpdatedBefore != nil && !p.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		if p.ID <= filter.AfterID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memPromptRepo) CountByStatus(ctx context.Context) (map[entities.PromptStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[entities.PromptStatus]int64)
	for _, p := range r.prompts {
		counts[p.Status]++
	}
	return counts, nil
}

func (r *memPromptRepo) RecordTransition(ctx context.Context, t *entities.PromptTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.transitions = append(r.transitions, &cp)
	return nil
}

func (r *memPromptRepo) ListTransitions(ctx context.Context, promptID int64) ([]*entities.PromptTransition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.PromptTransition
	for _, t := range r.transitions {
		if t.PromptID == promptID {
			out = append(out, t)
		}
	}
	return out, nil
}

// put stores a prompt directly, bypassing the lifecycle.
func (r *memPromptRepo) put(p *entities.Prompt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	if cp.ContentHash == "" {
		cp.ContentHash = fmt.Sprintf("hash-%d", cp.ID)
	}
	r.prompts[cp.ID] = &cp
	r.byHash[cp.ContentHash] = cp.ID
	if cp.ID > r.nextID {
		r.nextID = cp.ID
	}
}

func (r *memPromptRepo) status(id int64) entities.PromptStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prompts[id].Status
}

// memEncryptedRepo is an in-memory EncryptedDataRepository.
type memEncryptedRepo struct {
	mu        sync.Mutex
	records   map[string]*entities.EncryptedDataTemp
	err       error
	pageCalls int
}

func newMemEncryptedRepo(records ...*entities.EncryptedDataTemp) *memEncryptedRepo {
	r := &memEncryptedRepo{records: make(map[string]*entities.EncryptedDataTemp)}
	for _, rec := range records {
		r.records[rec.RequestID] = rec
	}
	return r
}

func (r *memEncryptedRepo) FindByRequestIDs(ctx context.Context, requestIDs []string) (map[string]*entities.EncryptedDataTemp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]*entities.EncryptedDataTemp)
	for _, id := range requestIDs {
		if rec, ok := r.records[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (r *memEncryptedRepo) ListByStatus(ctx context.Context, status entities.EncryptedDataStatus, prefix, after string, limit int) ([]*entities.EncryptedDataTemp, error) {
	return r.page(prefix, after, limit, func(rec *entities.EncryptedDataTemp) bool {
		return rec.Status == status
	})
}

func (r *memEncryptedRepo) ListByPrefix(ctx context.Context, prefix, after string, limit int) ([]*entities.EncryptedDataTemp, error) {
	return r.page(prefix, after, limit, func(*entities.EncryptedDataTemp) bool { return true })
}

// page mirrors the adapter: request id order, keyset cursor, limit.
func (r *memEncryptedRepo) page(prefix, after string, limit int, match func(*entities.EncryptedDataTemp) bool) ([]*entities.EncryptedDataTemp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pageCalls++
	if r.err != nil {
		return nil, r.err
	}
	var out []*entities.EncryptedDataTemp
	for _, rec := range r.records {
		if strings.HasPrefix(rec.RequestID, prefix) && rec.RequestID > after && match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fakeExecutionServer scripts Submit outcomes.
type fakeExecutionServer struct {
	mu       sync.Mutex
	calls    int32
	requests []*providers.ExecutionRequest
	submitFn func(call int) error
	healthy  bool
	healthFn func() (bool, error)
	baseURL  string
	urlErr   error

	// block makes Submit hang until its context ends.
	block bool
}

func (f *fakeExecutionServer) Submit(ctx context.Context, req *providers.ExecutionRequest) error {
	call := atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.submitFn
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fn != nil {
		return fn(int(call))
	}
	return nil
}

func (f *fakeExecutionServer) Health(ctx context.Context) (bool, error) {
	if f.healthFn != nil {
		return f.healthFn()
	}
	return f.healthy, nil
}

func (f *fakeExecutionServer) BaseURL() string { return f.baseURL }

func (f *fakeExecutionServer) SetBaseURL(baseURL string) error {
	if f.urlErr != nil {
		return f.urlErr
	}
	f.baseURL = baseURL
	return nil
}

// recordingNotifier records callbacks synchronously.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []*entities.CallbackData
}

func (n *recordingNotifier) Dispatch(ctx context.Context, data *entities.CallbackData) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := *data
	n.sent = append(n.sent, &cp)
	return true
}

func (n *recordingNotifier) DispatchAsync(ctx context.Context, data *entities.CallbackData) <-chan bool {
	ch := make(chan bool, 1)
	ch <- n.Dispatch(ctx, data)
	close(ch)
	return ch
}

func (n *recordingNotifier) all() []*entities.CallbackData {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*entities.CallbackData(nil), n.sent...)
}

// recordingEventBus records published events.
type recordingEventBus struct {
	mu     sync.Mutex
	events map[string][]*entities.PromptEvent
}

func newRecordingEventBus() *recordingEventBus {
	return &recordingEventBus{events: make(map[string][]*entities.PromptEvent)}
}

func (b *recordingEventBus) Publish(ctx context.Context, channel string, event *entities.PromptEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[channel] = append(b.events[channel], event)
	return nil
}

func (b *recordingEventBus) PublishPromptEvent(ctx context.Context, event *entities.PromptEvent) error {
	for _, channel := range providers.PromptEventChannels(event) {
		if err := b.Publish(ctx, channel, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *recordingEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.PromptEvent, error) {
	return make(chan *entities.PromptEvent), nil
}

func (b *recordingEventBus) Unsubscribe(ctx context.Context, channel string) error { return nil }

func (b *recordingEventBus) Close() error { return nil }

func (b *recordingEventBus) on(channel string) []*entities.PromptEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*entities.PromptEvent(nil), b.events[channel]...)
}

// memCache is an in-memory CacheProvider.
type memCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{items: make(map[string][]byte)}
}

func (c *memCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if !ok {
		return nil, providers.ErrCacheMiss
	}
	return v, nil
}

func (c *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	return nil
}

func (c *memCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func (c *memCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok, nil
}

type lifecycleFixture struct {
	svc      *PromptLifecycleService
	repo     *memPromptRepo
	server   *fakeExecutionServer
	notifier *recordingNotifier
	bus      *recordingEventBus
	health   *nethealth.Tracker
	locks    *optimistic.Coordinator
}

func newLifecycleFixture() *lifecycleFixture {
	repo := newMemPromptRepo()
	server := &fakeExecutionServer{healthy: true, baseURL: "http://exec.test"}
	notifier := &recordingNotifier{}
	bus := newRecordingEventBus()
	health := nethealth.NewTracker(3)

	locks := optimistic.NewCoordinator(optimistic.Config{
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})

	retryCfg := retry.DefaultConfig()
	retryCfg.InitialDelay = time.Millisecond
	retryCfg.MaxDelay = 2 * time.Millisecond
	retrier := retry.NewExecutor(retryCfg)

	svc := NewPromptLifecycleService(repo, server, notifier, bus, locks, retrier, health, nil, "AI_PROMPT_")
	return &lifecycleFixture{
		svc:      svc,
		repo:     repo,
		server:   server,
		notifier: notifier,
		bus:      bus,
		health:   health,
		locks:    locks,
	}
}

func (f *lifecycleFixture) seed(id int64, status entities.PromptStatus, updatedAt time.Time) {
	f.repo.put(&entities.Prompt{
		ID:              id,
		PatientID:       fmt.Sprintf("P%03d", id),
		TemplateName:    "daily",
		TemplateContent: "Summarize the day",
		Status:          status,
		SubmissionTime:  updatedAt,
		Priority:        1,
		UpdatedAt:       updatedAt,
	})
}
