package service

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/rechnio/rechnio-go/internal/core"
	"github.com/rechnio/rechnio-go/internal/data"
	"github.com/rechnio/rechnio-go/internal/domain/model"
	"github.com/rechnio/rechnio-go/internal/storage"
)

// In-memory fakes for the core ports. Each one keeps just enough state for
// the service tests to assert on.

type fakeJobRepo struct {
	mu      sync.Mutex
	seq     int
	jobs    map[string]*model.ScheduledJob
	creds   map[string][]byte
	history []model.JobStatus

	outcomes []recordedOutcome

	listEnabledErr error
}

type recordedOutcome struct {
	jobID    string
	status   string
	counters model.RunCounters
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{
		jobs:  make(map[string]*model.ScheduledJob),
		creds: make(map[string][]byte),
	}
}

func (f *fakeJobRepo) put(job *model.ScheduledJob, creds []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	if creds != nil {
		f.creds[job.ID] = creds
	}
}

func (f *fakeJobRepo) Create(_ context.Context, req model.CreateScheduledJobRequest) (*model.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	job := &model.ScheduledJob{
		ID:           fmt.Sprintf("job-%d", f.seq),
		AccountID:    req.AccountID,
		Name:         req.Name,
		Provider:     req.Provider,
		Bucket:       req.Bucket,
		Prefix:       req.Prefix,
		Pattern:      req.Pattern,
		CronExpr:     req.CronExpr,
		Timezone:     req.Timezone,
		Enabled:      enabled,
		Status:       model.JobStatusActive,
		PostAction:   req.PostAction,
		MoveToFolder: req.MoveToFolder,
	}
	f.jobs[job.ID] = job
	f.creds[job.ID] = []byte(req.Credentials)
	cp := *job
	return &cp, nil
}

func (f *fakeJobRepo) GetByID(_ context.Context, id string) (*model.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, data.ErrScheduledJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobRepo) List(_ context.Context, accountID string, _, _ int) ([]*model.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.ScheduledJob
	for _, job := range f.jobs {
		if job.AccountID == accountID {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) ListEnabled(_ context.Context) ([]*model.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listEnabledErr != nil {
		return nil, f.listEnabledErr
	}
	var out []*model.ScheduledJob
	for _, job := range f.jobs {
		if job.Enabled {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) Update(_ context.Context, id string, req model.UpdateScheduledJobRequest) (*model.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, data.ErrScheduledJobNotFound
	}
	if req.Name != nil {
		job.Name = *req.Name
	}
	if req.CronExpr != nil {
		job.CronExpr = *req.CronExpr
	}
	if req.Timezone != nil {
		job.Timezone = *req.Timezone
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.Pattern != nil {
		job.Pattern = *req.Pattern
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobRepo) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return false, nil
	}
	delete(f.jobs, id)
	return true, nil
}

func (f *fakeJobRepo) SetStatus(_ context.Context, id string, status model.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return data.ErrScheduledJobNotFound
	}
	job.Status = status
	f.history = append(f.history, status)
	return nil
}

func (f *fakeJobRepo) RecordRunOutcome(_ context.Context, id, lastRunStatus string, c model.RunCounters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, recordedOutcome{jobID: id, status: lastRunStatus, counters: c})
	return nil
}

func (f *fakeJobRepo) DecryptedCredentials(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.creds[id]
	if !ok {
		return nil, data.ErrScheduledJobNotFound
	}
	return blob, nil
}

type fakeRunRepo struct {
	mu   sync.Mutex
	seq  int
	runs map[string]*model.JobRun
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: make(map[string]*model.JobRun)}
}

func (f *fakeRunRepo) Create(_ context.Context, jobID string) (*model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, run := range f.runs {
		if run.JobID == jobID && run.Status == model.RunStatusRunning {
			return nil, data.ErrRunInProgress
		}
	}
	f.seq++
	run := &model.JobRun{
		ID:        fmt.Sprintf("run-%d", f.seq),
		JobID:     jobID,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	f.runs[run.ID] = run
	cp := *run
	return &cp, nil
}

func (f *fakeRunRepo) Complete(_ context.Context, id string, c model.RunCounters) (*model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok || run.Status != model.RunStatusRunning {
		return nil, data.ErrRunNotFound
	}
	now := time.Now().UTC()
	run.Status = model.RunStatusCompleted
	run.FilesFound = c.FilesFound
	run.FilesValidated = c.FilesValidated
	run.FilesValid = c.FilesValid
	run.FilesInvalid = c.FilesInvalid
	run.FilesFailed = c.FilesFailed
	run.CompletedAt = &now
	cp := *run
	return &cp, nil
}

func (f *fakeRunRepo) Fail(_ context.Context, id, errorText string) (*model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, data.ErrRunNotFound
	}
	now := time.Now().UTC()
	run.Status = model.RunStatusFailed
	run.ErrorText = &errorText
	run.CompletedAt = &now
	cp := *run
	return &cp, nil
}

func (f *fakeRunRepo) GetByID(_ context.Context, id string) (*model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, data.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRunRepo) ReleaseStale(_ context.Context, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var released int64
	for _, run := range f.runs {
		if run.Status == model.RunStatusRunning {
			run.Status = model.RunStatusFailed
			released++
		}
	}
	return released, nil
}

func (f *fakeRunRepo) ListByJob(_ context.Context, jobID string, _, _ int) ([]*model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.JobRun
	for _, run := range f.runs {
		if run.JobID == jobID {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeFileRepo struct {
	mu    sync.Mutex
	seq   int
	files map[string]*model.ProcessedFile
}

func newFakeFileRepo() *fakeFileRepo {
	return &fakeFileRepo{files: make(map[string]*model.ProcessedFile)}
}

func (f *fakeFileRepo) Create(_ context.Context, runID, remoteKey, name string, size int64) (*model.ProcessedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	rec := &model.ProcessedFile{
		ID:        fmt.Sprintf("file-%d", f.seq),
		RunID:     runID,
		RemoteKey: remoteKey,
		Name:      name,
		Size:      size,
		CreatedAt: time.Now().UTC(),
	}
	f.files[rec.ID] = rec
	cp := *rec
	return &cp, nil
}

func (f *fakeFileRepo) SetOutcome(_ context.Context, id string, outcome model.ValidationOutcome, resultID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.files[id]
	if !ok {
		return data.ErrProcessedFileNotFound
	}
	valid := outcome.Valid
	rec.Valid = &valid
	rec.ErrorCount = outcome.ErrorCount
	rec.WarningCount = outcome.WarningCount
	rec.ValidationResultID = &resultID
	return nil
}

func (f *fakeFileRepo) SetFailure(_ context.Context, id, failureText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.files[id]
	if !ok {
		return data.ErrProcessedFileNotFound
	}
	rec.FailureText = &failureText
	return nil
}

func (f *fakeFileRepo) ListByRun(_ context.Context, runID string) ([]*model.ProcessedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.ProcessedFile
	for _, rec := range f.files {
		if rec.RunID == runID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeResultRepo struct {
	mu      sync.Mutex
	seq     int
	results map[string]*model.ValidationResult
}

func newFakeResultRepo() *fakeResultRepo {
	return &fakeResultRepo{results: make(map[string]*model.ValidationResult)}
}

func (f *fakeResultRepo) Create(_ context.Context, fileName string, outcome model.ValidationOutcome) (*model.ValidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	res := &model.ValidationResult{
		ID:        fmt.Sprintf("result-%d", f.seq),
		FileName:  fileName,
		Valid:     outcome.Valid,
		Errors:    outcome.ErrorCount,
		Warnings:  outcome.WarningCount,
		Details:   outcome.Details,
		CreatedAt: time.Now().UTC(),
	}
	f.results[res.ID] = res
	cp := *res
	return &cp, nil
}

func (f *fakeResultRepo) GetByID(_ context.Context, id string) (*model.ValidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[id]
	if !ok {
		return nil, data.ErrValidationResultNotFound
	}
	cp := *res
	return &cp, nil
}

type fakeSubRepo struct {
	mu   sync.Mutex
	seq  int
	subs map[string]*model.WebhookSubscription

	attempts  int
	successes int
	failures  int
	exhausted int
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{subs: make(map[string]*model.WebhookSubscription)}
}

func (f *fakeSubRepo) put(sub *model.WebhookSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sub
	f.subs[sub.ID] = &cp
}

func (f *fakeSubRepo) Create(_ context.Context, req model.CreateWebhookSubscriptionRequest) (*model.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	secret := req.Secret
	if secret == "" {
		var err error
		secret, err = model.GenerateWebhookSecret()
		if err != nil {
			return nil, err
		}
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	sub := &model.WebhookSubscription{
		ID:            fmt.Sprintf("sub-%d", f.seq),
		AccountID:     req.AccountID,
		URL:           req.URL,
		Events:        req.Events,
		Secret:        secret,
		PayloadFilter: req.PayloadFilter,
		Active:        active,
		CreatedAt:     time.Now().UTC(),
	}
	f.subs[sub.ID] = sub
	cp := *sub
	return &cp, nil
}

func (f *fakeSubRepo) GetByID(_ context.Context, id string) (*model.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, data.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeSubRepo) List(_ context.Context, accountID string, _, _ int) ([]*model.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.WebhookSubscription
	for _, sub := range f.subs {
		if sub.AccountID == accountID {
			cp := *sub
			cp.Secret = ""
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSubRepo) ListActiveByEvent(_ context.Context, eventType model.EventType) ([]*model.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.WebhookSubscription
	for _, sub := range f.subs {
		if sub.Active && sub.SubscribesTo(eventType) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSubRepo) Update(_ context.Context, id string, req model.UpdateWebhookSubscriptionRequest) (*model.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, data.ErrSubscriptionNotFound
	}
	if req.URL != nil {
		sub.URL = *req.URL
	}
	if req.Events != nil {
		sub.Events = req.Events
	}
	if req.PayloadFilter != nil {
		sub.PayloadFilter = req.PayloadFilter
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	cp := *sub
	cp.Secret = ""
	return &cp, nil
}

func (f *fakeSubRepo) RotateSecret(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return "", data.ErrSubscriptionNotFound
	}
	secret, err := model.GenerateWebhookSecret()
	if err != nil {
		return "", err
	}
	sub.Secret = secret
	return secret, nil
}

func (f *fakeSubRepo) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return false, nil
	}
	delete(f.subs, id)
	return true, nil
}

func (f *fakeSubRepo) RecordAttempt(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if sub, ok := f.subs[id]; ok {
		sub.TotalDeliveries++
		sub.LastTriggeredAt = &at
	}
	return nil
}

func (f *fakeSubRepo) MarkSuccess(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
	if sub, ok := f.subs[id]; ok {
		sub.SuccessfulDeliveries++
		sub.LastSucceededAt = &at
	}
	return nil
}

func (f *fakeSubRepo) MarkFailure(_ context.Context, id string, at time.Time, exhausted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	if exhausted {
		f.exhausted++
	}
	if sub, ok := f.subs[id]; ok {
		if exhausted {
			sub.FailedDeliveries++
		}
		sub.LastFailedAt = &at
	}
	return nil
}

type fakeDeliveryRepo struct {
	mu      sync.Mutex
	seq     int
	records map[string]*model.DeliveryAttempt
}

func newFakeDeliveryRepo() *fakeDeliveryRepo {
	return &fakeDeliveryRepo{records: make(map[string]*model.DeliveryAttempt)}
}

func (f *fakeDeliveryRepo) Create(_ context.Context, p core.CreateDeliveryParams) (*model.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	max := p.MaxAttempts
	if max <= 0 {
		max = model.MaxDeliveryAttempts
	}
	rec := &model.DeliveryAttempt{
		ID:             fmt.Sprintf("delivery-%d", f.seq),
		SubscriptionID: p.SubscriptionID,
		EventType:      p.EventType,
		EventID:        p.EventID,
		Payload:        p.Payload,
		Status:         model.DeliveryStatusPending,
		MaxAttempts:    max,
		CreatedAt:      time.Now().UTC(),
	}
	f.records[rec.ID] = rec
	cp := *rec
	return &cp, nil
}

func (f *fakeDeliveryRepo) RecordAttempt(_ context.Context, id string, res core.DeliveryAttemptResult) (*model.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, data.ErrDeliveryNotFound
	}
	if rec.Status.IsTerminal() {
		return nil, data.ErrDeliveryFinalized
	}
	now := time.Now().UTC()
	rec.Status = res.Status
	rec.AttemptCount++
	rec.NextRetryAt = res.NextRetryAt
	rec.ResponseCode = res.ResponseCode
	rec.ResponseBody = res.ResponseBody
	rec.ResponseTimeMs = res.ResponseTimeMs
	rec.ErrorText = res.ErrorText
	rec.LastAttemptAt = &now
	if res.Status.IsTerminal() {
		rec.CompletedAt = &now
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeDeliveryRepo) ClaimDueRetries(_ context.Context, limit int) ([]*model.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var out []*model.DeliveryAttempt
	for _, rec := range f.records {
		if len(out) >= limit && limit > 0 {
			break
		}
		if rec.Status == model.DeliveryStatusRetrying && rec.NextRetryAt != nil && !rec.NextRetryAt.After(now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDeliveryRepo) GetByID(_ context.Context, id string) (*model.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, data.ErrDeliveryNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeDeliveryRepo) ListBySubscription(_ context.Context, subscriptionID string, _, _ int) ([]*model.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.DeliveryAttempt
	for _, rec := range f.records {
		if rec.SubscriptionID == subscriptionID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeSubCache struct {
	mu          sync.Mutex
	entries     map[model.EventType][]*model.WebhookSubscription
	sets        int
	hits        int
	invalidated int
}

func newFakeSubCache() *fakeSubCache {
	return &fakeSubCache{entries: make(map[model.EventType][]*model.WebhookSubscription)}
}

func (f *fakeSubCache) GetByEvent(_ context.Context, eventType model.EventType) ([]*model.WebhookSubscription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs, ok := f.entries[eventType]
	if ok {
		f.hits++
	}
	return subs, ok
}

func (f *fakeSubCache) SetByEvent(_ context.Context, eventType model.EventType, subs []*model.WebhookSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[eventType] = subs
	f.sets++
	return nil
}

func (f *fakeSubCache) Invalidate(_ context.Context, eventTypes ...model.EventType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, et := range eventTypes {
		delete(f.entries, et)
	}
	f.invalidated++
	return nil
}

func (f *fakeSubCache) InvalidateAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[model.EventType][]*model.WebhookSubscription)
	f.invalidated++
	return nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []model.WebhookEvent
}

func (f *fakeEmitter) Emit(_ context.Context, event model.WebhookEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEmitter) byType(t model.EventType) []model.WebhookEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.WebhookEvent
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeStorageClient struct {
	mu sync.Mutex

	objects      []storage.ObjectInfo
	contents     map[string][]byte
	listErr      error
	downloadErrs map[string]error
	testErr      error

	deleted []string
	moved   map[string]string
}

func newFakeStorageClient() *fakeStorageClient {
	return &fakeStorageClient{
		contents:     make(map[string][]byte),
		downloadErrs: make(map[string]error),
		moved:        make(map[string]string),
	}
}

func (f *fakeStorageClient) addObject(key string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects = append(f.objects, storage.ObjectInfo{
		Key:  key,
		Name: path.Base(key),
		Size: int64(len(content)),
	})
	f.contents[key] = content
}

func (f *fakeStorageClient) TestConnection(_ context.Context, _ string) error {
	return f.testErr
}

func (f *fakeStorageClient) List(_ context.Context, _, _, pattern string) ([]storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []storage.ObjectInfo
	for _, obj := range f.objects {
		if storage.MatchesPattern(pattern, obj.Key) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *fakeStorageClient) Download(_ context.Context, _, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.downloadErrs[key]; ok {
		return nil, err
	}
	content, ok := f.contents[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return content, nil
}

func (f *fakeStorageClient) Delete(_ context.Context, _, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeStorageClient) Move(_ context.Context, _, sourceKey, destKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moved[sourceKey] = destKey
	return nil
}

type fakeTriggerQueue struct {
	mu        sync.Mutex
	submitted int
	err       error
	inline    bool
}

func (f *fakeTriggerQueue) Submit(fn func(ctx context.Context)) error {
	f.mu.Lock()
	if f.err != nil {
		defer f.mu.Unlock()
		return f.err
	}
	f.submitted++
	inline := f.inline
	f.mu.Unlock()
	if inline {
		fn(context.Background())
	}
	return nil
}
