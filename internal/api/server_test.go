package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/config"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/idempotency"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/records"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/store"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/webhookverify"
)

type fakeStore struct {
	mu         sync.Mutex
	jobs       map[string]models.Job
	eps        []models.Endpoint
	links      map[string]string
	deliveries map[string]models.Delivery
	records    []models.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]models.Job{}, links: map[string]string{}, deliveries: map[string]models.Delivery{}}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := models.Job{ID: fmt.Sprintf("job-%d", len(f.jobs)+1), Kind: p.Kind, Owner: p.Owner, Payload: p.Payload, Status: models.StatusQueued, MaxAttempts: p.MaxAttempts}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	return j, nil
}

func (f *fakeStore) ListDeadJobs(_ context.Context, owner string, _ int) ([]models.Job, error) {
	var out []models.Job
	for _, j := range f.jobs {
		if j.Owner == owner && j.DeadLetter {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) RequeueDeadJob(_ context.Context, owner, id string, extra int) (models.Job, error) {
	j, ok := f.jobs[id]
	if !ok || j.Owner != owner || !j.DeadLetter {
		return models.Job{}, fmt.Errorf("%w: dead-lettered job %s", models.ErrNotFound, id)
	}
	j.DeadLetter, j.Status, j.MaxAttempts = false, models.StatusQueued, j.Attempts+extra
	f.jobs[id] = j
	return j, nil
}

func (f *fakeStore) CreateEndpoint(_ context.Context, ep models.Endpoint) (models.Endpoint, error) {
	ep.ID = fmt.Sprintf("ep-%d", len(f.eps)+1)
	ep.Active = true
	f.eps = append(f.eps, ep)
	return ep, nil
}

func (f *fakeStore) ListEndpoints(_ context.Context, owner string) ([]models.Endpoint, error) {
	var out []models.Endpoint
	for _, ep := range f.eps {
		if ep.Owner == owner {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (f *fakeStore) DeactivateEndpoint(_ context.Context, owner, id string) error {
	for i, ep := range f.eps {
		if ep.ID == id && ep.Owner == owner {
			f.eps[i].Active = false
			return nil
		}
	}
	return fmt.Errorf("%w: endpoint %s", models.ErrNotFound, id)
}

func (f *fakeStore) OwnerForExternalID(_ context.Context, provider, externalID string) (string, error) {
	owner, ok := f.links[provider+"/"+externalID]
	if !ok {
		return "", fmt.Errorf("%w: provider link", models.ErrNotFound)
	}
	return owner, nil
}

func (f *fakeStore) GetDelivery(_ context.Context, id string) (models.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[id]
	if !ok {
		return models.Delivery{}, fmt.Errorf("%w: delivery %s", models.ErrNotFound, id)
	}
	return d, nil
}

func (f *fakeStore) CreateRecord(_ context.Context, rec models.Record) (models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = fmt.Sprintf("rec-%d", len(f.records)+1)
	rec.Version = 1
	f.records = append(f.records, rec)
	return rec, nil
}

type fakePresence struct {
	events []records.PresenceEvent
}

func (f *fakePresence) Heartbeat(_ context.Context, _, actor string) ([]string, error) {
	return []string{actor}, nil
}

func (f *fakePresence) Leave(context.Context, string, string) error { return nil }

func (f *fakePresence) List(context.Context, string) ([]string, error) { return nil, nil }

func (f *fakePresence) Events(context.Context, string) (<-chan records.PresenceEvent, error) {
	ch := make(chan records.PresenceEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type memLedger struct {
	mu   sync.Mutex
	rows map[string]bool
}

func (l *memLedger) InsertInboundEvent(_ context.Context, provider, hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rows[provider+hash] {
		return fmt.Errorf("%w: inbound event", models.ErrConflict)
	}
	l.rows[provider+hash] = true
	return nil
}

func (l *memLedger) DeleteInboundEvent(_ context.Context, provider, hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows, provider+hash)
	return nil
}

type acceptAll struct{}

func (acceptAll) Verify(_ context.Context, raw []byte, h http.Header) (webhookverify.VerifiedEvent, error) {
	if h.Get("Plaid-Verification") == "bad" {
		return webhookverify.VerifiedEvent{}, webhookverify.ErrRejected
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return webhookverify.VerifiedEvent{}, webhookverify.ErrRejected
	}
	return webhookverify.VerifiedEvent{Payload: payload, Raw: raw, Digest: idempotency.Digest(raw), KeyID: "k1"}, nil
}

type countingFanout struct {
	mu     sync.Mutex
	events []string
	fail   int
}

func (c *countingFanout) Enqueue(_ context.Context, owner, event string, _ json.RawMessage) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return 0, fmt.Errorf("%w: insert deliveries", models.ErrStorage)
	}
	c.events = append(c.events, owner+":"+event)
	return 1, nil
}

type fixedRunner struct {
	n     int
	batch int
}

func (f *fixedRunner) RunOnce(_ context.Context, batch int) (int, error) {
	f.batch = batch
	return f.n, nil
}

type fakeRecords struct {
	rec models.Record
}

func (f *fakeRecords) Get(_ context.Context, owner, id string) (models.Record, error) {
	if id != f.rec.ID || owner != f.rec.Owner {
		return models.Record{}, fmt.Errorf("%w: record %s", models.ErrNotFound, id)
	}
	return f.rec, nil
}

func (f *fakeRecords) Update(ctx context.Context, owner, id string, patch map[string]any, ifVersion int64, _ string) (models.Record, error) {
	if _, err := f.Get(ctx, owner, id); err != nil {
		return models.Record{}, err
	}
	if ifVersion != f.rec.Version {
		return models.Record{}, &records.ConflictError{Current: f.rec}
	}
	fields, v := records.Apply(f.rec.Fields, patch)
	if v != nil {
		f.rec.Fields = fields
		f.rec.Version++
	}
	return f.rec, nil
}

func (f *fakeRecords) Revert(ctx context.Context, owner, id, _ string, ifVersion int64, actor string) (models.Record, error) {
	return f.Update(ctx, owner, id, map[string]any{"reverted": true}, ifVersion, actor)
}

func (f *fakeRecords) Versions(context.Context, string, string) ([]models.Version, error) {
	return nil, nil
}

type testEnv struct {
	srv      http.Handler
	store    *fakeStore
	fanout   *countingFanout
	ledger   *memLedger
	jobs     *fixedRunner
	records  *fakeRecords
	presence *fakePresence
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := newFakeStore()
	st.links["plaid/item-1"] = "u1"
	env := &testEnv{
		store:   st,
		fanout:  &countingFanout{},
		ledger:  &memLedger{rows: map[string]bool{}},
		jobs:    &fixedRunner{n: 3},
		records: &fakeRecords{rec: models.Record{ID: "r1", Owner: "u1", Fields: map[string]any{"total": 1.0}, Version: 1}},
		presence: &fakePresence{events: []records.PresenceEvent{
			{Type: records.PresenceJoin, RecordID: "r1", Actor: "alice"},
			{Type: records.PresenceLeave, RecordID: "r1", Actor: "alice"},
		}},
	}
	cfg := config.Config{CronSecret: "s3cret", JobBatchSize: 10, DeliveryBatchSize: 25, JobMaxAttempts: 5, ExportLinkTTL: time.Hour}
	env.srv = New(cfg, Deps{
		Store:      st,
		Jobs:       env.jobs,
		Deliveries: &fixedRunner{},
		Verifiers:  map[string]Verifier{"plaid": acceptAll{}},
		Guard:      idempotency.NewGuard(env.ledger),
		Fanout:     env.fanout,
		Records:    env.records,
		Presence:   env.presence,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}).Router()
	return env
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func TestRunTrigger_RequiresSecret(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(http.MethodPost, "/internal/jobs/run", nil, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("no secret: %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/internal/jobs/run", nil, map[string]string{"x-cron-secret": "nope"}); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong secret: %d", rec.Code)
	}

	rec := env.do(http.MethodPost, "/internal/jobs/run?batch=7", nil, map[string]string{"x-cron-secret": "s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp runResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.OK || resp.Processed != 3 || env.jobs.batch != 7 {
		t.Fatalf("resp=%+v batch=%d", resp, env.jobs.batch)
	}
}

func TestWebhook_ReplayIsDeduped(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"webhook_type":"TRANSACTIONS","webhook_code":"SYNC_UPDATES_AVAILABLE","item_id":"item-1"}`)

	first := env.do(http.MethodPost, "/webhooks/plaid", body, nil)
	second := env.do(http.MethodPost, "/webhooks/plaid", body, nil)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("codes %d %d", first.Code, second.Code)
	}
	var r1, r2 map[string]any
	_ = json.Unmarshal(first.Body.Bytes(), &r1)
	_ = json.Unmarshal(second.Body.Bytes(), &r2)
	if r1["ok"] != true || r1["deduped"] != nil {
		t.Fatalf("first = %v", r1)
	}
	if r2["ok"] != true || r2["deduped"] != true {
		t.Fatalf("second = %v", r2)
	}
	if len(env.fanout.events) != 1 || env.fanout.events[0] != "u1:plaid.transactions.sync_updates_available" {
		t.Fatalf("side effects = %v", env.fanout.events)
	}
}

func TestWebhook_RejectedBeforeLedger(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/webhooks/plaid", []byte(`{"item_id":"item-1"}`), map[string]string{"Plaid-Verification": "bad"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	if len(env.ledger.rows) != 0 {
		t.Fatalf("rejected body reached the ledger")
	}
	if rec := env.do(http.MethodPost, "/webhooks/unknown", []byte(`{}`), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown provider: %d", rec.Code)
	}
}

func TestWebhook_FailedActionIsRetriedByProvider(t *testing.T) {
	env := newTestEnv(t)
	env.fanout.fail = 1
	body := []byte(`{"webhook_type":"ITEM","webhook_code":"ERROR","item_id":"item-1"}`)

	if rec := env.do(http.MethodPost, "/webhooks/plaid", body, nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("first status %d", rec.Code)
	}
	rec := env.do(http.MethodPost, "/webhooks/plaid", body, nil)
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp["deduped"] != nil {
		t.Fatalf("retry: %d %v", rec.Code, resp)
	}
	if len(env.fanout.events) != 1 {
		t.Fatalf("events = %v", env.fanout.events)
	}
}

func TestPatchRecord_ConflictReturnsCurrent(t *testing.T) {
	env := newTestEnv(t)
	owner := map[string]string{ownerHeader: "u1"}

	rec := env.do(http.MethodPatch, "/records/r1", map[string]any{"patch": map[string]any{"total": 2.0}, "ifVersion": 1}, owner)
	if rec.Code != http.StatusOK {
		t.Fatalf("first patch: %d %s", rec.Code, rec.Body)
	}

	rec = env.do(http.MethodPatch, "/records/r1", map[string]any{"patch": map[string]any{"total": 3.0}, "ifVersion": 1}, owner)
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale patch: %d", rec.Code)
	}
	var conflict conflictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &conflict); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conflict.Current.Version != 2 || conflict.Current.Fields["total"] != 2.0 {
		t.Fatalf("current = %+v", conflict.Current)
	}

	if rec := env.do(http.MethodPatch, "/records/r1", map[string]any{"patch": map[string]any{"total": 3.0}}, owner); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing ifVersion: %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/records/r1", nil, map[string]string{ownerHeader: "u2"}); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign owner: %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/records/r1", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no owner: %d", rec.Code)
	}
}

func TestJobs_CreateAndFetch(t *testing.T) {
	env := newTestEnv(t)
	owner := map[string]string{ownerHeader: "u1"}

	bad := env.do(http.MethodPost, "/jobs", map[string]any{"kind": "document", "payload": map[string]any{"record_id": "r1"}}, owner)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("invalid payload: %d", bad.Code)
	}
	if rec := env.do(http.MethodPost, "/jobs", map[string]any{"kind": "nope"}, owner); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind: %d", rec.Code)
	}

	rec := env.do(http.MethodPost, "/jobs", map[string]any{"kind": "export", "payload": map[string]any{"format": "csv"}}, owner)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var created jobResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Job.Owner != "u1" || created.Job.MaxAttempts != 5 || created.Job.Status != models.StatusQueued {
		t.Fatalf("job = %+v", created.Job)
	}

	if rec := env.do(http.MethodGet, "/jobs/"+created.Job.ID, nil, owner); rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/jobs/"+created.Job.ID, nil, map[string]string{ownerHeader: "u2"}); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign get: %d", rec.Code)
	}
}

func TestRecords_CreateQueuesDocumentJob(t *testing.T) {
	env := newTestEnv(t)
	owner := map[string]string{ownerHeader: "u1"}

	if rec := env.do(http.MethodPost, "/records", map[string]any{"title": "Receipt"}, owner); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing object_key: %d", rec.Code)
	}

	rec := env.do(http.MethodPost, "/records", map[string]any{"title": "Receipt", "object_key": "uploads/u1/a.png", "mime_type": "image/png"}, owner)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var resp createRecordResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Record.Owner != "u1" || resp.Record.Version != 1 || resp.Record.ObjectKey == nil || *resp.Record.ObjectKey != "uploads/u1/a.png" {
		t.Fatalf("record = %+v", resp.Record)
	}
	if resp.Job.Kind != models.KindDocument || resp.Job.Owner != "u1" || resp.Job.MaxAttempts != 5 {
		t.Fatalf("job = %+v", resp.Job)
	}
	var p models.DocumentPayload
	if err := json.Unmarshal(resp.Job.Payload, &p); err != nil || p.RecordID != resp.Record.ID || p.ObjectKey != "uploads/u1/a.png" || p.MimeType != "image/png" {
		t.Fatalf("payload = %s (%v)", resp.Job.Payload, err)
	}
}

func TestDeliveries_GetIsOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	env.store.deliveries["d1"] = models.Delivery{ID: "d1", EndpointID: "ep1", Owner: "u1", Event: "export.completed", Status: models.DeliveryQueued, Attempts: 2}

	rec := env.do(http.MethodGet, "/deliveries/d1", nil, map[string]string{ownerHeader: "u1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body)
	}
	var d models.Delivery
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil || d.Attempts != 2 || d.Status != models.DeliveryQueued {
		t.Fatalf("delivery = %+v (%v)", d, err)
	}
	if rec := env.do(http.MethodGet, "/deliveries/d1", nil, map[string]string{ownerHeader: "u2"}); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign owner: %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/deliveries/nope", nil, map[string]string{ownerHeader: "u1"}); rec.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", rec.Code)
	}
}

func TestPresence_EventStream(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/records/r1/presence/events", nil, map[string]string{ownerHeader: "u1"})
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("stream: %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	body := rec.Body.String()
	join := strings.Index(body, "event: join\ndata: ")
	leave := strings.Index(body, "event: leave\ndata: ")
	if join < 0 || leave < join || !strings.Contains(body, `"actor":"alice"`) {
		t.Fatalf("body = %q", body)
	}
	if rec := env.do(http.MethodGet, "/records/r1/presence/events", nil, map[string]string{ownerHeader: "u2"}); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign owner: %d", rec.Code)
	}
}

func TestJobs_RequeueDead(t *testing.T) {
	env := newTestEnv(t)
	env.store.jobs["j9"] = models.Job{ID: "j9", Kind: models.KindExport, Owner: "u1", Status: models.StatusError, DeadLetter: true, Attempts: 5, MaxAttempts: 5}
	owner := map[string]string{ownerHeader: "u1"}

	rec := env.do(http.MethodGet, "/jobs/dead", nil, owner)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"j9"`)) {
		t.Fatalf("dead list: %d %s", rec.Code, rec.Body)
	}
	rec = env.do(http.MethodPost, "/jobs/j9/requeue", nil, owner)
	var resp jobResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp.Job.DeadLetter || resp.Job.Attempts != 5 || resp.Job.MaxAttempts != 10 {
		t.Fatalf("requeue: %d %+v", rec.Code, resp.Job)
	}
	if rec := env.do(http.MethodPost, "/jobs/j9/requeue", nil, owner); rec.Code != http.StatusNotFound {
		t.Fatalf("second requeue: %d", rec.Code)
	}
}

func TestEndpoints_SecretShownOnce(t *testing.T) {
	env := newTestEnv(t)
	owner := map[string]string{ownerHeader: "u1"}

	if rec := env.do(http.MethodPost, "/endpoints", map[string]any{"url": "ftp://x", "events": []string{"a"}}, owner); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad url: %d", rec.Code)
	}
	rec := env.do(http.MethodPost, "/endpoints", map[string]any{"url": "https://hooks.example.com/in", "events": []string{"export.completed", "export.completed"}}, owner)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var ep models.Endpoint
	_ = json.Unmarshal(rec.Body.Bytes(), &ep)
	if len(ep.Secret) < 20 || len(ep.Events) != 1 {
		t.Fatalf("endpoint = %+v", ep)
	}

	rec = env.do(http.MethodGet, "/endpoints", nil, owner)
	if bytes.Contains(rec.Body.Bytes(), []byte(ep.Secret)) {
		t.Fatalf("secret leaked in listing")
	}
	if rec := env.do(http.MethodDelete, "/endpoints/"+ep.ID, nil, owner); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := env.do(http.MethodDelete, "/endpoints/"+ep.ID, nil, map[string]string{ownerHeader: "u2"}); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign delete: %d", rec.Code)
	}
}

func TestWriteError_OpaqueInternal(t *testing.T) {
	s := New(config.Config{}, Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	rec := httptest.NewRecorder()
	s.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: password authentication failed"))
	if rec.Code != http.StatusInternalServerError || bytes.Contains(rec.Body.Bytes(), []byte("password")) {
		t.Fatalf("internal error leaked: %d %s", rec.Code, rec.Body)
	}
}
