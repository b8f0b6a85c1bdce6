package booking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/workcomp-booking/internal/callinghours"
	"github.com/wolfman30/workcomp-booking/internal/directory"
	"github.com/wolfman30/workcomp-booking/internal/voice"
	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// fakePlacer hands out call-1, call-2, ... and fails with queued errors first.
type fakePlacer struct {
	mu   sync.Mutex
	n    int
	errs []error
	reqs []voice.CreateCallRequest
}

func (f *fakePlacer) CreatePhoneCall(ctx context.Context, req voice.CreateCallRequest) (*voice.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.n++
	return &voice.Call{CallID: fmt.Sprintf("call-%d", f.n), CallStatus: "registered", AgentID: req.AgentID}, nil
}

func (f *fakePlacer) failNext(errs ...error) {
	f.mu.Lock()
	f.errs = append(f.errs, errs...)
	f.mu.Unlock()
}

func (f *fakePlacer) placed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *fakePlacer) request(i int) voice.CreateCallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

type recordingNotifier struct {
	mu       sync.Mutex
	finished []*Workflow
}

func (r *recordingNotifier) WorkflowFinished(ctx context.Context, wf *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, wf)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finished)
}

type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memoryDeduper) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[provider+"/"+eventID], nil
}

func (d *memoryDeduper) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	key := provider + "/" + eventID
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

type harness struct {
	clock    *fakeClock
	store    *MemoryStore
	dir      *directory.MemoryDirectory
	placer   *fakePlacer
	notifier *recordingNotifier
	o        *Orchestrator
	p        *Processor
	s        *Sweeper
}

// inHours is a Tuesday afternoon, inside the 08:00-20:00 UTC test window.
var inHours = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets a test put a wrapper between the orchestrator and the
// memory store; h.store stays the underlying store.
func newHarnessWith(t *testing.T, wrap func(Repository) Repository) *harness {
	t.Helper()
	clock := &fakeClock{t: inHours}
	hours, err := callinghours.Parse("08:00", "20:00", "UTC")
	if err != nil {
		t.Fatalf("calling hours: %v", err)
	}

	store := NewMemoryStore(DefaultLimits())
	store.SetClock(clock.Now)

	dir := directory.NewMemoryDirectory()
	dir.PutIncident(directory.Incident{
		ID:                "42",
		WorkerName:        "Dana Reyes",
		WorkerPhone:       "(555) 010-2000",
		EmployerName:      "Acme Freight",
		InjuryDescription: "sprained wrist",
	})
	dir.PutIncident(directory.Incident{
		ID:           "43",
		WorkerName:   "Sam Ortiz",
		WorkerPhone:  "555-010-2001",
		EmployerName: "Acme Freight",
	})
	for i, name := range []string{"Harbor Occupational Health", "Bayside Clinic", "Northgate Medical", "Riverside Urgent Care"} {
		dir.PutMedicalCenter(directory.MedicalCenter{
			ID:      fmt.Sprintf("C%d", i+1),
			Name:    name,
			Phone:   fmt.Sprintf("555-010-300%d", i),
			Doctors: []directory.Doctor{{ID: "d-1", Name: "Dr. Patel"}},
		})
	}

	placer := &fakePlacer{}
	disp, err := NewDispatcher(DispatcherConfig{
		Voice:      placer,
		Phones:     voice.NewCountryNormalizer("1"),
		FromNumber: "+15550001111",
		Agents:     Agents{MedicalCenter: "agent-mc", Patient: "agent-patient"},
		Logger:     logging.Default(),
	})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	var repo Repository = store
	if wrap != nil {
		repo = wrap(store)
	}
	notifier := &recordingNotifier{}
	o, err := NewOrchestrator(Config{
		Store:      repo,
		Directory:  dir,
		Dispatcher: disp,
		Hours:      hours,
		Notifier:   notifier,
		Logger:     logging.Default(),
		Now:        clock.Now,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return &harness{
		clock:    clock,
		store:    store,
		dir:      dir,
		placer:   placer,
		notifier: notifier,
		o:        o,
		p:        NewProcessor(o, nil),
		s:        NewSweeper(o, 10),
	}
}

func (h *harness) initiate(t *testing.T, incidentID, centerID string) *Workflow {
	t.Helper()
	res, err := h.o.Initiate(context.Background(), InitiateRequest{
		IncidentID:       incidentID,
		MedicalCenterID:  centerID,
		DoctorPreference: string(AnyDoctor),
	})
	if err != nil {
		t.Fatalf("initiate %s/%s: %v", incidentID, centerID, err)
	}
	return res.Workflow
}

func (h *harness) get(t *testing.T, wf *Workflow) *Workflow {
	t.Helper()
	got, err := h.store.Get(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get %s: %v", wf.ID, err)
	}
	return got
}

func (h *harness) deliver(t *testing.T, evt voice.WebhookEvent) EventResult {
	t.Helper()
	res, err := h.p.HandleCallEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("handle %s %s: %v", evt.Event, evt.Call.CallID, err)
	}
	return res
}

func (h *harness) sweep(t *testing.T) SweepResult {
	t.Helper()
	res, err := h.s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	return res
}

func ended(callID, reason string) voice.WebhookEvent {
	return voice.WebhookEvent{
		Event: voice.EventCallEnded,
		Call: voice.CallPayload{
			CallID:              callID,
			CallStatus:          "ended",
			DurationMS:          42000,
			DisconnectionReason: reason,
		},
	}
}

func analyzed(callID string, custom map[string]any) voice.WebhookEvent {
	return voice.WebhookEvent{
		Event: voice.EventCallAnalyzed,
		Call: voice.CallPayload{
			CallID:              callID,
			CallStatus:          "ended",
			DurationMS:          95000,
			DisconnectionReason: "agent_hangup",
			Analysis:            &voice.CallAnalysis{CustomData: custom},
		},
	}
}

// completeWorkflow drives a fresh workflow for incident 42 through all three legs.
func (h *harness) completeWorkflow(t *testing.T) *Workflow {
	t.Helper()
	wf := h.initiate(t, "42", "C1")
	h.deliver(t, analyzed("call-1", map[string]any{"available_times": []any{"Mon 9am", "Tue 2pm"}}))
	h.deliver(t, analyzed("call-2", map[string]any{"selected_time": "Tue 2pm"}))
	h.deliver(t, analyzed("call-3", map[string]any{"booking_confirmed": true}))
	got := h.get(t, wf)
	if got.Status != StatusCompleted {
		t.Fatalf("status=%s want completed", got.Status)
	}
	return got
}

// hookedStore runs a one-shot hook before the next call of a store method,
// which lets a test interleave a second handler at an exact point.
type hookedStore struct {
	Repository
	mu            sync.Mutex
	beforeOutcome func()
	callStartErrs []error
}

func (s *hookedStore) RecordCallOutcome(ctx context.Context, id uuid.UUID, res CallResult) (*Workflow, error) {
	s.mu.Lock()
	hook := s.beforeOutcome
	s.beforeOutcome = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.Repository.RecordCallOutcome(ctx, id, res)
}

func (s *hookedStore) RecordCallStart(ctx context.Context, id uuid.UUID, from Status, start CallStart) (*Workflow, *CallRecord, error) {
	s.mu.Lock()
	var err error
	if len(s.callStartErrs) > 0 {
		err, s.callStartErrs = s.callStartErrs[0], s.callStartErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return s.Repository.RecordCallStart(ctx, id, from, start)
}

func newHookedHarness(t *testing.T) (*harness, *hookedStore) {
	t.Helper()
	hooked := &hookedStore{}
	h := newHarnessWith(t, func(r Repository) Repository {
		hooked.Repository = r
		return hooked
	})
	return h, hooked
}
