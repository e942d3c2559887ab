package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/deskflow/helpdesk/internal/clock"
	"github.com/deskflow/helpdesk/internal/coordinator"
	"github.com/deskflow/helpdesk/internal/domain"
	"github.com/deskflow/helpdesk/internal/events"
	"github.com/deskflow/helpdesk/internal/lifecycle"
	"github.com/deskflow/helpdesk/internal/session"
	"github.com/deskflow/helpdesk/internal/transport"
	apperrors "github.com/deskflow/helpdesk/pkg/util"
)

var (
	alice = domain.User{ID: "u-alice", Name: "Alice", Role: domain.RoleUser}
	bob   = domain.User{ID: "u-bob", Name: "Bob", Role: domain.RoleUser}
	mod   = domain.User{ID: "u-mod", Name: "Morgan", Role: domain.RoleModerator}
)

// fakeService is a small in-process ticket API. The bearer token is the
// user id.
type fakeService struct {
	t  *testing.T
	mu sync.Mutex

	users   map[string]domain.User
	tickets map[string]domain.Ticket
	order   []string
	hits    map[string]int
	now     time.Time

	failList   bool
	failStatus bool
	getGate    chan struct{}
	getEntered chan struct{}
}

func newFakeService(t *testing.T) *fakeService {
	return &fakeService{
		t:       t,
		users:   map[string]domain.User{alice.ID: alice, bob.ID: bob, mod.ID: mod},
		tickets: map[string]domain.Ticket{},
		hits:    map[string]int{},
		now:     time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

func (f *fakeService) tick() time.Time {
	f.now = f.now.Add(time.Minute)
	return f.now
}

func (f *fakeService) seed(creator domain.User, title string) domain.Ticket {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	ticket := lifecycle.NewTicket(id, creator.Actor(), domain.TicketInput{
		Title:       title,
		Description: "seeded for tests",
		Category:    domain.TicketCategoryHardware,
		Department:  "IT",
	}, nil, f.tick())
	f.tickets[id] = ticket
	f.order = append(f.order, id)
	return ticket
}

func (f *fakeService) put(ticket domain.Ticket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tickets[ticket.ID]; !ok {
		f.order = append(f.order, ticket.ID)
	}
	f.tickets[ticket.ID] = ticket
}

func (f *fakeService) hitCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[key]
}

func (f *fakeService) resetHits() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits = map[string]int{}
}

func (f *fakeService) totalHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.hits {
		total += n
	}
	return total
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tickets", f.list)
	mux.HandleFunc("POST /api/tickets", f.create)
	mux.HandleFunc("GET /api/tickets/{id}", f.get)
	mux.HandleFunc("PUT /api/tickets/{id}", f.update)
	mux.HandleFunc("DELETE /api/tickets/{id}", f.remove)
	mux.HandleFunc("PATCH /api/tickets/{id}/status", f.status)
	mux.HandleFunc("PATCH /api/tickets/{id}/assign", f.assign)
	mux.HandleFunc("POST /api/tickets/{id}/comments", f.comment)
	mux.HandleFunc("DELETE /api/tickets/{id}/attachments/{aid}", f.deleteAttachment)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.Method+" "+strings.TrimPrefix(r.URL.Path, "/api")]++
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
}

func (f *fakeService) actor(r *http.Request) (domain.Actor, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[token]
	return user.Actor(), ok
}

func writeData(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func writeErr(w http.ResponseWriter, err error) {
	domainErr := apperrors.ToDomainError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(domainErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
		"code": domainErr.Code, "message": domainErr.Message,
	}})
}

// serverNative renders a ticket with "_id" instead of "id".
func serverNative(t domain.Ticket) map[string]any {
	raw, _ := json.Marshal(t)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	m["_id"] = m["id"]
	delete(m, "id")
	return m
}

func (f *fakeService) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	fail := f.failList
	out := make([]domain.Ticket, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.tickets[id])
	}
	f.mu.Unlock()
	if fail {
		writeErr(w, apperrors.NewDomainError(apperrors.CodeServerError, "database offline", http.StatusServiceUnavailable, nil))
		return
	}
	writeData(w, http.StatusOK, out)
}

func (f *fakeService) get(w http.ResponseWriter, r *http.Request) {
	if f.getEntered != nil {
		f.getEntered <- struct{}{}
	}
	if f.getGate != nil {
		<-f.getGate
	}
	f.mu.Lock()
	ticket, ok := f.tickets[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		writeErr(w, apperrors.NewNotFound("ticket", nil))
		return
	}
	writeData(w, http.StatusOK, serverNative(ticket))
}

func (f *fakeService) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := f.actor(r)
	if !ok {
		writeErr(w, apperrors.NewUnauthorized("missing token"))
		return
	}
	var in domain.TicketInput
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&in))
	if err := domain.ValidateTicketInput(in); err != nil {
		writeErr(w, err)
		return
	}
	f.mu.Lock()
	ticket := lifecycle.NewTicket(uuid.NewString(), actor, in, nil, f.tick())
	f.tickets[ticket.ID] = ticket
	f.order = append([]string{ticket.ID}, f.order...)
	f.mu.Unlock()
	writeData(w, http.StatusCreated, ticket)
}

func (f *fakeService) mutate(w http.ResponseWriter, r *http.Request, apply func(domain.Actor, domain.Ticket, time.Time) (domain.Ticket, error)) {
	actor, ok := f.actor(r)
	if !ok {
		writeErr(w, apperrors.NewUnauthorized("missing token"))
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ticket, found := f.tickets[r.PathValue("id")]
	if !found {
		writeErr(w, apperrors.NewNotFound("ticket", nil))
		return
	}
	next, err := apply(actor, ticket, f.tick())
	if err != nil {
		writeErr(w, err)
		return
	}
	f.tickets[next.ID] = next
	writeData(w, http.StatusOK, next)
}

func (f *fakeService) update(w http.ResponseWriter, r *http.Request) {
	var patch domain.TicketPatch
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&patch))
	f.mutate(w, r, func(a domain.Actor, t domain.Ticket, now time.Time) (domain.Ticket, error) {
		return lifecycle.ApplyEdit(a, t, patch, nil, now)
	})
}

func (f *fakeService) status(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	fail := f.failStatus
	f.mu.Unlock()
	if fail {
		writeErr(w, apperrors.NewDomainError(apperrors.CodeServerError, "boom", http.StatusInternalServerError, nil))
		return
	}
	var body statusBody
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	f.mutate(w, r, func(a domain.Actor, t domain.Ticket, now time.Time) (domain.Ticket, error) {
		return lifecycle.ApplyStatusChange(a, t, body.Status, body.Comment, now)
	})
}

func (f *fakeService) assign(w http.ResponseWriter, r *http.Request) {
	var body assignBody
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	f.mutate(w, r, func(a domain.Actor, t domain.Ticket, now time.Time) (domain.Ticket, error) {
		user, ok := f.users[body.UserID]
		if !ok {
			return t, apperrors.NewNotFound("user", nil)
		}
		return lifecycle.ApplyAssign(a, t, user.Ref(), now)
	})
}

func (f *fakeService) comment(w http.ResponseWriter, r *http.Request) {
	var body commentBody
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	var created domain.Comment
	actor, ok := f.actor(r)
	if !ok {
		writeErr(w, apperrors.NewUnauthorized("missing token"))
		return
	}
	f.mu.Lock()
	ticket, found := f.tickets[r.PathValue("id")]
	if !found {
		f.mu.Unlock()
		writeErr(w, apperrors.NewNotFound("ticket", nil))
		return
	}
	now := f.tick()
	created = domain.Comment{ID: uuid.NewString(), Text: body.Text, CreatedBy: actor.Ref(), CreatedAt: now}
	next, err := lifecycle.ApplyComment(actor, ticket, created, now)
	if err == nil {
		f.tickets[next.ID] = next
	}
	f.mu.Unlock()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (f *fakeService) deleteAttachment(w http.ResponseWriter, r *http.Request) {
	f.mutate(w, r, func(a domain.Actor, t domain.Ticket, now time.Time) (domain.Ticket, error) {
		next, _, err := lifecycle.ApplyAttachmentRemoval(a, t, r.PathValue("aid"), now)
		return next, err
	})
}

func (f *fakeService) remove(w http.ResponseWriter, r *http.Request) {
	actor, _ := f.actor(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	ticket, ok := f.tickets[r.PathValue("id")]
	if !ok {
		writeErr(w, apperrors.NewNotFound("ticket", nil))
		return
	}
	if err := lifecycle.Check(actor, ticket, lifecycle.TransitionDelete); err != nil {
		writeErr(w, err)
		return
	}
	delete(f.tickets, ticket.ID)
	for i, id := range f.order {
		if id == ticket.ID {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	writeData(w, http.StatusOK, map[string]string{"id": ticket.ID})
}

type harness struct {
	svc     *fakeService
	store   *Store
	session *session.SessionContext
	coord   *coordinator.Coordinator
	events  []events.Event
	eventMu sync.Mutex
}

func newHarness(t *testing.T, as domain.User) *harness {
	t.Helper()
	svc := newFakeService(t)
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	sess := session.New()
	if as.ID != "" {
		sess.Init(as.ID, as.Actor())
	}
	fake := clock.Fake(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	client, err := transport.New(transport.Config{
		BaseURL: srv.URL + "/api",
		Session: sess,
		Clock:   fake,
	})
	require.NoError(t, err)
	coord := coordinator.New(client, coordinator.Options{Cache: coordinator.NewMemoryCache(30*time.Second, 100)})

	h := &harness{svc: svc, session: sess, coord: coord}
	h.store = New(Dependencies{Requester: coord, Session: sess, Clock: fake})
	h.store.Subscribe(func(_ context.Context, e events.Event) error {
		h.eventMu.Lock()
		defer h.eventMu.Unlock()
		h.events = append(h.events, e)
		return nil
	})
	return h
}

func (h *harness) eventTypes() []events.EventType {
	h.eventMu.Lock()
	defer h.eventMu.Unlock()
	out := make([]events.EventType, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}
