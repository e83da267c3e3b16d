package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/openmeet/roomcore/internal/core"
	"github.com/openmeet/roomcore/internal/domain"
	"github.com/openmeet/roomcore/internal/metrics"
	"github.com/openmeet/roomcore/internal/registry"
)

type fakeStore struct {
	users        map[int64]*domain.User
	rooms        map[int64]*domain.Room
	appointments map[int64]*domain.Appointment // by room id
	sessions     map[string]*domain.Session
	sipUID       string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        make(map[int64]*domain.User),
		rooms:        make(map[int64]*domain.Room),
		appointments: make(map[int64]*domain.Appointment),
		sessions:     make(map[string]*domain.Session),
	}
}

func (s *fakeStore) GetUser(_ context.Context, id int64) (*domain.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) GetRoom(_ context.Context, id int64) (*domain.Room, error) {
	r, ok := s.rooms[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) GetAppointment(_ context.Context, roomID int64) (*domain.Appointment, error) {
	return s.appointments[roomID], nil
}

func (s *fakeStore) CheckSession(_ context.Context, token string) (*domain.Session, error) {
	sess, ok := s.sessions[token]
	if !ok {
		return nil, core.ErrNotFound
	}
	return sess, nil
}

func (s *fakeStore) SipTrunkUID(_ context.Context) (string, error) {
	return s.sipUID, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	nextID  int64
	begun   map[int64]string
	ended   map[int64]bool
	failAll bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{begun: make(map[int64]string), ended: make(map[int64]bool)}
}

func (r *fakeRecorder) Begin(_ context.Context, _ int64, _ *domain.Client, name string, _ bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return 0, errors.New("recorder down")
	}
	r.nextID++
	r.begun[r.nextID] = name
	return r.nextID, nil
}

func (r *fakeRecorder) End(_ context.Context, recordingID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return errors.New("recorder down")
	}
	if _, ok := r.begun[recordingID]; !ok {
		return core.ErrNotFound
	}
	r.ended[recordingID] = true
	return nil
}

type delivery struct {
	ConnID  string
	Method  string
	Payload any
}

type fakeTransport struct {
	mu      sync.Mutex
	events  []delivery
	failFor map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failFor: make(map[string]bool)}
}

func (t *fakeTransport) Deliver(_ context.Context, connID, method string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failFor[connID] {
		return errors.New("send failed")
	}
	t.events = append(t.events, delivery{ConnID: connID, Method: method, Payload: payload})
	return nil
}

func (t *fakeTransport) byMethod(method string) []delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []delivery
	for _, d := range t.events {
		if d.Method == method {
			out = append(out, d)
		}
	}
	return out
}

func (t *fakeTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

type testEnv struct {
	eng       *Engine
	clients   *registry.Clients
	rooms     *registry.Rooms
	store     *fakeStore
	recorder  *fakeRecorder
	transport *fakeTransport
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newFakeStore()
	recorder := newFakeRecorder()
	transport := newFakeTransport()
	clients := registry.NewClients()
	rooms := registry.NewRooms(clients)
	m := metrics.New(prometheus.NewRegistry())
	eng := New(clients, rooms, store, recorder, transport, m)
	eng.fan.sync = true // deterministic delivery in tests
	return &testEnv{
		eng:       eng,
		clients:   clients,
		rooms:     rooms,
		store:     store,
		recorder:  recorder,
		transport: transport,
	}
}

// admit registers a standard client with a caller-chosen public id and
// joins it to roomID.
func (env *testEnv) admit(t *testing.T, connID, publicID string, roomID int64) *domain.Client {
	t.Helper()
	c, err := env.eng.Admit(context.Background(), core.AdmitRequest{
		ConnID: connID,
		RoomID: roomID,
		UID:    publicID,
	})
	require.NoError(t, err)
	return c
}
