// Package store provides an in-memory billing.TxStore.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/hostel-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one mutex. WithTx holds the
// mutex for the whole unit of work and restores a snapshot on error.
type Memory struct {
	mu    sync.Mutex
	state state
}

type state struct {
	hostels     map[string]billing.Hostel
	users       map[string]billing.User
	residents   map[string]billing.Resident
	rooms       map[string]billing.Room
	periods     map[string]billing.CalendarPeriod
	payments    map[string]billing.Payment
	references  map[string]string // reference -> payment id
	historicals map[string]billing.HistoricalResident
}

func newState() state {
	return state{
		hostels:     make(map[string]billing.Hostel),
		users:       make(map[string]billing.User),
		residents:   make(map[string]billing.Resident),
		rooms:       make(map[string]billing.Room),
		periods:     make(map[string]billing.CalendarPeriod),
		payments:    make(map[string]billing.Payment),
		references:  make(map[string]string),
		historicals: make(map[string]billing.HistoricalResident),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.state.clone()
	if err := fn(&memoryTx{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// Records are stored by value and never mutated in place, so copying the
// maps is enough for a snapshot.
func (s state) clone() state {
	return state{
		hostels:     cloneMap(s.hostels),
		users:       cloneMap(s.users),
		residents:   cloneMap(s.residents),
		rooms:       cloneMap(s.rooms),
		periods:     cloneMap(s.periods),
		payments:    cloneMap(s.payments),
		references:  cloneMap(s.references),
		historicals: cloneMap(s.historicals),
	}
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memoryTx struct {
	s *state
}

func (t *memoryTx) GetHostel(_ context.Context, id string) (*billing.Hostel, error) {
	h, ok := t.s.hostels[id]
	if !ok {
		return nil, billing.ErrRecordNotFound
	}
	return &h, nil
}

func (t *memoryTx) SaveHostel(_ context.Context, h billing.Hostel) error {
	t.s.hostels[h.ID] = h
	return nil
}

func (t *memoryTx) GetUser(_ context.Context, id string) (*billing.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, billing.ErrRecordNotFound
	}
	return &u, nil
}

func (t *memoryTx) SaveUser(_ context.Context, u billing.User) error {
	t.s.users[u.ID] = u
	return nil
}

func (t *memoryTx) GetResident(_ context.Context, id string) (*billing.Resident, error) {
	r, ok := t.s.residents[id]
	if !ok {
		return nil, billing.ErrRecordNotFound
	}
	return &r, nil
}

func (t *memoryTx) SaveResident(_ context.Context, r billing.Resident) error {
	if r.CreatedAt.IsZero() {
		if old, ok := t.s.residents[r.ID]; ok {
			r.CreatedAt = old.CreatedAt
		} else {
			r.CreatedAt = time.Now().UTC()
		}
	}
	t.s.residents[r.ID] = r
	return nil
}

func (t *memoryTx) FindResidentByAccessCode(_ context.Context, code string) (*billing.Resident, error) {
	for _, r := range t.s.residents {
		if r.AccessCode != "" && strings.EqualFold(r.AccessCode, code) {
			return &r, nil
		}
	}
	return nil, billing.ErrRecordNotFound
}

func (t *memoryTx) ListLiveResidents(_ context.Context, hostelID string) ([]billing.Resident, error) {
	var out []billing.Resident
	for _, r := range t.s.residents {
		if !r.IsLive() {
			continue
		}
		if room, ok := t.s.rooms[*r.RoomID]; ok && room.HostelID == hostelID {
			out = append(out, r)
		}
	}
	sortResidents(out)
	return out, nil
}

func (t *memoryTx) LiveResidentsInRoom(_ context.Context, roomID string) ([]billing.Resident, error) {
	var out []billing.Resident
	for _, r := range t.s.residents {
		if r.IsLive() && *r.RoomID == roomID {
			out = append(out, r)
		}
	}
	sortResidents(out)
	return out, nil
}

func (t *memoryTx) CountLiveResidents(ctx context.Context, roomID string) (int, error) {
	live, err := t.LiveResidentsInRoom(ctx, roomID)
	return len(live), err
}

func sortResidents(rs []billing.Resident) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

func (t *memoryTx) GetRoom(_ context.Context, id string) (*billing.Room, error) {
	r, ok := t.s.rooms[id]
	if !ok {
		return nil, billing.ErrRecordNotFound
	}
	return &r, nil
}

func (t *memoryTx) SaveRoom(_ context.Context, r billing.Room) error {
	t.s.rooms[r.ID] = r
	return nil
}

func (t *memoryTx) SetRoomOccupancy(_ context.Context, roomID string, occupancy int, status billing.RoomStatus) error {
	r, ok := t.s.rooms[roomID]
	if !ok {
		return billing.ErrRecordNotFound
	}
	if occupancy > r.MaxCapacity {
		return billing.ErrCapacityExceeded
	}
	r.CurrentOccupancy = occupancy
	r.Status = status
	t.s.rooms[roomID] = r
	return nil
}

func (t *memoryTx) ResetRooms(_ context.Context, hostelID string) error {
	for id, r := range t.s.rooms {
		if r.HostelID != hostelID {
			continue
		}
		r.CurrentOccupancy = 0
		r.Status = billing.RoomAvailable
		t.s.rooms[id] = r
	}
	return nil
}

func (t *memoryTx) GetPeriod(_ context.Context, id string) (*billing.CalendarPeriod, error) {
	p, ok := t.s.periods[id]
	if !ok {
		return nil, billing.ErrRecordNotFound
	}
	return &p, nil
}

func (t *memoryTx) ActivePeriod(_ context.Context, hostelID string) (*billing.CalendarPeriod, error) {
	for _, p := range t.s.periods {
		if p.HostelID == hostelID && p.IsActive {
			return &p, nil
		}
	}
	return nil, billing.ErrRecordNotFound
}

func (t *memoryTx) SavePeriod(_ context.Context, p billing.CalendarPeriod) error {
	t.s.periods[p.ID] = p
	return nil
}

func (t *memoryTx) CreatePayment(_ context.Context, p billing.Payment) error {
	if _, exists := t.s.references[p.Reference]; exists {
		return billing.ErrDuplicateReference
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	t.s.payments[p.ID] = p
	t.s.references[p.Reference] = p.ID
	return nil
}

func (t *memoryTx) SavePayment(_ context.Context, p billing.Payment) error {
	old, ok := t.s.payments[p.ID]
	if !ok {
		return billing.ErrRecordNotFound
	}
	if old.Reference != p.Reference {
		if _, taken := t.s.references[p.Reference]; taken {
			return billing.ErrDuplicateReference
		}
		delete(t.s.references, old.Reference)
		t.s.references[p.Reference] = p.ID
	}
	t.s.payments[p.ID] = p
	return nil
}

func (t *memoryTx) GetPayment(_ context.Context, id string) (*billing.Payment, error) {
	p, ok := t.s.payments[id]
	if !ok {
		return nil, billing.ErrRecordNotFound
	}
	return &p, nil
}

func (t *memoryTx) GetPaymentByReference(ctx context.Context, reference string) (*billing.Payment, error) {
	id, ok := t.s.references[reference]
	if !ok {
		return nil, billing.ErrRecordNotFound
	}
	return t.GetPayment(ctx, id)
}

func (t *memoryTx) ListConfirmedPayments(_ context.Context, residentID, periodID string) ([]billing.Payment, error) {
	var out []billing.Payment
	for _, p := range t.s.payments {
		if p.Status == billing.PaymentConfirmed && p.ResidentID != nil && *p.ResidentID == residentID && p.CalendarPeriodID == periodID {
			out = append(out, p)
		}
	}
	sortPayments(out)
	return out, nil
}

func (t *memoryTx) LatestConfirmedPayment(_ context.Context, residentID string) (*billing.Payment, error) {
	var latest *billing.Payment
	for _, p := range t.s.payments {
		if p.Status != billing.PaymentConfirmed || p.ResidentID == nil || *p.ResidentID != residentID {
			continue
		}
		if latest == nil || paidAt(p).After(paidAt(*latest)) {
			p := p
			latest = &p
		}
	}
	if latest == nil {
		return nil, billing.ErrRecordNotFound
	}
	return latest, nil
}

func paidAt(p billing.Payment) time.Time {
	if p.PaidAt != nil {
		return *p.PaidAt
	}
	return p.CreatedAt
}

func (t *memoryTx) RelinkPayments(_ context.Context, residentID, periodID, historicalID string) (int, error) {
	moved := 0
	for id, p := range t.s.payments {
		if p.ResidentID == nil || *p.ResidentID != residentID || p.CalendarPeriodID != periodID {
			continue
		}
		h := historicalID
		p.ResidentID = nil
		p.HistoricalResidentID = &h
		t.s.payments[id] = p
		moved++
	}
	return moved, nil
}

func (t *memoryTx) ListOrphanedPayments(_ context.Context) ([]billing.Payment, error) {
	var out []billing.Payment
	for _, p := range t.s.payments {
		if p.IsOrphaned() {
			out = append(out, p)
		}
	}
	sortPayments(out)
	return out, nil
}

func (t *memoryTx) ListSimilarPayments(_ context.Context, p billing.Payment, from, to time.Time) ([]billing.Payment, error) {
	var out []billing.Payment
	for _, other := range t.s.payments {
		if other.ID == p.ID || other.RoomID != p.RoomID || other.CalendarPeriodID != p.CalendarPeriodID {
			continue
		}
		if other.CreatedAt.Before(from) || other.CreatedAt.After(to) {
			continue
		}
		out = append(out, other)
	}
	sortPayments(out)
	return out, nil
}

func sortPayments(ps []billing.Payment) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

func (t *memoryTx) CreateHistoricalResident(_ context.Context, h billing.HistoricalResident) error {
	t.s.historicals[h.ID] = h
	return nil
}

func (t *memoryTx) FindHistoricalResident(_ context.Context, roomID, periodID string) (*billing.HistoricalResident, error) {
	var found *billing.HistoricalResident
	for _, h := range t.s.historicals {
		if h.RoomID != roomID || h.CalendarPeriodID != periodID {
			continue
		}
		if found == nil || h.ArchivedAt.Before(found.ArchivedAt) || (h.ArchivedAt.Equal(found.ArchivedAt) && h.ID < found.ID) {
			h := h
			found = &h
		}
	}
	if found == nil {
		return nil, billing.ErrRecordNotFound
	}
	return found, nil
}
