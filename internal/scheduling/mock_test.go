package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	redisclient "github.com/clinicore/clinic-scheduling/internal/redis"
)

// memStore is an in-memory implementation of the repository interfaces used
// by the service tests.
type memStore struct {
	mu            sync.Mutex
	appointments  map[uuid.UUID]Appointment
	patients      map[uuid.UUID]Patient
	professionals map[uuid.UUID]Professional
	items         map[uuid.UUID][]LineItem
	payments      map[uuid.UUID]Payment
	events        []EventLog
}

func newMemStore() *memStore {
	return &memStore{
		appointments:  make(map[uuid.UUID]Appointment),
		patients:      make(map[uuid.UUID]Patient),
		professionals: make(map[uuid.UUID]Professional),
		items:         make(map[uuid.UUID][]LineItem),
		payments:      make(map[uuid.UUID]Payment),
	}
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *memStore) GetDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	a, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.hydrate(*a), nil
}

func (m *memStore) hydrate(a Appointment) *AppointmentDetail {
	m.mu.Lock()
	defer m.mu.Unlock()

	detail := &AppointmentDetail{Appointment: a}
	if p, ok := m.patients[a.PatientID]; ok {
		detail.Patient = &p
	}
	if a.ProfessionalID != nil {
		if pr, ok := m.professionals[*a.ProfessionalID]; ok {
			detail.Professional = &pr
		}
	}
	detail.Items = append(detail.Items, m.items[a.ID]...)
	for _, pay := range m.payments {
		if pay.AppointmentID != nil && *pay.AppointmentID == a.ID {
			detail.Payments = append(detail.Payments, pay)
		}
	}
	return detail
}

func (m *memStore) FindOne(_ context.Context, f AppointmentFilter) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appointments {
		patient, ok := m.patients[a.PatientID]
		var pp *Patient
		if ok {
			pp = &patient
		}
		if f.Matches(a, pp) {
			return &a, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (m *memStore) List(_ context.Context, f AppointmentFilter, limit, offset int) ([]AppointmentDetail, int, error) {
	m.mu.Lock()
	var matched []Appointment
	for _, a := range m.appointments {
		patient, ok := m.patients[a.PatientID]
		var pp *Patient
		if ok {
			pp = &patient
		}
		if f.Matches(a, pp) {
			matched = append(matched, a)
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ScheduledAt.Before(matched[j].ScheduledAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	out := make([]AppointmentDetail, 0, end-offset)
	for _, a := range matched[offset:end] {
		out = append(out, *m.hydrate(a))
	}
	return out, total, nil
}

func (m *memStore) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.appointments[a.ID] = *a
	return nil
}

func (m *memStore) Update(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appointments[a.ID]; !ok {
		return ErrAppointmentNotFound
	}
	a.UpdatedAt = time.Now()
	m.appointments[a.ID] = *a
	return nil
}

func (m *memStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appointments[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(m.appointments, id)
	return nil
}

func (m *memStore) CreateLineItems(_ context.Context, items []LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		m.items[item.AppointmentID] = append(m.items[item.AppointmentID], item)
	}
	return nil
}

func (m *memStore) ListLineItems(_ context.Context, appointmentID uuid.UUID) ([]LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LineItem(nil), m.items[appointmentID]...), nil
}

func (m *memStore) DeleteLineItems(_ context.Context, appointmentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, appointmentID)
	return nil
}

func (m *memStore) FindBillableWithoutPayment(_ context.Context) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Appointment
	for _, a := range m.appointments {
		if a.Status == nil || !a.Status.BlocksSlot() || !a.NetValue.IsPositive() {
			continue
		}
		hasPayment := false
		for _, p := range m.payments {
			if p.AppointmentID != nil && *p.AppointmentID == a.ID {
				hasPayment = true
				break
			}
		}
		if !hasPayment {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) GetPayment(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (m *memStore) CreatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.payments[p.ID] = *p
	return nil
}

func (m *memStore) UpdatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	p.UpdatedAt = time.Now()
	m.payments[p.ID] = *p
	return nil
}

func (m *memStore) ListByAppointment(_ context.Context, appointmentID uuid.UUID) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payment
	for _, p := range m.payments {
		if p.AppointmentID != nil && *p.AppointmentID == appointmentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) DeleteByAppointment(_ context.Context, appointmentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.payments {
		if p.AppointmentID != nil && *p.AppointmentID == appointmentID {
			delete(m.payments, id)
		}
	}
	return nil
}

func (m *memStore) ListPending(_ context.Context) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payment
	for _, p := range m.payments {
		if p.Status == PaymentPending {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) SumPaidBetween(_ context.Context, from, to time.Time) (decimal.Decimal, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	count := 0
	for _, p := range m.payments {
		if p.Status != PaymentPaid || p.PaidAt == nil {
			continue
		}
		if p.PaidAt.Before(from) || !p.PaidAt.Before(to) {
			continue
		}
		sum = sum.Add(p.NetValue)
		count++
	}
	return sum, count, nil
}

func (m *memStore) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *memStore) GetProfessionalByID(_ context.Context, id uuid.UUID) (*Professional, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.professionals[id]
	if !ok {
		return nil, ErrProfessionalNotFound
	}
	return &p, nil
}

func (m *memStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *memStore) addPatient(name string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.patients[id] = Patient{ID: id, Name: name}
	return id
}

func (m *memStore) addProfessional(name string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.professionals[id] = Professional{ID: id, Name: name}
	return id
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

// stubLocker runs the critical section inline, optionally simulating a held
// lock.
type stubLocker struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (l *stubLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, _ time.Time, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	l.calls++
	fail := l.fail
	l.mu.Unlock()
	if fail {
		return redisclient.ErrLockNotAcquired
	}
	return fn(ctx)
}

func (l *stubLocker) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func newTestService(store *memStore, locker *stubLocker) *Service {
	svc := NewService(store, store, store, store, locker, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2025, time.March, 10, 14, 30, 0, 0, time.UTC) }
	return svc
}
