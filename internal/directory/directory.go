// Package directory reads the incident, worker, employer and medical-center
// records the booking workflow calls against. The schema is owned elsewhere;
// this package only queries it.
package directory

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned for unknown incidents or medical centers.
var ErrNotFound = errors.New("directory: not found")

// Incident is the case a booking is made for, joined with its worker and employer.
type Incident struct {
	ID                string
	WorkerName        string
	WorkerPhone       string
	EmployerName      string
	InjuryDescription string
}

// Doctor practices at a medical center.
type Doctor struct {
	ID   string
	Name string
}

// MedicalCenter is a clinic the agent calls to book and confirm appointments.
type MedicalCenter struct {
	ID       string
	Name     string
	Phone    string
	Timezone string
	Doctors  []Doctor
}

// Doctor returns the doctor with the given id.
func (m *MedicalCenter) Doctor(id string) (Doctor, bool) {
	id = strings.TrimSpace(id)
	for _, d := range m.Doctors {
		if d.ID == id {
			return d, true
		}
	}
	return Doctor{}, false
}

// Reader is the lookup surface used by the booking workflow.
type Reader interface {
	Incident(ctx context.Context, id string) (*Incident, error)
	MedicalCenter(ctx context.Context, id string) (*MedicalCenter, error)
}

// MemoryDirectory is a Reader backed by maps, used by tests and local runs.
type MemoryDirectory struct {
	mu        sync.RWMutex
	incidents map[string]Incident
	centers   map[string]MedicalCenter
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		incidents: make(map[string]Incident),
		centers:   make(map[string]MedicalCenter),
	}
}

func (d *MemoryDirectory) PutIncident(in Incident) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.incidents[in.ID] = in
}

func (d *MemoryDirectory) PutMedicalCenter(mc MedicalCenter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mc.Doctors = append([]Doctor(nil), mc.Doctors...)
	d.centers[mc.ID] = mc
}

func (d *MemoryDirectory) Incident(ctx context.Context, id string) (*Incident, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	in, ok := d.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &in, nil
}

func (d *MemoryDirectory) MedicalCenter(ctx context.Context, id string) (*MedicalCenter, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	mc, ok := d.centers[id]
	if !ok {
		return nil, ErrNotFound
	}
	mc.Doctors = append([]Doctor(nil), mc.Doctors...)
	return &mc, nil
}
