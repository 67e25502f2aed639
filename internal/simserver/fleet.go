package simserver

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/internal/events"
	"github.com/fleetsync/fleetsync/internal/models"
)

// Fleet is the simulated plant floor: a fixed set of machines that drift
// through realistic state changes on a schedule and push every change through
// the hub.
type Fleet struct {
	log *logrus.Entry
	hub *Hub

	mu       sync.RWMutex
	machines map[string]*models.MachineState

	cron *cron.Cron
	rng  *rand.Rand
}

func NewFleet(hub *Hub, log *logrus.Logger) *Fleet {
	f := &Fleet{
		log:      log.WithField("component", "simserver.fleet"),
		hub:      hub,
		machines: make(map[string]*models.MachineState),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	f.seed()
	return f
}

func (f *Fleet) seed() {
	lines := []string{"Line A", "Line B", "Line C"}
	locations := []string{"Hall 1", "Hall 2"}
	for i := 1; i <= 12; i++ {
		id := fmt.Sprintf("M-%03d", i)
		m := &models.MachineState{
			ID:          id,
			Name:        fmt.Sprintf("Press %d", i),
			Status:      models.StatusStopped,
			Efficiency:  70 + f.rng.Float64()*25,
			Line:        lines[(i-1)%len(lines)],
			Location:    locations[(i-1)%len(locations)],
			LastUpdated: time.Now(),
		}
		if i%3 == 0 {
			m.Status = models.StatusRunning
			m.CurrentOperator = fmt.Sprintf("operator%d", i)
			m.ProductionSpeed = 80 + f.rng.Float64()*40
		}
		f.machines[id] = m
	}
}

// Start schedules the simulation: frequent small data updates, occasional
// status flips, and shift boundaries that park the whole fleet off-shift.
func (f *Fleet) Start() {
	f.cron = cron.New()
	f.cron.AddFunc("@every 5s", f.driftOne)
	f.cron.AddFunc("@every 23s", f.flipOne)
	f.cron.AddFunc("0 6 * * *", func() { f.shift(true) })
	f.cron.AddFunc("0 22 * * *", func() { f.shift(false) })
	f.cron.Start()
	f.log.Info("fleet simulation started")
}

func (f *Fleet) Stop() {
	if f.cron != nil {
		f.cron.Stop()
	}
}

// Snapshot returns a copy of every machine, for GET /machines.
func (f *Fleet) Snapshot() []models.MachineState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.MachineState, 0, len(f.machines))
	for _, m := range f.machines {
		out = append(out, *m)
	}
	return out
}

// driftOne nudges one running machine's speed and efficiency and pushes a
// partial machine-data-update.
func (f *Fleet) driftOne() {
	f.mu.Lock()
	m := f.pickLocked(models.StatusRunning)
	if m == nil {
		f.mu.Unlock()
		return
	}
	m.ProductionSpeed = clamp(m.ProductionSpeed+f.rng.Float64()*20-10, 40, 160)
	m.Efficiency = clamp(m.Efficiency+f.rng.Float64()*4-2, 30, 100)
	m.ProductionToday += int(m.ProductionSpeed / 12)
	m.LastUpdated = time.Now()
	payload := map[string]interface{}{
		"machineId":       m.ID,
		"productionSpeed": m.ProductionSpeed,
		"efficiency":      m.Efficiency,
		"productionToday": m.ProductionToday,
	}
	f.mu.Unlock()

	f.hub.Broadcast(events.MachineDataUpdate, payload)
}

// flipOne moves one machine to a random status and announces it.
func (f *Fleet) flipOne() {
	statuses := []models.Status{
		models.StatusRunning, models.StatusRunning, models.StatusRunning,
		models.StatusStopped, models.StatusMaintenance, models.StatusError,
	}

	f.mu.Lock()
	m := f.pickLocked("")
	if m == nil {
		f.mu.Unlock()
		return
	}
	next := statuses[f.rng.Intn(len(statuses))]
	if next == m.Status {
		f.mu.Unlock()
		return
	}
	m.Status = next
	m.LastUpdated = time.Now()
	if next != models.StatusRunning {
		m.CurrentOperator = ""
		m.OperationNotes = ""
		m.ProductionSpeed = 0
	}
	payload := events.StatusChanged{
		MachineID:   m.ID,
		NewStatus:   string(next),
		MachineName: m.Name,
		User:        "simulator",
	}
	f.mu.Unlock()

	f.hub.Broadcast(events.MachineStatusChanged, payload)
	if payload.NewStatus == string(models.StatusError) {
		f.hub.Broadcast(events.Alert, events.Notice{
			Message: fmt.Sprintf("%s reported an error", payload.MachineName),
		})
	}
}

// shift moves the whole fleet on or off shift and pushes one bulk update
// instead of twelve singles.
func (f *Fleet) shift(on bool) {
	status := models.StatusOffShift
	if on {
		status = models.StatusStopped
	}

	f.mu.Lock()
	for _, m := range f.machines {
		m.Status = status
		m.CurrentOperator = ""
		m.OperationNotes = ""
		m.ProductionSpeed = 0
		m.LastUpdated = time.Now()
	}
	snapshot := make([]models.MachineState, 0, len(f.machines))
	for _, m := range f.machines {
		snapshot = append(snapshot, *m)
	}
	f.mu.Unlock()

	f.hub.Broadcast(events.MachinesBulkUpdate, snapshot)
	f.log.WithField("onShift", on).Info("shift change broadcast")
}

// pickLocked returns a random machine, optionally restricted to a status.
// Caller holds f.mu.
func (f *Fleet) pickLocked(status models.Status) *models.MachineState {
	candidates := make([]*models.MachineState, 0, len(f.machines))
	for _, m := range f.machines {
		if status == "" || m.Status == status {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[f.rng.Intn(len(candidates))]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
