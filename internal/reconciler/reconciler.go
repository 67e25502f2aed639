// Package reconciler owns the canonical in-memory picture of the fleet: one
// record per machine id, kept eventually consistent with the server by
// merging pushed events. Conflicting updates for the same machine are
// resolved by arrival order; the wire protocol carries no sequence numbers,
// so last-arrived wins and that limitation is part of the contract here.
package reconciler

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/internal/events"
	"github.com/fleetsync/fleetsync/internal/metrics"
	"github.com/fleetsync/fleetsync/internal/models"
)

// Reconciler maintains the canonical machine store. Each Apply* method holds
// the write lock for its entire multi-field mutation, so a reader never
// observes a half-merged record.
type Reconciler struct {
	log *logrus.Entry
	met *metrics.Metrics

	mu       sync.RWMutex
	machines map[string]*models.MachineState

	// now is swapped out by tests for deterministic receipt timestamps.
	now func() time.Time
}

func New(log *logrus.Logger, met *metrics.Metrics) *Reconciler {
	if met == nil {
		met = metrics.Nop()
	}
	return &Reconciler{
		log:      log.WithField("component", "reconciler"),
		met:      met,
		machines: make(map[string]*models.MachineState),
		now:      time.Now,
	}
}

// ApplySnapshot replaces the entire store with the given list. Used for the
// initial REST fetch and for server-declared bulk resyncs; no merge semantics
// apply.
func (r *Reconciler) ApplySnapshot(list []models.MachineState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fresh := make(map[string]*models.MachineState, len(list))
	now := r.now()
	for i := range list {
		m := list[i]
		if m.ID == "" {
			r.log.Warn("snapshot entry without machine id dropped")
			continue
		}
		m.Status = models.NormalizeStatus(string(m.Status))
		m.LastUpdated = now
		fresh[m.ID] = &m
	}
	r.machines = fresh
	r.met.EventsApplied.WithLabelValues(events.MachinesBulkUpdate).Inc()
	r.updateGauges()
	r.log.WithField("machines", len(fresh)).Info("snapshot applied")
}

// ApplyPartial shallow-merges the fields present in patch into the record for
// machineID. A patch for an unknown machine creates a placeholder record with
// defaults for every absent field; that is deliberate policy so an update
// racing ahead of the snapshot is never dropped.
func (r *Reconciler) ApplyPartial(machineID string, patch models.MachinePatch) {
	if machineID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.ensure(machineID)
	if patch.ApplyTo(m) {
		m.LastUpdated = r.now()
	}
	r.met.EventsApplied.WithLabelValues(events.MachineDataUpdate).Inc()
	r.updateGauges()
}

// ApplyStatusChanged sets the machine's status and records who changed it.
func (r *Reconciler) ApplyStatusChanged(ev events.StatusChanged) {
	if ev.MachineID == "" {
		return
	}
	status := ev.EffectiveStatus()
	if status == "" {
		// Neither status field present: nothing to merge.
		r.log.WithField("machineId", ev.MachineID).Warn("status change without status")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.ensure(ev.MachineID)
	changed := false
	if st := models.NormalizeStatus(status); m.Status != st {
		m.Status = st
		changed = true
	}
	if ev.MachineName != "" && m.Name != ev.MachineName {
		m.Name = ev.MachineName
		changed = true
	}
	if ev.User != "" && m.LastUpdatedBy != ev.User {
		m.LastUpdatedBy = ev.User
		changed = true
	}
	if changed {
		m.LastUpdated = r.now()
	}
	r.met.EventsApplied.WithLabelValues(events.MachineStatusChanged).Inc()
	r.updateGauges()
}

// ApplyOperationStarted marks a machine running under an operator.
func (r *Reconciler) ApplyOperationStarted(ev events.OperationStarted) {
	if ev.MachineID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.ensure(ev.MachineID)
	if m.Status != models.StatusRunning || m.CurrentOperator != ev.OperatorName || m.OperationNotes != ev.Notes {
		m.Status = models.StatusRunning
		m.CurrentOperator = ev.OperatorName
		m.OperationNotes = ev.Notes
		m.LastUpdated = r.now()
	}
	r.met.EventsApplied.WithLabelValues(events.MachineOperationStarted).Inc()
	r.updateGauges()
}

// ApplyOperationEnded stops a machine and clears its operator context.
func (r *Reconciler) ApplyOperationEnded(ev events.OperationEnded) {
	if ev.MachineID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.ensure(ev.MachineID)
	if m.Status != models.StatusStopped || m.CurrentOperator != "" || m.OperationNotes != "" {
		m.Status = models.StatusStopped
		m.CurrentOperator = ""
		m.OperationNotes = ""
		m.LastUpdated = r.now()
	}
	r.met.EventsApplied.WithLabelValues(events.MachineOperationEnded).Inc()
	r.updateGauges()
}

// Get returns a copy of the record for machineID.
func (r *Reconciler) Get(machineID string) (models.MachineState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[machineID]
	if !ok {
		return models.MachineState{}, false
	}
	return *m, true
}

// All returns copies of every record, ordered by machine id.
func (r *Reconciler) All() []models.MachineState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.MachineState, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Size returns the number of machines in the store.
func (r *Reconciler) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

// ComputeAggregates recomputes the fleet summary from scratch over the whole
// store. Full recomputation on every call trades a little CPU for immunity to
// counter-drift: there are no incremental counters to get out of sync.
func (r *Reconciler) ComputeAggregates() models.FleetAggregates {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agg := models.FleetAggregates{
		Total:    len(r.machines),
		ByStatus: make(map[models.Status]int),
	}
	var effSum float64
	var effCount int
	for _, m := range r.machines {
		agg.ByStatus[models.NormalizeStatus(string(m.Status))]++
		if m.Efficiency > 0 {
			effSum += m.Efficiency
			effCount++
		}
		agg.ProductionToday += m.ProductionToday
		agg.OpenAlerts += m.OpenAlerts()
	}
	if effCount > 0 {
		agg.AverageEfficiency = effSum / float64(effCount)
	}
	return agg
}

// ensure returns the record for machineID, creating a placeholder with
// default fields when none exists yet.
func (r *Reconciler) ensure(machineID string) *models.MachineState {
	if m, ok := r.machines[machineID]; ok {
		return m
	}
	m := &models.MachineState{
		ID:     machineID,
		Status: models.StatusUnknown,
	}
	r.machines[machineID] = m
	r.log.WithField("machineId", machineID).Debug("placeholder record created")
	return m
}

func (r *Reconciler) updateGauges() {
	r.met.FleetTotal.Set(float64(len(r.machines)))
	open := 0
	for _, m := range r.machines {
		open += m.OpenAlerts()
	}
	r.met.FleetOpenAlerts.Set(float64(open))
}
