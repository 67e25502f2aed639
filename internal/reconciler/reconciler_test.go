package reconciler

import (
	"reflect"
	"testing"
	"time"

	"github.com/fleetsync/fleetsync/internal/events"
	"github.com/fleetsync/fleetsync/internal/logger"
	"github.com/fleetsync/fleetsync/internal/models"
)

func newTestReconciler() *Reconciler {
	return New(logger.New("off"), nil)
}

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }

func snapshot3() []models.MachineState {
	return []models.MachineState{
		{ID: "1", Status: models.StatusRunning},
		{ID: "2", Status: models.StatusStopped},
		{ID: "3", Status: models.StatusMaintenance},
	}
}

func TestSnapshotThenOperationStartedAggregates(t *testing.T) {
	r := newTestReconciler()
	r.ApplySnapshot(snapshot3())

	agg := r.ComputeAggregates()
	if agg.Total != 3 {
		t.Fatalf("Total = %d, want 3", agg.Total)
	}
	if agg.ByStatus[models.StatusRunning] != 1 ||
		agg.ByStatus[models.StatusStopped] != 1 ||
		agg.ByStatus[models.StatusMaintenance] != 1 {
		t.Fatalf("ByStatus = %v, want one of each", agg.ByStatus)
	}

	r.ApplyOperationStarted(events.OperationStarted{MachineID: "2", OperatorName: "dana"})

	agg = r.ComputeAggregates()
	if agg.ByStatus[models.StatusRunning] != 2 {
		t.Errorf("running = %d, want 2", agg.ByStatus[models.StatusRunning])
	}
	if agg.ByStatus[models.StatusStopped] != 0 {
		t.Errorf("stopped = %d, want 0", agg.ByStatus[models.StatusStopped])
	}
	if agg.ByStatus[models.StatusMaintenance] != 1 {
		t.Errorf("maintenance = %d, want 1", agg.ByStatus[models.StatusMaintenance])
	}

	m, ok := r.Get("2")
	if !ok {
		t.Fatal("machine 2 missing")
	}
	if m.CurrentOperator != "dana" {
		t.Errorf("CurrentOperator = %q, want dana", m.CurrentOperator)
	}
}

func TestStatusChangedIsIdempotent(t *testing.T) {
	r := newTestReconciler()
	r.ApplySnapshot(snapshot3())

	ev := events.StatusChanged{MachineID: "1", NewStatus: "Maintenance", User: "kim"}
	r.ApplyStatusChanged(ev)
	first, _ := r.Get("1")

	// Force a different receipt time for the second application; the record
	// must still not change because every field already matches.
	r.now = func() time.Time { return first.LastUpdated.Add(time.Hour) }
	r.ApplyStatusChanged(ev)
	second, _ := r.Get("1")

	if !reflect.DeepEqual(first, second) {
		t.Errorf("second application changed the record:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestPartialMergeLeavesOtherFieldsAlone(t *testing.T) {
	r := newTestReconciler()
	r.ApplySnapshot([]models.MachineState{{ID: "7", Status: models.StatusRunning, Line: "Line A"}})

	r.ApplyPartial("7", models.MachinePatch{ProductionSpeed: f64Ptr(120)})

	m, _ := r.Get("7")
	if m.Status != models.StatusRunning {
		t.Errorf("Status = %v, want Running untouched", m.Status)
	}
	if m.Line != "Line A" {
		t.Errorf("Line = %q, want untouched", m.Line)
	}
	if m.ProductionSpeed != 120 {
		t.Errorf("ProductionSpeed = %v, want 120", m.ProductionSpeed)
	}
}

func TestPartialOnUnknownIDCreatesPlaceholder(t *testing.T) {
	r := newTestReconciler()

	r.ApplyPartial("missing-id", models.MachinePatch{Status: strPtr("Error")})

	m, ok := r.Get("missing-id")
	if !ok {
		t.Fatal("placeholder record was not created")
	}
	if m.ID != "missing-id" {
		t.Errorf("ID = %q, want missing-id", m.ID)
	}
	if m.Status != models.StatusError {
		t.Errorf("Status = %v, want Error", m.Status)
	}
	if m.CurrentOperator != "" || m.ProductionSpeed != 0 || m.Line != "" {
		t.Errorf("placeholder has non-default fields: %+v", m)
	}
	if r.Size() != 1 {
		t.Errorf("Size = %d, want 1", r.Size())
	}
}

func TestOperationEndedClearsOperatorContext(t *testing.T) {
	r := newTestReconciler()
	r.ApplyOperationStarted(events.OperationStarted{MachineID: "9", OperatorName: "lee", Notes: "warm-up batch"})

	m, _ := r.Get("9")
	if m.Status != models.StatusRunning || m.CurrentOperator != "lee" || m.OperationNotes != "warm-up batch" {
		t.Fatalf("after start: %+v", m)
	}

	r.ApplyOperationEnded(events.OperationEnded{MachineID: "9"})

	m, _ = r.Get("9")
	if m.Status != models.StatusStopped {
		t.Errorf("Status = %v, want Stopped", m.Status)
	}
	if m.CurrentOperator != "" || m.OperationNotes != "" {
		t.Errorf("operator context not cleared: %+v", m)
	}
}

func TestStatusChangedAcceptsLegacyFieldName(t *testing.T) {
	r := newTestReconciler()

	r.ApplyStatusChanged(events.StatusChanged{MachineID: "4", Status: "running"})

	m, _ := r.Get("4")
	if m.Status != models.StatusRunning {
		t.Errorf("Status = %v, want Running from legacy field (case-insensitive)", m.Status)
	}
}

func TestStatusChangedWithoutStatusIsNoOp(t *testing.T) {
	r := newTestReconciler()

	r.ApplyStatusChanged(events.StatusChanged{MachineID: "4"})

	if r.Size() != 0 {
		t.Errorf("Size = %d, want 0: event with no status must not create a record", r.Size())
	}
}

func TestAggregateTotalTracksStoreSize(t *testing.T) {
	r := newTestReconciler()

	check := func(step string) {
		if got, want := r.ComputeAggregates().Total, r.Size(); got != want {
			t.Errorf("%s: aggregates.Total = %d, store size = %d", step, got, want)
		}
	}

	check("empty")
	r.ApplySnapshot(snapshot3())
	check("after snapshot")
	r.ApplyPartial("new-machine", models.MachinePatch{Status: strPtr("Running")})
	check("after placeholder")
	r.ApplyOperationEnded(events.OperationEnded{MachineID: "2"})
	check("after operation end")
	r.ApplySnapshot(nil)
	check("after empty snapshot")
}

func TestSnapshotReplacesWholeStore(t *testing.T) {
	r := newTestReconciler()
	r.ApplySnapshot(snapshot3())
	r.ApplySnapshot([]models.MachineState{{ID: "42", Status: models.StatusRunning}})

	if r.Size() != 1 {
		t.Fatalf("Size = %d, want 1 after replacing snapshot", r.Size())
	}
	if _, ok := r.Get("1"); ok {
		t.Error("machine 1 survived a full snapshot replace")
	}
}

func TestAggregatesEfficiencyAndAlerts(t *testing.T) {
	r := newTestReconciler()
	r.ApplySnapshot([]models.MachineState{
		{ID: "1", Status: models.StatusRunning, Efficiency: 80, ProductionToday: 100,
			Alerts: []models.Alert{{ID: "a1"}, {ID: "a2", Acknowledged: true}}},
		{ID: "2", Status: models.StatusRunning, Efficiency: 60, ProductionToday: 50},
		{ID: "3", Status: models.StatusStopped},
	})

	agg := r.ComputeAggregates()
	if agg.AverageEfficiency != 70 {
		t.Errorf("AverageEfficiency = %v, want 70 (machines without efficiency excluded)", agg.AverageEfficiency)
	}
	if agg.ProductionToday != 150 {
		t.Errorf("ProductionToday = %d, want 150", agg.ProductionToday)
	}
	if agg.OpenAlerts != 1 {
		t.Errorf("OpenAlerts = %d, want 1 (acknowledged alerts excluded)", agg.OpenAlerts)
	}
}

func TestAllReturnsStableOrder(t *testing.T) {
	r := newTestReconciler()
	r.ApplySnapshot([]models.MachineState{{ID: "b"}, {ID: "a"}, {ID: "c"}})

	all := r.All()
	if len(all) != 3 || all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "c" {
		t.Errorf("All() order = %v, want sorted by id", []string{all[0].ID, all[1].ID, all[2].ID})
	}
}
