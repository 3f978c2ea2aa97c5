package job

import (
	"context"
	"sync"
	"testing"

	"github.com/kiara-data/kiara/archive/memory"
	"github.com/kiara-data/kiara/dataregistry"
	"github.com/kiara-data/kiara/datatype"
	"github.com/kiara-data/kiara/manifest"
	"github.com/kiara-data/kiara/module"
	"github.com/kiara-data/kiara/module/builtin"
	"github.com/kiara-data/kiara/value"
)

func newTestJobRegistry(t *testing.T) (*Registry, *dataregistry.Registry) {
	t.Helper()
	modules := module.NewRegistry()
	builtin.Register(modules)
	types := datatype.NewRegistry()
	datatype.RegisterBuiltins(types)
	arc := memory.New()
	data, err := dataregistry.New(types, 64, arc)
	if err != nil {
		t.Fatal(err)
	}
	return New(modules, data, arc, arc), data
}

func TestExecute_ConstIntPipeline(t *testing.T) {
	reg, data := newTestJobRegistry(t)
	outputs, err := reg.Execute(context.Background(), manifest.Manifest{ModuleType: "const_int", ModuleConfig: manifest.Config{"value": 5}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	v, err := data.Get(outputs["out"])
	if err != nil {
		t.Fatal(err)
	}
	if v.Data().(int64) != 5 {
		t.Fatalf("expected 5, got %v", v.Data())
	}
	mh, err := manifest.Manifest{ModuleType: "const_int", ModuleConfig: manifest.Config{"value": 5}}.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if v.Pedigree().ManifestHash != mh {
		t.Fatal("expected output pedigree.manifest_hash to match the module's manifest hash")
	}
}

func TestExecute_CacheHitReturnsSameOutputsWithoutReexecution(t *testing.T) {
	reg, data := newTestJobRegistry(t)
	schema := value.Schema{TypeName: "integer"}

	a, err := data.RegisterData(int64(2), schema, value.NewOrphanPedigree("t"), "", true)
	if err != nil {
		t.Fatal(err)
	}
	b, err := data.RegisterData(int64(3), schema, value.NewOrphanPedigree("t"), "", true)
	if err != nil {
		t.Fatal(err)
	}
	inputs := map[string]value.ID{"a": a.ID(), "b": b.ID()}

	out1, err := reg.Execute(context.Background(), manifest.Manifest{ModuleType: "add"}, inputs)
	if err != nil {
		t.Fatal(err)
	}
	out2, err := reg.Execute(context.Background(), manifest.Manifest{ModuleType: "add"}, inputs)
	if err != nil {
		t.Fatal(err)
	}
	if out1["sum"] != out2["sum"] {
		t.Fatalf("expected cache hit to return identical output id, got %s vs %s", out1["sum"], out2["sum"])
	}
}

func TestExecute_CacheMissOnDifferentInputs(t *testing.T) {
	reg, data := newTestJobRegistry(t)
	schema := value.Schema{TypeName: "integer"}

	a1, _ := data.RegisterData(int64(2), schema, value.NewOrphanPedigree("t"), "", true)
	b, _ := data.RegisterData(int64(3), schema, value.NewOrphanPedigree("t"), "", true)
	a2, _ := data.RegisterData(int64(99), schema, value.NewOrphanPedigree("t"), "", true)

	out1, err := reg.Execute(context.Background(), manifest.Manifest{ModuleType: "add"}, map[string]value.ID{"a": a1.ID(), "b": b.ID()})
	if err != nil {
		t.Fatal(err)
	}
	out2, err := reg.Execute(context.Background(), manifest.Manifest{ModuleType: "add"}, map[string]value.ID{"a": a2.ID(), "b": b.ID()})
	if err != nil {
		t.Fatal(err)
	}
	if out1["sum"] == out2["sum"] {
		t.Fatal("expected different inputs to produce a distinct output")
	}
}

func TestExecute_NonIdempotentModuleBypassesCache(t *testing.T) {
	reg, _ := newTestJobRegistry(t)
	out1, err := reg.Execute(context.Background(), manifest.Manifest{ModuleType: "now"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	out2, err := reg.Execute(context.Background(), manifest.Manifest{ModuleType: "now"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out1["t"] == out2["t"] {
		t.Fatal("expected a non-idempotent module to produce a fresh value on every execution")
	}
}

func TestExecute_MissingRequiredInputIsRejected(t *testing.T) {
	reg, _ := newTestJobRegistry(t)
	if _, err := reg.Execute(context.Background(), manifest.Manifest{ModuleType: "add"}, map[string]value.ID{}); err == nil {
		t.Fatal("expected error for missing required inputs")
	}
}

func TestExecute_ConcurrentSameInputsDedupToOneExecution(t *testing.T) {
	reg, data := newTestJobRegistry(t)
	schema := value.Schema{TypeName: "integer"}
	a, _ := data.RegisterData(int64(7), schema, value.NewOrphanPedigree("t"), "", true)
	b, _ := data.RegisterData(int64(8), schema, value.NewOrphanPedigree("t"), "", true)
	inputs := map[string]value.ID{"a": a.ID(), "b": b.ID()}

	const n = 100
	results := make([]value.ID, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			out, err := reg.Execute(context.Background(), manifest.Manifest{ModuleType: "add"}, inputs)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = out["sum"]
		}(i)
	}
	wg.Wait()

	first := results[0]
	for _, r := range results {
		if r != first {
			t.Fatalf("expected all 100 concurrent callers to observe the same output id, got a mismatch: %s vs %s", first, r)
		}
	}

	reg.mu.RLock()
	executions := len(reg.records)
	reg.mu.RUnlock()
	if executions != 1 {
		t.Fatalf("expected exactly one execution (one job record), got %d", executions)
	}
}

func TestQueue_ReturnsImmediatelyAndRetrieveResultBlocksUntilDone(t *testing.T) {
	reg, data := newTestJobRegistry(t)
	schema := value.Schema{TypeName: "integer"}
	a, _ := data.RegisterData(int64(2), schema, value.NewOrphanPedigree("t"), "", true)
	b, _ := data.RegisterData(int64(3), schema, value.NewOrphanPedigree("t"), "", true)
	inputs := map[string]value.ID{"a": a.ID(), "b": b.ID()}

	jobID, err := reg.Queue(context.Background(), manifest.Manifest{ModuleType: "add"}, inputs)
	if err != nil {
		t.Fatal(err)
	}
	if jobID == "" {
		t.Fatal("expected a non-empty job id")
	}

	outputs, err := reg.RetrieveResult(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	sumValue, err := data.Get(outputs["sum"])
	if err != nil {
		t.Fatal(err)
	}
	if sumValue.Data().(int64) != 5 {
		t.Fatalf("expected sum 5, got %v", sumValue.Data())
	}

	status, ok := reg.Status(jobID)
	if !ok || status != StatusCompleted {
		t.Fatalf("expected status COMPLETED, got %v (ok=%v)", status, ok)
	}
}

func TestQueue_ConcurrentSameInputsDedupToOneJobID(t *testing.T) {
	reg, data := newTestJobRegistry(t)
	schema := value.Schema{TypeName: "integer"}
	a, _ := data.RegisterData(int64(10), schema, value.NewOrphanPedigree("t"), "", true)
	b, _ := data.RegisterData(int64(20), schema, value.NewOrphanPedigree("t"), "", true)
	inputs := map[string]value.ID{"a": a.ID(), "b": b.ID()}

	id1, err := reg.Queue(context.Background(), manifest.Manifest{ModuleType: "add"}, inputs)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := reg.Queue(context.Background(), manifest.Manifest{ModuleType: "add"}, inputs)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("expected two Queue calls with identical inputs to dedup to one job id, got %s vs %s", id1, id2)
	}
	if err := reg.WaitFor(context.Background(), id1); err != nil {
		t.Fatal(err)
	}
}

func TestCancel_QueuedJobNeverRuns(t *testing.T) {
	reg, _ := newTestJobRegistry(t)

	// Saturate the worker pool first, so the job Queue()s below is
	// guaranteed to still be waiting for a slot (never dispatched) when
	// Cancel is called.
	for i := 0; i < defaultWorkerPoolSize; i++ {
		reg.workerSem <- struct{}{}
	}

	jobID, err := reg.Queue(context.Background(), manifest.Manifest{ModuleType: "now"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Cancel(jobID); err != nil {
		t.Fatal(err)
	}

	// Free exactly one slot so dispatch can proceed past the semaphore
	// wait and observe the cancellation flag before running anything.
	<-reg.workerSem

	if err := reg.WaitFor(context.Background(), jobID); err != nil {
		t.Fatal(err)
	}
	status, ok := reg.Status(jobID)
	if !ok {
		t.Fatal("expected the cancelled job's record to still be retrievable")
	}
	if status != StatusCancelled {
		t.Fatalf("expected status CANCELLED, got %s", status)
	}
	if _, err := reg.RetrieveResult(context.Background(), jobID); err == nil {
		t.Fatal("expected a cancelled job to fail RetrieveResult")
	}
}

func TestWaitFor_UnknownJobIDErrors(t *testing.T) {
	reg, _ := newTestJobRegistry(t)
	if err := reg.WaitFor(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected WaitFor to error on an unknown job id")
	}
}
