package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/rendis/nodeflow/pkg/schema"
)

// --- helpers ---

func httpNode(id string, depends ...string) schema.Node {
	deps := make([]schema.NodeID, len(depends))
	for i, d := range depends {
		deps[i] = schema.NodeID(d)
	}
	return schema.Node{
		ID:         schema.NodeID(id),
		Name:       "n" + id,
		RequestURL: "http://example.invalid/" + id,
		DependsOn:  deps,
	}
}

func assertCode(t *testing.T, err error, expectedCode string) *schema.NodeflowError {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var ne *schema.NodeflowError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NodeflowError, got %T: %v", err, err)
	}
	if ne.Code != expectedCode {
		t.Errorf("expected code %s, got %s: %s", expectedCode, ne.Code, ne.Message)
	}
	return ne
}

func indexOf(dag *DAG) map[schema.NodeID]int {
	m := make(map[schema.NodeID]int, len(dag.Sorted))
	for i, s := range dag.Sorted {
		m[s] = i
	}
	return m
}

func ids(s ...string) []schema.NodeID {
	out := make([]schema.NodeID, len(s))
	for i, v := range s {
		out[i] = schema.NodeID(v)
	}
	return out
}

// --- graph structure tests ---

func TestParseDAG_LinearChain(t *testing.T) {
	dag, err := ParseDAG([]schema.Node{httpNode("3", "2"), httpNode("1"), httpNode("2", "1")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(dag.Sorted, ids("1", "2", "3")) {
		t.Errorf("incorrect topological order: %v", dag.Sorted)
	}
	if !reflect.DeepEqual(dag.Roots, ids("1")) {
		t.Errorf("expected roots=[1], got %v", dag.Roots)
	}
	if len(dag.Levels) != 3 {
		t.Errorf("expected 3 levels, got %d", len(dag.Levels))
	}
}

func TestParseDAG_Diamond(t *testing.T) {
	dag, err := ParseDAG([]schema.Node{
		httpNode("1"),
		httpNode("3", "1"),
		httpNode("2", "1"),
		httpNode("4", "2", "3"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][]schema.NodeID{ids("1"), ids("2", "3"), ids("4")}
	if !reflect.DeepEqual(dag.Levels, want) {
		t.Errorf("levels = %v, want %v", dag.Levels, want)
	}
	if got := dag.String(); got != "[1] -> [2 3] -> [4]" {
		t.Errorf("String() = %q", got)
	}
	if !reflect.DeepEqual(dag.Reverse["1"], ids("2", "3")) {
		t.Errorf("reverse edges of 1 = %v", dag.Reverse["1"])
	}
}

func TestParseDAG_LevelsUseLongestPath(t *testing.T) {
	//   1 ── 2 ── 3
	//    \        /
	//     ─── 4 ─
	// 4 depends on 1 and 3, so it lands after 3 even though 1 is a root.
	dag, err := ParseDAG([]schema.Node{
		httpNode("1"), httpNode("2", "1"), httpNode("3", "2"), httpNode("4", "1", "3"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dag.Wave("4") != 3 {
		t.Errorf("node 4 in wave %d, want 3", dag.Wave("4"))
	}
	if dag.Wave("missing") != -1 {
		t.Error("unknown node should have wave -1")
	}
}

func TestParseDAG_StableAcrossDeclarationOrder(t *testing.T) {
	a, err := ParseDAG([]schema.Node{httpNode("10"), httpNode("2"), httpNode("b"), httpNode("a", "2")})
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseDAG([]schema.Node{httpNode("a", "2"), httpNode("b"), httpNode("2"), httpNode("10")})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.Levels, b.Levels) || !reflect.DeepEqual(a.Sorted, b.Sorted) {
		t.Errorf("ordering depends on declaration order: %v vs %v", a.Levels, b.Levels)
	}
	if !reflect.DeepEqual(a.Levels[0], ids("2", "10", "b")) {
		t.Errorf("wave 0 = %v, want numeric ids first in numeric order", a.Levels[0])
	}
}

func TestParseDAG_DisconnectedComponents(t *testing.T) {
	dag, err := ParseDAG([]schema.Node{httpNode("1"), httpNode("2", "1"), httpNode("5"), httpNode("6", "5")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(dag.Roots, ids("1", "5")) {
		t.Errorf("roots = %v", dag.Roots)
	}
	idx := indexOf(dag)
	if idx["1"] > idx["2"] || idx["5"] > idx["6"] {
		t.Errorf("dependency order violated: %v", dag.Sorted)
	}
}

// --- validation tests ---

func TestParseDAG_Empty(t *testing.T) {
	_, err := ParseDAG(nil)
	assertCode(t, err, schema.ErrCodeValidation)
}

func TestParseDAG_EmptyID(t *testing.T) {
	_, err := ParseDAG([]schema.Node{{Name: "a", RequestURL: "http://x"}})
	assertCode(t, err, schema.ErrCodeValidation)
}

func TestParseDAG_DuplicateID(t *testing.T) {
	_, err := ParseDAG([]schema.Node{httpNode("1"), httpNode("1")})
	ne := assertCode(t, err, schema.ErrCodeValidation)
	if ne.NodeID != "1" {
		t.Errorf("expected node id 1 on error, got %q", ne.NodeID)
	}
}

func TestParseDAG_DanglingDependency(t *testing.T) {
	_, err := ParseDAG([]schema.Node{httpNode("1", "9")})
	ne := assertCode(t, err, schema.ErrCodeValidation)
	if ne.Details["missing"] != "9" {
		t.Errorf("missing detail = %v", ne.Details["missing"])
	}
}

func TestParseDAG_DuplicateDependency(t *testing.T) {
	_, err := ParseDAG([]schema.Node{httpNode("1"), httpNode("2", "1", "1")})
	assertCode(t, err, schema.ErrCodeValidation)
}

func TestParseDAG_SelfDependency(t *testing.T) {
	_, err := ParseDAG([]schema.Node{httpNode("1", "1")})
	assertCode(t, err, schema.ErrCodeCycleDetected)
}

func TestParseDAG_CycleReportsOffendingIDs(t *testing.T) {
	_, err := ParseDAG([]schema.Node{
		httpNode("1"),
		httpNode("2", "1", "4"),
		httpNode("3", "2"),
		httpNode("4", "3"),
	})
	ne := assertCode(t, err, schema.ErrCodeCycleDetected)

	cycle, ok := ne.Details["cycle"].([]string)
	if !ok {
		t.Fatalf("cycle detail missing: %#v", ne.Details)
	}
	if !reflect.DeepEqual(cycle, []string{"2", "4", "3", "2"}) {
		t.Errorf("cycle = %v", cycle)
	}
}

func TestParseDAG_TwoNodeCycle(t *testing.T) {
	_, err := ParseDAG([]schema.Node{httpNode("a", "b"), httpNode("b", "a")})
	ne := assertCode(t, err, schema.ErrCodeCycleDetected)
	if ne.Message != "cycle detected: a -> b -> a" {
		t.Errorf("message = %q", ne.Message)
	}
}
