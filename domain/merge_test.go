package domain

import (
	"reflect"
	"sort"
	"testing"
)

func TestMergeListUnion(t *testing.T) {
	current := map[string]any{"tags": []any{}}
	local := map[string]any{"tags": []any{"a", "b"}}
	remote := map[string]any{"tags": []any{"b", "c"}}

	merged := Merge(current, local, remote)

	tags, ok := merged["tags"].([]any)
	if !ok {
		t.Fatalf("expected list, got %T", merged["tags"])
	}
	got := make([]string, 0, len(tags))
	for _, v := range tags {
		got = append(got, v.(string))
	}
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("expected set union a,b,c, got %v", got)
	}
}

func TestMergeScalarLocalWins(t *testing.T) {
	merged := Merge(map[string]any{}, map[string]any{"status": "paused"}, map[string]any{"status": "active"})
	if merged["status"] != "paused" {
		t.Fatalf("expected local value, got %v", merged["status"])
	}
}

func TestMergeNestedMapLocalWinsOnOverlap(t *testing.T) {
	local := map[string]any{"meta": map[string]any{"color": "red", "size": "L"}}
	remote := map[string]any{"meta": map[string]any{"color": "blue", "weight": 3.5}}

	merged := Merge(map[string]any{}, local, remote)

	meta, ok := merged["meta"].(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", merged["meta"])
	}
	if meta["color"] != "red" {
		t.Fatalf("expected local leaf to win, got %v", meta["color"])
	}
	if meta["size"] != "L" || meta["weight"] != 3.5 {
		t.Fatalf("expected union of sub-keys, got %v", meta)
	}
}

func TestMergeCarriesUniqueKeysUnchanged(t *testing.T) {
	local := map[string]any{"onlyLocal": 1}
	remote := map[string]any{"onlyRemote": 2}

	merged := Merge(map[string]any{"base": "x"}, local, remote)

	if merged["onlyLocal"] != 1 || merged["onlyRemote"] != 2 {
		t.Fatalf("unique keys not carried: %v", merged)
	}
	if merged["base"] != "x" {
		t.Fatalf("current state dropped: %v", merged)
	}
}

func TestMergeMismatchedShapesFavorLocal(t *testing.T) {
	local := map[string]any{"field": []any{"a"}}
	remote := map[string]any{"field": "scalar"}

	merged := Merge(map[string]any{}, local, remote)

	if !reflect.DeepEqual(merged["field"], []any{"a"}) {
		t.Fatalf("expected local list, got %v", merged["field"])
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	current := map[string]any{"status": "active"}
	local := map[string]any{"tags": []any{"a"}}
	remote := map[string]any{"tags": []any{"b"}}

	Merge(current, local, remote)

	if current["status"] != "active" || len(current) != 1 {
		t.Fatalf("current mutated: %v", current)
	}
	if !reflect.DeepEqual(local["tags"], []any{"a"}) {
		t.Fatalf("local mutated: %v", local)
	}
	if !reflect.DeepEqual(remote["tags"], []any{"b"}) {
		t.Fatalf("remote mutated: %v", remote)
	}
}
