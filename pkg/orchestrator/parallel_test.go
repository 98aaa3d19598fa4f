package orchestrator

import (
	"testing"

	"orchestrator/pkg/proto"
)

func boolPtr(b bool) *bool { return &b }

func TestRemainingNonBlockingSkipsPassingAndBlocking(t *testing.T) {
	mf := &proto.Manifest{Features: []proto.Feature{
		{Description: "blocking one", Passes: false},
		{Description: "nb done", Blocking: boolPtr(false), Passes: true},
		{Description: "nb pending", Blocking: boolPtr(false), Passes: false},
	}}
	got := remainingNonBlocking(mf)
	if len(got) != 1 || got[0].Description != "nb pending" {
		t.Errorf("remainingNonBlocking = %v, want [nb pending]", got)
	}
}

func TestReadySetRespectsDependsOn(t *testing.T) {
	remaining := []proto.Feature{
		{Description: "a", DependsOn: nil},
		{Description: "b", DependsOn: []string{"a"}},
		{Description: "c", DependsOn: []string{"z"}},
	}
	completed := map[string]bool{}
	ready := readySet(remaining, completed)
	if len(ready) != 1 || ready[0].Description != "a" {
		t.Errorf("readySet = %v, want [a]", ready)
	}

	completed["a"] = true
	ready = readySet(remaining, completed)
	descs := map[string]bool{}
	for _, f := range ready {
		descs[f.Description] = true
	}
	if !descs["a"] || !descs["b"] || descs["c"] {
		t.Errorf("readySet after completing a = %v, want {a,b}", ready)
	}
}

func TestBatchOfSplitsToConcurrencyCap(t *testing.T) {
	features := make([]proto.Feature, 7)
	for i := range features {
		features[i].Description = string(rune('a' + i))
	}
	batches := batchOf(features, 3)
	if len(batches) != 3 {
		t.Fatalf("len(batches) = %d, want 3", len(batches))
	}
	if len(batches[0]) != 3 || len(batches[1]) != 3 || len(batches[2]) != 1 {
		t.Errorf("batch sizes = %d, %d, %d, want 3, 3, 1", len(batches[0]), len(batches[1]), len(batches[2]))
	}
}

func TestCompletedDescriptionsIncludesBlockingAndNonBlocking(t *testing.T) {
	mf := &proto.Manifest{Features: []proto.Feature{
		{Description: "a", Passes: true},
		{Description: "b", Blocking: boolPtr(false), Passes: true},
		{Description: "c", Blocking: boolPtr(false), Passes: false},
	}}
	got := completedDescriptions(mf)
	if !got["a"] || !got["b"] || got["c"] {
		t.Errorf("completedDescriptions = %v, want {a,b}", got)
	}
}
