package cron

import (
	"context"
	"testing"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryKeepsOrderAndCopies(t *testing.T) {
	jobA := &stubJob{name: "subscription-resync"}
	jobB := &stubJob{name: "ledger-replay"}
	registry, err := NewRegistry(jobA, jobB)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	jobs := registry.Jobs()
	if len(jobs) != 2 || jobs[0] != jobA || jobs[1] != jobB {
		t.Fatalf("jobs returned out of order: %v", jobs)
	}
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
}

func TestRegistryRejectsBadJobs(t *testing.T) {
	registry, err := NewRegistry(&stubJob{name: "subscription-resync"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := registry.Register(&stubJob{name: "subscription-resync"}); err == nil {
		t.Fatalf("expected duplicate name rejected")
	}
	if err := registry.Register(&stubJob{name: "  "}); err == nil {
		t.Fatalf("expected blank name rejected")
	}
	if err := registry.Register(nil); err == nil {
		t.Fatalf("expected nil job rejected")
	}
	if len(registry.Jobs()) != 1 {
		t.Fatalf("rejected jobs must not be stored")
	}

	if _, err := NewRegistry(&stubJob{name: "a"}, &stubJob{name: "a"}); err == nil {
		t.Fatalf("expected constructor to reject duplicates")
	}
}
