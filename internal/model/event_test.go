package model

import (
	"testing"
	"time"
)

func TestDedupKey_SameBucketCollapses(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)
	bucket := time.Minute

	k1 := DedupKey(EntityOrder, "ORD-1", "SUBMITTED", base, bucket)
	k2 := DedupKey(EntityOrder, "ORD-1", "SUBMITTED", base.Add(40*time.Second), bucket)
	if k1 != k2 {
		t.Error("signals in the same bucket should share a dedup key")
	}

	k3 := DedupKey(EntityOrder, "ORD-1", "SUBMITTED", base.Add(2*time.Minute), bucket)
	if k1 == k3 {
		t.Error("signals in different buckets should not collide")
	}
}

func TestDedupKey_DistinguishesFields(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	base := DedupKey(EntityOrder, "ORD-1", "SUBMITTED", at, time.Minute)

	if DedupKey(EntityPayment, "ORD-1", "SUBMITTED", at, time.Minute) == base {
		t.Error("entity type must factor into the key")
	}
	if DedupKey(EntityOrder, "ORD-2", "SUBMITTED", at, time.Minute) == base {
		t.Error("external ref must factor into the key")
	}
	if DedupKey(EntityOrder, "ORD-1", "SUCCESSFUL", at, time.Minute) == base {
		t.Error("raw status must factor into the key")
	}
}

func TestNewReconciliationEvent_SourceIgnoredByKey(t *testing.T) {
	at := time.Now()
	ev1 := NewReconciliationEvent(EntityPayment, "PAY-9", "SUCCESS", at, SourceWebhook, time.Minute)
	ev2 := NewReconciliationEvent(EntityPayment, "PAY-9", "SUCCESS", at, SourcePoll, time.Minute)
	if ev1.DedupKey != ev2.DedupKey {
		t.Error("the same signal via webhook and poll must dedup to one event")
	}
}
