package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestHistoryHookRetainsBoundedRecords(t *testing.T) {
	log, hook := New(logrus.InfoLevel, 2)
	log.Info("one")
	log.Info("two")
	log.Info("three")

	records := hook.Snapshot()
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
	if records[0].Message != "two" || records[1].Message != "three" {
		t.Fatalf("unexpected records %+v", records)
	}
}
