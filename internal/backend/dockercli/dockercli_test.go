package dockercli

import (
	"context"
	"testing"
)

func TestIsAllowed(t *testing.T) {
	d := New()

	allowed := []string{"box-1", "coronet_run.2", "a", "Run-42"}
	for _, name := range allowed {
		if !d.IsAllowed(name) {
			t.Errorf("%q should be allowed", name)
		}
	}

	rejected := []string{"", "-leading-dash", ".hidden", "has space", "semi;colon", "$(whoami)", "a/b"}
	for _, name := range rejected {
		if d.IsAllowed(name) {
			t.Errorf("%q should be rejected", name)
		}
	}
}

func TestStopRejectsInvalidName(t *testing.T) {
	d := New()

	if err := d.Stop(context.Background(), "bad name; rm -rf /"); err == nil {
		t.Fatal("expected error for invalid name")
	}
}
