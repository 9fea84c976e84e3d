package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestEndpointSubscribed(t *testing.T) {
	ep := Endpoint{Active: true, Events: []string{"export.completed"}}
	if !ep.Subscribed("export.completed") {
		t.Fatalf("expected subscription")
	}
	if ep.Subscribed("export.failed") {
		t.Fatalf("unexpected subscription")
	}
	ep.Active = false
	if ep.Subscribed("export.completed") {
		t.Fatalf("inactive endpoint must not be subscribed")
	}
}

func TestErrorKind(t *testing.T) {
	err := fmt.Errorf("get object: %w", fmt.Errorf("%w: timeout", ErrStorage))
	if got := ErrorKind(err); got != "storage_failure" {
		t.Fatalf("ErrorKind = %q", got)
	}
	if got := ErrorKind(errors.New("boom")); got != "internal" {
		t.Fatalf("ErrorKind = %q", got)
	}
	if got := ErrorKind(nil); got != "" {
		t.Fatalf("ErrorKind(nil) = %q", got)
	}
}
