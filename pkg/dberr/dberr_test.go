package dberr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Format(t *testing.T) {
	err := New(CategoryConfiguration, CodeDuplicateDatabase, "name already in use").
		WithDatabase("playlists")
	msg := err.Error()
	for _, want := range []string{"CONFIGURATION", "DUPLICATE_DATABASE", "playlists", "name already in use"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestError_UnwrapChain(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := NewTransitionError("media", 3, cause)
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is does not reach the cause")
	}
	wrapped := fmt.Errorf("update: %w", err)
	var de *Error
	if !errors.As(wrapped, &de) {
		t.Fatalf("errors.As does not find the structured error")
	}
	if de.Version != 3 || de.Database != "media" {
		t.Errorf("annotations lost through wrapping: %+v", de)
	}
}

func TestError_IsMatchesCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w",
		New(CategoryConsistency, CodeVerifyFailed, "column mismatch"))
	if !errors.Is(err, New(CategoryConsistency, CodeVerifyFailed, "")) {
		t.Errorf("same category and code did not match")
	}
	if errors.Is(err, New(CategoryConsistency, CodeReconcileFailed, "")) {
		t.Errorf("different code matched")
	}
}

func TestCategoryPredicates(t *testing.T) {
	tests := []struct {
		err  error
		pred func(error) bool
		want bool
	}{
		{New(CategoryConfiguration, CodeUnknownDatabase, "x"), IsConfiguration, true},
		{New(CategoryConfiguration, CodeUnknownDatabase, "x"), IsConsistency, false},
		{Wrap(CategoryConsistency, CodeReconcileFailed, "x", nil), IsConsistency, true},
		{NewTransitionError("db", 1, errors.New("boom")), IsTransition, true},
		{fmt.Errorf("plain: %w", NewTransitionError("db", 1, nil)), IsTransition, true},
		{errors.New("plain"), IsConfiguration, false},
	}
	for i, tt := range tests {
		if got := tt.pred(tt.err); got != tt.want {
			t.Errorf("case %d: predicate = %v, want %v (err: %v)", i, got, tt.want, tt.err)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CategoryTransition, CodeScriptFailed, "boom"))
	if GetCategory(err) != CategoryTransition {
		t.Errorf("GetCategory = %q", GetCategory(err))
	}
	if GetCode(err) != CodeScriptFailed {
		t.Errorf("GetCode = %q", GetCode(err))
	}
	if GetCategory(errors.New("plain")) != "" {
		t.Errorf("plain errors should have no category")
	}
}
