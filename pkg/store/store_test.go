package store

import (
	"errors"
	"testing"
)

func TestRangeEmpty(t *testing.T) {
	tests := []struct {
		name string
		r    Range
		want bool
	}{
		{"open", Range{}, false},
		{"ordered", Range{Start: []byte("a"), End: []byte("b")}, false},
		{"inverted", Range{Start: []byte("b"), End: []byte("a"), StartInclusive: true, EndInclusive: true}, true},
		{"point inclusive", Range{Start: []byte("a"), End: []byte("a"), StartInclusive: true, EndInclusive: true}, false},
		{"point half open", Range{Start: []byte("a"), End: []byte("a"), StartInclusive: true}, true},
	}
	for _, tt := range tests {
		if got := tt.r.Empty(); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestRangeContains(t *testing.T) {
	r := Range{Start: []byte("b"), End: []byte("d"), StartInclusive: true}
	for k, want := range map[string]bool{"a": false, "b": true, "c": true, "d": false, "e": false} {
		if got := r.Contains([]byte(k)); got != want {
			t.Errorf("Contains(%q): expected %v, got %v", k, want, got)
		}
	}
}

func TestUnavailableWrapping(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Unavailable("put", cause)
	if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, cause) {
		t.Errorf("Expected both sentinel and cause, got %v", err)
	}
	if Unavailable("put", nil) != nil {
		t.Error("Expected nil for nil error")
	}
	if !errors.Is(Unavailable("get", ErrClosed), ErrClosed) {
		t.Error("Expected ErrClosed to pass through")
	}
}

func TestRegionNamesValidate(t *testing.T) {
	if err := DefaultRegionNames().Validate(); err != nil {
		t.Fatalf("Default names invalid: %v", err)
	}
	names := DefaultRegionNames()
	delete(names, RegionCollections)
	if err := names.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for missing region, got %v", err)
	}
}
