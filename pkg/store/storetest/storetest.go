// ABOUTME: Conformance suite shared by every store backend
// ABOUTME: Backends call Run from their own tests with an opener

package storetest

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/nainya/indexedcollections/pkg/store"
)

// Opener returns a fresh, empty store. Cleanup is the opener's job.
type Opener func(t *testing.T) store.Store

// Run exercises the store.Store contract against open
func Run(t *testing.T, open Opener) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, open(t)) })
	t.Run("EmptyValue", func(t *testing.T) { testEmptyValue(t, open(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("RowIsolation", func(t *testing.T) { testRowIsolation(t, open(t)) })
	t.Run("RegionIsolation", func(t *testing.T) { testRegionIsolation(t, open(t)) })
	t.Run("ScanBounds", func(t *testing.T) { testScanBounds(t, open(t)) })
	t.Run("ScanReverseLimit", func(t *testing.T) { testScanReverseLimit(t, open(t)) })
	t.Run("Mutate", func(t *testing.T) { testMutate(t, open(t)) })
	t.Run("InvalidArguments", func(t *testing.T) { testInvalidArguments(t, open(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, open(t)) })
}

func col(i int) []byte {
	return []byte(fmt.Sprintf("c%02d", i))
}

func fill(t *testing.T, s store.Store, region store.Region, row []byte, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := s.Put(region, row, col(i), []byte(fmt.Sprintf("v%02d", i))); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}
}

func keys(cols []store.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = string(c.Key)
	}
	return out
}

func expectKeys(t *testing.T, cols []store.Column, want ...string) {
	t.Helper()
	got := keys(cols)
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}

func testPutGet(t *testing.T, s store.Store) {
	defer s.Close()
	row := []byte("row")

	if _, ok, err := s.Get(store.RegionEntities, row, []byte("missing")); err != nil || ok {
		t.Fatalf("Expected miss, got ok=%v err=%v", ok, err)
	}

	if err := s.Put(store.RegionEntities, row, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := s.Put(store.RegionEntities, row, []byte("a"), []byte("2")); err != nil {
		t.Fatalf("Failed to overwrite: %v", err)
	}

	val, ok, err := s.Get(store.RegionEntities, row, []byte("a"))
	if err != nil || !ok {
		t.Fatalf("Expected hit, got ok=%v err=%v", ok, err)
	}
	if string(val) != "2" {
		t.Errorf("Expected 2, got %q", val)
	}
}

func testEmptyValue(t *testing.T, s store.Store) {
	defer s.Close()
	row := []byte("row")

	if err := s.Put(store.RegionIndex, row, []byte("k"), nil); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	val, ok, err := s.Get(store.RegionIndex, row, []byte("k"))
	if err != nil || !ok {
		t.Fatalf("Expected empty value to be present, got ok=%v err=%v", ok, err)
	}
	if len(val) != 0 {
		t.Errorf("Expected empty value, got %q", val)
	}

	cols, err := s.Scan(store.RegionIndex, row, store.Range{})
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	expectKeys(t, cols, "k")
}

func testDelete(t *testing.T, s store.Store) {
	defer s.Close()
	row := []byte("row")
	fill(t, s, store.RegionCollections, row, 3)

	existed, err := s.Delete(store.RegionCollections, row, col(1))
	if err != nil || !existed {
		t.Fatalf("Expected delete of present column, got existed=%v err=%v", existed, err)
	}
	existed, err = s.Delete(store.RegionCollections, row, col(1))
	if err != nil || existed {
		t.Fatalf("Expected second delete to report absent, got existed=%v err=%v", existed, err)
	}
	existed, err = s.Delete(store.RegionCollections, []byte("never"), col(1))
	if err != nil || existed {
		t.Fatalf("Expected delete in unknown row to report absent, got existed=%v err=%v", existed, err)
	}

	cols, err := s.Scan(store.RegionCollections, row, store.Range{})
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	expectKeys(t, cols, "c00", "c02")
}

func testRowIsolation(t *testing.T, s store.Store) {
	defer s.Close()

	// "ab" must not leak into row "a" even though it shares a prefix
	fill(t, s, store.RegionIndex, []byte("a"), 2)
	if err := s.Put(store.RegionIndex, []byte("ab"), []byte("x"), []byte("y")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := s.Put(store.RegionIndex, []byte("a\x00"), []byte("z"), []byte("y")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	cols, err := s.Scan(store.RegionIndex, []byte("a"), store.Range{})
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	expectKeys(t, cols, "c00", "c01")

	cols, err = s.Scan(store.RegionIndex, []byte("missing"), store.Range{})
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	if len(cols) != 0 {
		t.Errorf("Expected no columns for unknown row, got %v", keys(cols))
	}
}

func testRegionIsolation(t *testing.T, s store.Store) {
	defer s.Close()
	row := []byte("row")

	for _, r := range store.Regions {
		if err := s.Put(r, row, []byte("k"), []byte(r.String())); err != nil {
			t.Fatalf("Failed to put in %s: %v", r, err)
		}
	}
	for _, r := range store.Regions {
		val, ok, err := s.Get(r, row, []byte("k"))
		if err != nil || !ok {
			t.Fatalf("Expected hit in %s, got ok=%v err=%v", r, ok, err)
		}
		if string(val) != r.String() {
			t.Errorf("Region %s: expected %s, got %s", r, r, val)
		}
	}
}

func testScanBounds(t *testing.T, s store.Store) {
	defer s.Close()
	row := []byte("row")
	fill(t, s, store.RegionIndex, row, 10)

	tests := []struct {
		name string
		r    store.Range
		want []string
	}{
		{"inclusive", store.Range{Start: col(2), End: col(4), StartInclusive: true, EndInclusive: true}, []string{"c02", "c03", "c04"}},
		{"exclusive", store.Range{Start: col(2), End: col(4)}, []string{"c03"}},
		{"open start", store.Range{End: col(1), EndInclusive: true}, []string{"c00", "c01"}},
		{"open end", store.Range{Start: col(8), StartInclusive: true}, []string{"c08", "c09"}},
		{"between keys", store.Range{Start: []byte("c03x"), End: []byte("c05x"), StartInclusive: true}, []string{"c04", "c05"}},
		{"inverted", store.Range{Start: col(5), End: col(2), StartInclusive: true, EndInclusive: true}, nil},
		{"equal exclusive", store.Range{Start: col(5), End: col(5), StartInclusive: true}, nil},
		{"past end", store.Range{Start: []byte("d"), StartInclusive: true}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cols, err := s.Scan(store.RegionIndex, row, tt.r)
			if err != nil {
				t.Fatalf("Failed to scan: %v", err)
			}
			expectKeys(t, cols, tt.want...)
		})
	}
}

func testScanReverseLimit(t *testing.T, s store.Store) {
	defer s.Close()
	row := []byte("row")
	fill(t, s, store.RegionIndex, row, 10)

	cols, err := s.Scan(store.RegionIndex, row, store.Range{Limit: 3, Reverse: true})
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	expectKeys(t, cols, "c09", "c08", "c07")

	cols, err = s.Scan(store.RegionIndex, row, store.Range{Start: col(2), End: col(6), StartInclusive: true, Reverse: true})
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	expectKeys(t, cols, "c05", "c04", "c03", "c02")

	cols, err = s.Scan(store.RegionIndex, row, store.Range{Start: col(2), End: []byte("c06x"), Limit: 2, Reverse: true})
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	expectKeys(t, cols, "c06", "c05")

	cols, err = s.Scan(store.RegionIndex, row, store.Range{Limit: 4})
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	expectKeys(t, cols, "c00", "c01", "c02", "c03")
	if !bytes.Equal(cols[3].Value, []byte("v03")) {
		t.Errorf("Expected v03, got %q", cols[3].Value)
	}
}

func testMutate(t *testing.T, s store.Store) {
	defer s.Close()
	row := []byte("row")
	fill(t, s, store.RegionCollections, row, 2)

	err := s.Mutate(store.RegionCollections, row, []store.Mutation{
		store.Del(col(0)),
		store.Put(col(5), []byte("five")),
		store.Put(col(1), []byte("one")),
	})
	if err != nil {
		t.Fatalf("Failed to mutate: %v", err)
	}

	cols, err := s.Scan(store.RegionCollections, row, store.Range{})
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	expectKeys(t, cols, "c01", "c05")
	if string(cols[0].Value) != "one" || string(cols[1].Value) != "five" {
		t.Errorf("Unexpected values %q %q", cols[0].Value, cols[1].Value)
	}

	if err := s.Mutate(store.RegionCollections, row, nil); err != nil {
		t.Errorf("Expected empty batch to succeed, got %v", err)
	}
}

func testInvalidArguments(t *testing.T, s store.Store) {
	defer s.Close()

	if err := s.Put(store.RegionEntities, nil, []byte("c"), nil); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for empty row, got %v", err)
	}
	if err := s.Put(store.RegionEntities, []byte("r"), nil, nil); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for empty column, got %v", err)
	}
	if _, _, err := s.Get(store.Region(99), []byte("r"), []byte("c")); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for unknown region, got %v", err)
	}

	// A failed batch must leave the row untouched
	err := s.Mutate(store.RegionEntities, []byte("r"), []store.Mutation{
		store.Put([]byte("ok"), []byte("v")),
		store.Put(nil, []byte("v")),
	})
	if !errors.Is(err, store.ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument, got %v", err)
	}
	if _, ok, _ := s.Get(store.RegionEntities, []byte("r"), []byte("ok")); ok {
		t.Errorf("Rejected batch was partially applied")
	}
}

func testClosed(t *testing.T, s store.Store) {
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	if err := s.Put(store.RegionEntities, []byte("r"), []byte("c"), nil); !errors.Is(err, store.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable after close, got %v", err)
	}
	if _, err := s.Scan(store.RegionEntities, []byte("r"), store.Range{}); !errors.Is(err, store.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable from scan after close, got %v", err)
	}
}
