package attrindex

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/nainya/indexedcollections/internal/metrics"
	"github.com/nainya/indexedcollections/pkg/collection"
	"github.com/nainya/indexedcollections/pkg/keycodec"
	"github.com/nainya/indexedcollections/pkg/store"
	"github.com/nainya/indexedcollections/pkg/store/memstore"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fixture struct {
	index   *Index
	store   store.Store
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := memstore.New(nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	m := metrics.NewMetrics()
	return &fixture{index: New(s, nil, m), store: s, metrics: m}
}

// entries returns the entities indexed under scope for name = value
func (f *fixture) entries(t *testing.T, scope collection.Scope, name string, value keycodec.Value) []uuid.UUID {
	t.Helper()
	row, err := scope.Key()
	if err != nil {
		t.Fatalf("Failed to encode scope: %v", err)
	}
	prefix, err := ValuePrefix(name, value)
	if err != nil {
		t.Fatalf("Failed to encode prefix: %v", err)
	}
	cols, err := f.store.Scan(store.RegionIndex, row, store.Range{
		Start:          prefix,
		End:            keycodec.PrefixEnd(prefix),
		StartInclusive: true,
	})
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	var ids []uuid.UUID
	for _, c := range cols {
		_, id, err := ParseEntryColumn(c.Key)
		if err != nil {
			t.Fatalf("Failed to parse entry: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func scopeOf(name string) collection.Scope {
	return collection.Scope{Owner: uuid.New(), Name: name}
}

func TestSetAttributeReplacesOldEntry(t *testing.T) {
	f := newFixture(t)
	scope := scopeOf("people")
	e := uuid.New()

	if err := f.index.SetAttribute(e, "name", keycodec.Text("fred"), []collection.Scope{scope}); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	if got := f.entries(t, scope, "name", keycodec.Text("fred")); len(got) != 1 || got[0] != e {
		t.Fatalf("Expected [%s] for fred, got %v", e, got)
	}

	if err := f.index.SetAttribute(e, "name", keycodec.Text("steve"), []collection.Scope{scope}); err != nil {
		t.Fatalf("Failed to overwrite: %v", err)
	}
	if got := f.entries(t, scope, "name", keycodec.Text("fred")); len(got) != 0 {
		t.Errorf("Expected no entries for fred, got %v", got)
	}
	if got := f.entries(t, scope, "name", keycodec.Text("steve")); len(got) != 1 || got[0] != e {
		t.Errorf("Expected [%s] for steve, got %v", e, got)
	}

	v, ok, err := f.index.GetAttribute(e, "name")
	if err != nil || !ok {
		t.Fatalf("Expected raw value, got ok=%v err=%v", ok, err)
	}
	if !v.Equal(keycodec.Text("steve")) {
		t.Errorf("Expected steve, got %s", v)
	}
}

func TestSetAttributeMultipleScopes(t *testing.T) {
	f := newFixture(t)
	a, b, c := scopeOf("a"), scopeOf("b"), scopeOf("c")
	e := uuid.New()
	v := keycodec.Int(42)

	if err := f.index.SetAttribute(e, "age", v, []collection.Scope{a, b, a}); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	if got := f.entries(t, a, "age", v); len(got) != 1 {
		t.Errorf("Expected one entry in a, got %v", got)
	}
	if got := f.entries(t, b, "age", v); len(got) != 1 {
		t.Errorf("Expected one entry in b, got %v", got)
	}

	// Same value, scope set changes from {a,b} to {b,c}
	if err := f.index.SetAttribute(e, "age", v, []collection.Scope{b, c}); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	if got := f.entries(t, a, "age", v); len(got) != 0 {
		t.Errorf("Expected a to be dropped, got %v", got)
	}
	if got := f.entries(t, b, "age", v); len(got) != 1 {
		t.Errorf("Expected b to be kept, got %v", got)
	}
	if got := f.entries(t, c, "age", v); len(got) != 1 {
		t.Errorf("Expected c to be added, got %v", got)
	}

	incs, err := f.index.Verify(e, "age")
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if len(incs) != 0 {
		t.Errorf("Expected consistent index, got %v", incs)
	}
	if got := testutil.ToFloat64(f.metrics.InconsistentIndexTotal); got != 0 {
		t.Errorf("Expected no inconsistencies counted, got %v", got)
	}
}

func TestSetAttributeWithoutScopes(t *testing.T) {
	f := newFixture(t)
	e := uuid.New()

	if err := f.index.SetAttribute(e, "color", keycodec.Text("red"), nil); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	v, ok, err := f.index.GetAttribute(e, "color")
	if err != nil || !ok || !v.Equal(keycodec.Text("red")) {
		t.Errorf("Expected red, got %s ok=%v err=%v", v, ok, err)
	}
}

func TestMissingEntryOnUpdateIsWarning(t *testing.T) {
	f := newFixture(t)
	scope := scopeOf("people")
	e := uuid.New()

	if err := f.index.SetAttribute(e, "name", keycodec.Text("fred"), []collection.Scope{scope}); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}

	// Simulate a crash that lost the index entry
	row, _ := scope.Key()
	col, _ := EntryColumn("name", keycodec.Text("fred"), e)
	if _, err := f.store.Delete(store.RegionIndex, row, col); err != nil {
		t.Fatalf("Failed to delete entry: %v", err)
	}

	incs, err := f.index.Verify(e, "name")
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if len(incs) != 1 || incs[0].Reason != ReasonMissingEntry || incs[0].Scope != scope {
		t.Fatalf("Expected one missing entry, got %v", incs)
	}

	if err := f.index.SetAttribute(e, "name", keycodec.Text("steve"), []collection.Scope{scope}); err != nil {
		t.Fatalf("Expected update to tolerate missing entry, got %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.InconsistentIndexTotal); got != 1 {
		t.Errorf("Expected 1 inconsistency counted, got %v", got)
	}
	if got := f.entries(t, scope, "name", keycodec.Text("steve")); len(got) != 1 {
		t.Errorf("Expected steve indexed, got %v", got)
	}
}

func TestRemoveAttribute(t *testing.T) {
	f := newFixture(t)
	a, b := scopeOf("a"), scopeOf("b")
	e := uuid.New()
	v := keycodec.Bytes([]byte{1, 2, 3})

	if err := f.index.SetAttribute(e, "blob", v, []collection.Scope{a, b}); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	if err := f.index.RemoveAttribute(e, "blob"); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}

	for _, s := range []collection.Scope{a, b} {
		if got := f.entries(t, s, "blob", v); len(got) != 0 {
			t.Errorf("Expected no entries in %s, got %v", s, got)
		}
	}
	if _, ok, _ := f.index.GetAttribute(e, "blob"); ok {
		t.Error("Expected raw value to be removed")
	}
	if _, ok, _ := f.store.Get(store.RegionReverseIndex, e[:], reverseColumn("blob")); ok {
		t.Error("Expected reverse entry to be removed")
	}

	// Absent attribute
	if err := f.index.RemoveAttribute(e, "blob"); err != nil {
		t.Errorf("Expected no-op removal, got %v", err)
	}
}

func TestAttributes(t *testing.T) {
	f := newFixture(t)
	e := uuid.New()
	want := map[string]keycodec.Value{
		"name":   keycodec.Text("fred"),
		"height": keycodec.Int(-7),
		"blob":   keycodec.Bytes([]byte{0, 0xff}),
		"parent": keycodec.ID(uuid.New()),
	}
	for name, v := range want {
		if err := f.index.SetAttribute(e, name, v, nil); err != nil {
			t.Fatalf("Failed to set %s: %v", name, err)
		}
	}

	got, err := f.index.Attributes(e)
	if err != nil {
		t.Fatalf("Failed to list attributes: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d attributes, got %d", len(want), len(got))
	}
	for name, v := range want {
		if !got[name].Equal(v) {
			t.Errorf("%s: expected %s, got %s", name, v, got[name])
		}
	}
}

func TestVerifyRawMismatch(t *testing.T) {
	f := newFixture(t)
	e := uuid.New()

	if err := f.index.SetAttribute(e, "name", keycodec.Text("fred"), []collection.Scope{scopeOf("p")}); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	// An update interrupted after the raw write
	raw := keycodec.MustEncode(keycodec.Text("steve"))
	if err := f.store.Put(store.RegionEntities, e[:], []byte("name"), raw); err != nil {
		t.Fatalf("Failed to write raw: %v", err)
	}

	incs, err := f.index.VerifyEntity(e)
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if len(incs) != 1 || incs[0].Reason != ReasonRawMismatch {
		t.Errorf("Expected raw mismatch, got %v", incs)
	}
}

func TestInvalidInput(t *testing.T) {
	f := newFixture(t)
	e := uuid.New()

	if err := f.index.SetAttribute(e, "", keycodec.Int(1), nil); !errors.Is(err, keycodec.ErrEncoding) {
		t.Errorf("Expected ErrEncoding for empty name, got %v", err)
	}
	if err := f.index.SetAttribute(e, "x", keycodec.Value{}, nil); !errors.Is(err, keycodec.ErrEncoding) {
		t.Errorf("Expected ErrEncoding for zero value, got %v", err)
	}
	if err := f.index.SetAttribute(e, "x", keycodec.Text("\xff"), nil); !errors.Is(err, keycodec.ErrEncoding) {
		t.Errorf("Expected ErrEncoding for invalid text, got %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.AttributeWritesTotal.WithLabelValues("set", "error")); got != 3 {
		t.Errorf("Expected 3 failed writes, got %v", got)
	}
}

type recordingIntents struct {
	begun     map[uint64]string
	committed map[uint64]bool
	next      uint64
	fail      error
}

func (r *recordingIntents) Begin(entity uuid.UUID, name string) (uint64, error) {
	if r.fail != nil {
		return 0, r.fail
	}
	r.next++
	r.begun[r.next] = name
	return r.next, nil
}

func (r *recordingIntents) Commit(id uint64) error {
	r.committed[id] = true
	return nil
}

func TestIntentsRecorded(t *testing.T) {
	f := newFixture(t)
	rec := &recordingIntents{begun: map[uint64]string{}, committed: map[uint64]bool{}}
	f.index.SetIntents(rec)
	e := uuid.New()

	if err := f.index.SetAttribute(e, "name", keycodec.Text("fred"), nil); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	if err := f.index.RemoveAttribute(e, "name"); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	if len(rec.begun) != 2 || !rec.committed[1] || !rec.committed[2] {
		t.Errorf("Expected two committed intents, got begun=%v committed=%v", rec.begun, rec.committed)
	}

	rec.fail = errors.New("journal full")
	if err := f.index.SetAttribute(e, "name", keycodec.Text("x"), nil); !errors.Is(err, rec.fail) {
		t.Errorf("Expected intent failure to abort update, got %v", err)
	}
	if _, ok, _ := f.index.GetAttribute(e, "name"); ok {
		t.Error("Update ran despite failed intent")
	}
}

func TestReverseEntryRoundTrip(t *testing.T) {
	entry := reverseEntry{
		value:  keycodec.Text("san francisco"),
		scopes: []collection.Scope{scopeOf("a"), scopeOf("b\x00c")},
	}
	data, err := entry.encode()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	got, err := decodeReverseEntry(data)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if !got.value.Equal(entry.value) || len(got.scopes) != 2 || got.scopes[1] != entry.scopes[1] {
		t.Errorf("Round trip mismatch: %+v", got)
	}

	if _, err := decodeReverseEntry(keycodec.MustEncode(keycodec.Int(1), keycodec.Text("x"), keycodec.Text("y"))); !errors.Is(err, keycodec.ErrEncoding) {
		t.Errorf("Expected ErrEncoding for malformed scope, got %v", err)
	}
}

var errDiskGone = errors.New("disk gone")

// failingStore passes calls through until the configured Put or Delete in
// region, which fails the way an unreachable backend does.
type failingStore struct {
	store.Store
	region      store.Region
	putsLeft    int // successful Puts in region before failing; < 0 never fails
	deletesLeft int
}

func (s *failingStore) Put(region store.Region, row, column, value []byte) error {
	if region == s.region && s.putsLeft >= 0 {
		if s.putsLeft == 0 {
			return store.Unavailable("put", errDiskGone)
		}
		s.putsLeft--
	}
	return s.Store.Put(region, row, column, value)
}

func (s *failingStore) Delete(region store.Region, row, column []byte) (bool, error) {
	if region == s.region && s.deletesLeft >= 0 {
		if s.deletesLeft == 0 {
			return false, store.Unavailable("delete", errDiskGone)
		}
		s.deletesLeft--
	}
	return s.Store.Delete(region, row, column)
}

func TestSetAttributeFailureNeverLeavesOldValue(t *testing.T) {
	tests := []struct {
		name      string
		region    store.Region
		puts      int
		wantSteve [2]bool
	}{
		{"first index put", store.RegionIndex, 0, [2]bool{false, false}},
		{"second index put", store.RegionIndex, 1, [2]bool{true, false}},
		{"reverse entry put", store.RegionReverseIndex, 0, [2]bool{true, true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			scopes := []collection.Scope{scopeOf("a"), scopeOf("b")}
			e := uuid.New()
			if err := f.index.SetAttribute(e, "name", keycodec.Text("fred"), scopes); err != nil {
				t.Fatalf("Failed to set: %v", err)
			}

			faulty := &failingStore{Store: f.store, region: tt.region, putsLeft: tt.puts, deletesLeft: -1}
			err := New(faulty, nil, nil).SetAttribute(e, "name", keycodec.Text("steve"), scopes)
			if !errors.Is(err, store.ErrStoreUnavailable) || !errors.Is(err, errDiskGone) {
				t.Fatalf("Expected the store failure, got %v", err)
			}

			for i, scope := range scopes {
				if got := f.entries(t, scope, "name", keycodec.Text("fred")); len(got) != 0 {
					t.Errorf("Scope %d: stale entry for fred left behind: %v", i, got)
				}
				got := f.entries(t, scope, "name", keycodec.Text("steve"))
				if (len(got) == 1) != tt.wantSteve[i] {
					t.Errorf("Scope %d: expected steve indexed=%v, got %v", i, tt.wantSteve[i], got)
				}
			}

			// The interrupted update is detectable
			incs, err := f.index.Verify(e, "name")
			if err != nil {
				t.Fatalf("Failed to verify: %v", err)
			}
			if len(incs) == 0 {
				t.Error("Expected the interrupted update to show up in Verify")
			}
		})
	}
}

func TestSetAttributeFailsOnDelete(t *testing.T) {
	f := newFixture(t)
	scope := scopeOf("a")
	e := uuid.New()
	if err := f.index.SetAttribute(e, "age", keycodec.Int(30), []collection.Scope{scope}); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}

	faulty := &failingStore{Store: f.store, region: store.RegionIndex, putsLeft: -1, deletesLeft: 0}
	err := New(faulty, nil, nil).SetAttribute(e, "age", keycodec.Int(31), []collection.Scope{scope})
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("Expected ErrStoreUnavailable, got %v", err)
	}

	// Nothing past the failed delete ran
	v, ok, err := f.index.GetAttribute(e, "age")
	if err != nil || !ok || !v.Equal(keycodec.Int(30)) {
		t.Errorf("Expected raw value 30 untouched, got %v ok=%v err=%v", v, ok, err)
	}
	if got := f.entries(t, scope, "age", keycodec.Int(31)); len(got) != 0 {
		t.Errorf("Expected no entry for the new value, got %v", got)
	}
}

func TestRemoveAttributeFailure(t *testing.T) {
	f := newFixture(t)
	scopes := []collection.Scope{scopeOf("a"), scopeOf("b")}
	e := uuid.New()
	if err := f.index.SetAttribute(e, "name", keycodec.Text("fred"), scopes); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}

	faulty := &failingStore{Store: f.store, region: store.RegionIndex, putsLeft: -1, deletesLeft: 1}
	err := New(faulty, nil, nil).RemoveAttribute(e, "name")
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("Expected ErrStoreUnavailable, got %v", err)
	}

	if got := f.entries(t, scopes[0], "name", keycodec.Text("fred")); len(got) != 0 {
		t.Errorf("Expected first entry removed, got %v", got)
	}
	if got := f.entries(t, scopes[1], "name", keycodec.Text("fred")); len(got) != 1 {
		t.Errorf("Expected second entry still present, got %v", got)
	}

	// The reverse entry still lists both scopes, so a retry finishes the job
	if err := f.index.RemoveAttribute(e, "name"); err != nil {
		t.Fatalf("Failed to retry remove: %v", err)
	}
	if got := f.entries(t, scopes[1], "name", keycodec.Text("fred")); len(got) != 0 {
		t.Errorf("Expected retry to remove the entry, got %v", got)
	}
	if _, ok, _ := f.index.GetAttribute(e, "name"); ok {
		t.Error("Expected raw value removed after retry")
	}
}
