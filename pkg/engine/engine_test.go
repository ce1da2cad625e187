package engine

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/nainya/indexedcollections/internal/metrics"
	"github.com/nainya/indexedcollections/pkg/attrindex"
	"github.com/nainya/indexedcollections/pkg/collection"
	"github.com/nainya/indexedcollections/pkg/journal"
	"github.com/nainya/indexedcollections/pkg/keycodec"
	"github.com/nainya/indexedcollections/pkg/search"
	"github.com/nainya/indexedcollections/pkg/store"
	"github.com/nainya/indexedcollections/pkg/store/treestore"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func ptr(v keycodec.Value) *keycodec.Value {
	return &v
}

// exercise runs the container scenario: three members, attribute updates
// and searches inside the container scope
func exercise(t *testing.T, e *Engine) {
	t.Helper()

	owner, err := e.CreateEntity("user", nil)
	if err != nil {
		t.Fatalf("Failed to create owner: %v", err)
	}
	container := collection.Scope{Owner: owner, Name: "container"}
	scopes := []collection.Scope{container}

	var members []uuid.UUID
	for i := 0; i < 3; i++ {
		id, err := e.CreateEntity("item", scopes)
		if err != nil {
			t.Fatalf("Failed to create entity: %v", err)
		}
		if err := e.AddMember(container, id); err != nil {
			t.Fatalf("Failed to add member: %v", err)
		}
		members = append(members, id)
	}

	listed, err := e.ListMembers(container, collection.ListOptions{})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("Expected 3 members, got %v", listed)
	}
	for i := range members {
		if listed[i] != members[i] {
			t.Errorf("Member %d: expected %s, got %s", i, members[i], listed[i])
		}
	}

	items, err := e.ExactMatch(container, TypeAttribute, keycodec.Text("item"), 0)
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(items) != 3 {
		t.Errorf("Expected 3 items by type, got %v", items)
	}

	for i, h := range []int64{5, 6, 7} {
		if err := e.SetAttribute(members[i], "height", keycodec.Int(h), scopes); err != nil {
			t.Fatalf("Failed to set height: %v", err)
		}
	}
	q := search.Query{Start: ptr(keycodec.Int(6)), End: ptr(keycodec.Int(10)), StartInclusive: true}
	got, err := e.RangeMatch(container, "height", q)
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 results, got %v", got)
	}

	if err := e.SetAttribute(members[2], "height", keycodec.Int(5), scopes); err != nil {
		t.Fatalf("Failed to set height: %v", err)
	}
	got, err = e.RangeMatch(container, "height", q)
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(got) != 1 || got[0] != members[1] {
		t.Fatalf("Expected only %s, got %v", members[1], got)
	}

	attrs, err := e.Attributes(members[2])
	if err != nil {
		t.Fatalf("Failed to read attributes: %v", err)
	}
	if !attrs["height"].Equal(keycodec.Int(5)) || !attrs[TypeAttribute].Equal(keycodec.Text("item")) {
		t.Errorf("Unexpected attributes %v", attrs)
	}

	incs, err := e.Verify(members[2], "")
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if len(incs) != 0 {
		t.Errorf("Expected consistent index, got %v", incs)
	}
}

func TestBackends(t *testing.T) {
	for _, backend := range []string{BackendMemory, BackendTree, BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			e, err := Open(Options{Backend: backend, DataDir: t.TempDir(), Journal: true}, nil, metrics.NewMetrics())
			if err != nil {
				t.Fatalf("Failed to open engine: %v", err)
			}
			defer e.Close()
			exercise(t, e)
		})
	}
}

func TestUnknownBackend(t *testing.T) {
	_, err := Open(Options{Backend: "cassandra"}, nil, nil)
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Expected ErrUnknownBackend, got %v", err)
	}
}

func TestRemoveMemberDoesNotCascade(t *testing.T) {
	e, err := Open(Options{Backend: BackendMemory}, nil, nil)
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	defer e.Close()

	scope := collection.Scope{Owner: uuid.New(), Name: "c"}
	id, err := e.CreateEntity("item", []collection.Scope{scope})
	if err != nil {
		t.Fatalf("Failed to create entity: %v", err)
	}
	if err := e.AddMember(scope, id); err != nil {
		t.Fatalf("Failed to add member: %v", err)
	}
	if _, err := e.RemoveMember(scope, id); err != nil {
		t.Fatalf("Failed to remove member: %v", err)
	}

	if ok, _ := e.Contains(scope, id); ok {
		t.Error("Expected member to be removed")
	}
	got, err := e.ExactMatch(scope, TypeAttribute, keycodec.Text("item"), 0)
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected index entry to survive member removal, got %v", got)
	}

	// Re-setting without the scope drops the entry
	if err := e.SetAttribute(id, TypeAttribute, keycodec.Text("item"), nil); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	got, _ = e.ExactMatch(scope, TypeAttribute, keycodec.Text("item"), 0)
	if len(got) != 0 {
		t.Errorf("Expected entry to be dropped, got %v", got)
	}
}

func TestRecoveryReportsInterruptedUpdate(t *testing.T) {
	dir := t.TempDir()
	entity := uuid.New()
	scope := collection.Scope{Owner: uuid.New(), Name: "c"}

	// A previous run indexed the attribute, lost the index entry and
	// crashed before committing its intent
	s, err := treestore.Open(dir, nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	attrs := attrindex.New(s, nil, nil)
	if err := attrs.SetAttribute(entity, "name", keycodec.Text("fred"), []collection.Scope{scope}); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	row, _ := scope.Key()
	col, _ := attrindex.EntryColumn("name", keycodec.Text("fred"), entity)
	if _, err := s.Delete(store.RegionIndex, row, col); err != nil {
		t.Fatalf("Failed to delete entry: %v", err)
	}
	s.Close()

	j := &journal.Journal{Path: filepath.Join(dir, journal.FileName)}
	if err := j.Open(); err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	if _, err := j.Begin(entity, "name"); err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	j.Close()

	m := metrics.NewMetrics()
	e, err := Open(Options{Backend: BackendTree, DataDir: dir, Journal: true}, nil, m)
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	recovered := e.Recovered()
	if len(recovered) != 1 || recovered[0].Reason != attrindex.ReasonMissingEntry || recovered[0].Entity != entity {
		t.Fatalf("Expected one missing entry for %s, got %v", entity, recovered)
	}
	if got := testutil.ToFloat64(m.InconsistentIndexTotal); got != 1 {
		t.Errorf("Expected 1 inconsistency counted, got %v", got)
	}
	e.Close()

	// Verified intents are resolved and not reported again
	e, err = Open(Options{Backend: BackendTree, DataDir: dir, Journal: true}, nil, nil)
	if err != nil {
		t.Fatalf("Failed to reopen engine: %v", err)
	}
	defer e.Close()
	if len(e.Recovered()) != 0 {
		t.Errorf("Expected nothing recovered, got %v", e.Recovered())
	}
}

func TestNewWithInjectedStore(t *testing.T) {
	s, err := treestore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	e := New(s, nil, nil)
	defer e.Close()
	exercise(t, e)
}

// Repeated updates over thousands of entities drive the tree through many
// splits and merges; every current value must stay findable.
func TestRepeatedUpdatesStayIndexed(t *testing.T) {
	e, err := Open(Options{Backend: BackendMemory}, nil, nil)
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	defer e.Close()

	scope := collection.Scope{Owner: uuid.New(), Name: "all"}
	scopes := []collection.Scope{scope}
	entities := make([]uuid.UUID, 3000)
	for i := range entities {
		entities[i] = uuid.New()
	}

	const buckets = 10
	for round := 0; round < 4; round++ {
		for i, id := range entities {
			v := keycodec.Int(int64((i + round) % buckets))
			if err := e.SetAttribute(id, "bucket", v, scopes); err != nil {
				t.Fatalf("Failed to set round %d: %v", round, err)
			}
		}
	}

	for b := int64(0); b < buckets; b++ {
		got, err := e.ExactMatch(scope, "bucket", keycodec.Int(b), 1000)
		if err != nil {
			t.Fatalf("Failed to search: %v", err)
		}
		if len(got) != len(entities)/buckets {
			t.Errorf("Bucket %d: expected %d entities, got %d", b, len(entities)/buckets, len(got))
		}
	}
	for _, id := range entities {
		incs, err := e.Verify(id, "")
		if err != nil {
			t.Fatalf("Failed to verify: %v", err)
		}
		if len(incs) != 0 {
			t.Fatalf("Unexpected inconsistencies for %s: %v", id, incs)
		}
	}
}
