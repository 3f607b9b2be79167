package kvdoc

import "testing"

func buildUserTree(t *testing.T, users map[string]string) *Value {
	t.Helper()
	root := Object()
	for id, email := range users {
		var err error
		root, _, err = setAt(root, mustParse(t, "users."+id), mustObject(t, map[string]any{"email": email}))
		if err != nil {
			t.Fatalf("setAt: %v", err)
		}
	}
	return root
}

func mustObject(t *testing.T, m map[string]any) *Value {
	t.Helper()
	v, err := ValueFrom(m)
	if err != nil {
		t.Fatalf("ValueFrom: %v", err)
	}
	return v
}

func TestIndexStoreRebuildAndFind(t *testing.T) {
	is, err := newIndexStore([]IndexDef{{Name: "byEmail", CollectionPath: "users", Field: "email"}})
	if err != nil {
		t.Fatalf("newIndexStore: %v", err)
	}
	root := buildUserTree(t, map[string]string{
		"1": "a@x.com",
		"2": "b@x.com",
	})
	is.rebuild(root)

	path, found, err := is.findByIndex("byEmail", String("a@x.com"))
	if err != nil || !found {
		t.Fatalf("findByIndex(a@x.com) = (%q, %v, %v), wanted found", path, found, err)
	}
	if path != "users.1" {
		t.Fatalf("findByIndex(a@x.com) = %q, wanted %q", path, "users.1")
	}

	if _, found, _ := is.findByIndex("byEmail", String("missing@x.com")); found {
		t.Fatalf("findByIndex(missing) found = true, wanted false")
	}

	if _, _, err := is.findByIndex("noSuchIndex", String("a@x.com")); err == nil {
		t.Fatalf("findByIndex(unknown index) error = nil, wanted IndexError")
	}
}

func TestIndexStoreOnMutationIncremental(t *testing.T) {
	is, err := newIndexStore([]IndexDef{{Name: "byEmail", CollectionPath: "users", Field: "email"}})
	if err != nil {
		t.Fatalf("newIndexStore: %v", err)
	}
	root := buildUserTree(t, map[string]string{"1": "a@x.com"})
	is.rebuild(root)

	newRoot, _, err := setAt(root, mustParse(t, "users.1.email"), String("new@x.com"))
	if err != nil {
		t.Fatalf("setAt: %v", err)
	}
	if err := is.onMutation(root, newRoot, "users.1.email"); err != nil {
		t.Fatalf("onMutation: %v", err)
	}

	if _, found, _ := is.findByIndex("byEmail", String("a@x.com")); found {
		t.Fatalf("old email still indexed after onMutation")
	}
	path, found, err := is.findByIndex("byEmail", String("new@x.com"))
	if err != nil || !found || path != "users.1" {
		t.Fatalf("findByIndex(new@x.com) = (%q, %v, %v), wanted (users.1, true, nil)", path, found, err)
	}
}

func TestIndexStoreFindAllByIndex(t *testing.T) {
	is, err := newIndexStore([]IndexDef{{Name: "byRole", CollectionPath: "users", Field: "role"}})
	if err != nil {
		t.Fatalf("newIndexStore: %v", err)
	}
	root := Object()
	root, _, _ = setAt(root, mustParse(t, "users.1"), mustObject(t, map[string]any{"role": "admin"}))
	root, _, _ = setAt(root, mustParse(t, "users.2"), mustObject(t, map[string]any{"role": "admin"}))
	root, _, _ = setAt(root, mustParse(t, "users.3"), mustObject(t, map[string]any{"role": "member"}))
	is.rebuild(root)

	paths, err := is.findAllByIndex("byRole", String("admin"))
	if err != nil {
		t.Fatalf("findAllByIndex: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("findAllByIndex(admin) = %v, wanted 2 paths", paths)
	}
}

func TestIndexStoreDuplicateNameRejected(t *testing.T) {
	_, err := newIndexStore([]IndexDef{
		{Name: "dup", CollectionPath: "users", Field: "email"},
		{Name: "dup", CollectionPath: "orders", Field: "status"},
	})
	if err == nil {
		t.Fatalf("newIndexStore(duplicate names) error = nil, wanted error")
	}
}

func TestIndexSidecarEncodeDecodeRoundTrip(t *testing.T) {
	is, err := newIndexStore([]IndexDef{{Name: "byEmail", CollectionPath: "users", Field: "email"}})
	if err != nil {
		t.Fatalf("newIndexStore: %v", err)
	}
	root := buildUserTree(t, map[string]string{"1": "a@x.com", "2": "b@x.com"})
	is.rebuild(root)

	idx := is.byName["byEmail"]
	data, err := idx.encodeSidecar(42)
	if err != nil {
		t.Fatalf("encodeSidecar: %v", err)
	}
	sf, err := decodeSidecar(data)
	if err != nil {
		t.Fatalf("decodeSidecar: %v", err)
	}
	if sf.CheckpointLSN != 42 {
		t.Fatalf("sf.CheckpointLSN = %d, wanted 42", sf.CheckpointLSN)
	}

	fresh := &index{def: idx.def, colSegs: idx.colSegs, buckets: make(map[uint64][]indexEntry)}
	fresh.adopt(sf)
	path, found, err := (&IndexStore{byName: map[string]*index{"byEmail": fresh}, order: []string{"byEmail"}}).findByIndex("byEmail", String("a@x.com"))
	if err != nil || !found || path != "users.1" {
		t.Fatalf("findByIndex after adopt = (%q, %v, %v), wanted (users.1, true, nil)", path, found, err)
	}
}

func TestIndexForField(t *testing.T) {
	is, err := newIndexStore([]IndexDef{{Name: "byEmail", CollectionPath: "users", Field: "email"}})
	if err != nil {
		t.Fatalf("newIndexStore: %v", err)
	}
	if idx := is.indexForField("users", "email"); idx == nil {
		t.Fatalf("indexForField(users, email) = nil, wanted the declared index")
	}
	if idx := is.indexForField("users", "role"); idx != nil {
		t.Fatalf("indexForField(users, role) = %v, wanted nil", idx)
	}
}
