package kvdoc

import (
	"encoding/json"
	"testing"
)

func TestValueAccessors(t *testing.T) {
	if k := Null().Kind(); k != KindNull {
		t.Fatalf("Null().Kind() = %v, wanted KindNull", k)
	}
	if !Null().IsNull() {
		t.Fatalf("Null().IsNull() = false, wanted true")
	}
	var nilV *Value
	if !nilV.IsNull() {
		t.Fatalf("(*Value)(nil).IsNull() = false, wanted true")
	}

	b, ok := Bool(true).AsBool()
	if !ok || !b {
		t.Fatalf("Bool(true).AsBool() = (%v, %v), wanted (true, true)", b, ok)
	}
	if _, ok := String("x").AsBool(); ok {
		t.Fatalf("String(\"x\").AsBool() ok = true, wanted false")
	}

	n, ok := Number(3.5).AsNumber()
	if !ok || n != 3.5 {
		t.Fatalf("Number(3.5).AsNumber() = (%v, %v), wanted (3.5, true)", n, ok)
	}

	s, ok := String("hi").AsString()
	if !ok || s != "hi" {
		t.Fatalf("String(\"hi\").AsString() = (%q, %v), wanted (\"hi\", true)", s, ok)
	}
}

func TestValueObjectOrderPreserved(t *testing.T) {
	obj := Object()
	obj.obj.set("z", Number(1))
	obj.obj.set("a", Number(2))
	obj.obj.set("m", Number(3))

	got := obj.Keys()
	want := []string{"z", "a", "m"}
	if len(got) != len(want) {
		t.Fatalf("Keys() = %v, wanted %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys()[%d] = %q, wanted %q", i, got[i], want[i])
		}
	}
}

func TestValueArrayIndex(t *testing.T) {
	arr := Array(String("a"), String("b"))
	v, ok := arr.Index(1)
	if !ok {
		t.Fatalf("Index(1) ok = false, wanted true")
	}
	if s, _ := v.AsString(); s != "b" {
		t.Fatalf("Index(1) = %q, wanted %q", s, "b")
	}
	if _, ok := arr.Index(5); ok {
		t.Fatalf("Index(5) ok = true, wanted false")
	}
	if _, ok := arr.Index(-1); ok {
		t.Fatalf("Index(-1) ok = true, wanted false")
	}
}

func TestValueFromAndToAny(t *testing.T) {
	in := map[string]any{
		"name": "alice",
		"age":  float64(30),
		"tags": []any{"a", "b"},
	}
	v, err := ValueFrom(in)
	if err != nil {
		t.Fatalf("ValueFrom: %v", err)
	}
	if v.Kind() != KindObject {
		t.Fatalf("ValueFrom(map).Kind() = %v, wanted KindObject", v.Kind())
	}
	out := v.ToAny()
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("ToAny() = %T, wanted map[string]any", out)
	}
	if m["name"] != "alice" || m["age"] != float64(30) {
		t.Fatalf("ToAny() = %v, wanted name=alice age=30", m)
	}

	if _, err := ValueFrom(make(chan int)); err == nil {
		t.Fatalf("ValueFrom(chan) error = nil, wanted non-nil")
	}
}

func TestEqual(t *testing.T) {
	a, _ := ValueFrom(map[string]any{"x": 1.0, "y": []any{"a", "b"}})
	b, _ := ValueFrom(map[string]any{"y": []any{"a", "b"}, "x": 1.0})
	if !Equal(a, b) {
		t.Fatalf("Equal(a, b) = false, wanted true (key order must not matter)")
	}

	c, _ := ValueFrom(map[string]any{"x": 1.0, "y": []any{"a", "c"}})
	if Equal(a, c) {
		t.Fatalf("Equal(a, c) = true, wanted false")
	}

	if !Equal(Null(), nil) {
		t.Fatalf("Equal(Null(), nil) = false, wanted true")
	}
	if Equal(Null(), Number(0)) {
		t.Fatalf("Equal(Null(), Number(0)) = true, wanted false")
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	obj := Object()
	obj.obj.set("b", Number(2))
	obj.obj.set("a", Array(String("x"), Bool(true), Null()))

	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Value
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Kind() != KindObject {
		t.Fatalf("round-tripped Kind() = %v, wanted KindObject", got.Kind())
	}
	keys := got.Keys()
	if len(keys) != 2 || keys[0] != "b" || keys[1] != "a" {
		t.Fatalf("round-tripped Keys() = %v, wanted [b a]", keys)
	}
	arrVal, _ := got.Field("a")
	items, _ := arrVal.AsArray()
	if len(items) != 3 {
		t.Fatalf("round-tripped array len = %d, wanted 3", len(items))
	}
	if s, _ := items[0].AsString(); s != "x" {
		t.Fatalf("round-tripped array[0] = %q, wanted %q", s, "x")
	}
	if !items[2].IsNull() {
		t.Fatalf("round-tripped array[2].IsNull() = false, wanted true")
	}
}

func TestValueCloneIsolation(t *testing.T) {
	orig := Object()
	orig.obj.set("k", Number(1))
	clone := orig.shallowCloneObject()
	clone.obj.set("k", Number(2))

	origV, _ := orig.Field("k")
	cloneV, _ := clone.Field("k")
	on, _ := origV.AsNumber()
	cn, _ := cloneV.AsNumber()
	if on != 1 || cn != 2 {
		t.Fatalf("shallowCloneObject did not isolate mutation: orig=%v clone=%v", on, cn)
	}
}
