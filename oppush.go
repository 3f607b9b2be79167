package kvdoc

// pushAt appends items to the array at segs, deduplicating by deep
// equality against both the existing elements and each other. If the
// target is absent it is created as a fresh array; if it exists and
// is not an Array, pushAt fails with a TypeError.
func pushAt(root *Value, segs []string, items []*Value) (*Value, *Value, error) {
	existing, found := getAt(root, segs)
	var base []*Value
	if found && !existing.IsNull() {
		arr, ok := existing.AsArray()
		if !ok {
			return nil, nil, typeErrf(joinPath(segs), "push target is a %s, not an array", existing.Kind())
		}
		base = append([]*Value(nil), arr...)
	}

	for _, item := range items {
		dup := false
		for _, have := range base {
			if Equal(have, item) {
				dup = true
				break
			}
		}
		if !dup {
			base = append(base, item)
		}
	}

	newArr := &Value{kind: KindArray, arr: base}
	newRoot, old, err := setAt(root, segs, newArr)
	if err != nil {
		return nil, nil, err
	}
	return newRoot, old, nil
}
