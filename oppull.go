package kvdoc

// pullAt recomputes the array at segs with every element deep-equal to
// any of items removed, then sets the result.
// Pulling from an absent path or a non-array target is a no-op turned
// into an error only when the target exists and is the wrong shape.
func pullAt(root *Value, segs []string, items []*Value) (*Value, *Value, error) {
	existing, found := getAt(root, segs)
	if !found || existing.IsNull() {
		return root, nil, nil
	}
	arr, ok := existing.AsArray()
	if !ok {
		return nil, nil, typeErrf(joinPath(segs), "pull target is a %s, not an array", existing.Kind())
	}

	out := make([]*Value, 0, len(arr))
	for _, elem := range arr {
		matched := false
		for _, item := range items {
			if Equal(elem, item) {
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, elem)
		}
	}

	newArr := &Value{kind: KindArray, arr: out}
	newRoot, old, err := setAt(root, segs, newArr)
	if err != nil {
		return nil, nil, err
	}
	return newRoot, old, nil
}
