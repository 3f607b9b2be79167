package kvdoc

// setAt returns a new root with segs set to newVal, cloning only the
// Object/Array nodes along the path (copy-on-write); nodes off the
// mutation path are shared with root unchanged. It reports the prior
// value at that path, if any.
func setAt(root *Value, segs []string, newVal *Value) (*Value, *Value, error) {
	if len(segs) == 0 {
		if newVal.Kind() != KindObject {
			return nil, nil, typeErrf("", "root replacement must be an object, got %s", newVal.Kind())
		}
		return newVal, root, nil
	}
	return setRec(root, segs, newVal)
}

func setRec(node *Value, segs []string, newVal *Value) (*Value, *Value, error) {
	seg, rest := segs[0], segs[1:]

	if node == nil || node.IsNull() {
		if len(rest) == 0 {
			obj := Object()
			obj.obj.set(seg, newVal)
			return obj, nil, nil
		}
		child, _, err := setRec(nil, rest, newVal)
		if err != nil {
			return nil, nil, err
		}
		obj := Object()
		obj.obj.set(seg, child)
		return obj, nil, nil
	}

	switch node.kind {
	case KindObject:
		cloned := node.shallowCloneObject()
		existing, _ := cloned.obj.get(seg)
		if len(rest) == 0 {
			old, _ := cloned.obj.get(seg)
			cloned.obj.set(seg, newVal)
			return cloned, old, nil
		}
		newChild, old, err := setRec(existing, rest, newVal)
		if err != nil {
			return nil, nil, err
		}
		cloned.obj.set(seg, newChild)
		return cloned, old, nil

	case KindArray:
		idx, ok := isArrayIndex(seg)
		if !ok {
			return nil, nil, pathErrf(seg, "array node requires a numeric segment, got %q", seg)
		}
		if idx < 0 || idx >= len(node.arr) {
			return nil, nil, pathErrf(seg, "array index %d out of range (length %d)", idx, len(node.arr))
		}
		cloned := node.shallowCloneArray()
		if len(rest) == 0 {
			old := cloned.arr[idx]
			cloned.arr[idx] = newVal
			return cloned, old, nil
		}
		newChild, old, err := setRec(cloned.arr[idx], rest, newVal)
		if err != nil {
			return nil, nil, err
		}
		cloned.arr[idx] = newChild
		return cloned, old, nil

	default:
		return nil, nil, pathErrf(seg, "cannot descend into a %s value", node.kind)
	}
}
