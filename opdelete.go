package kvdoc

// deleteAt returns a new root with segs removed, reporting the value
// that was there (nil, false if the path was already absent). Deleting
// through an array index splices the element out and shifts the
// following elements down, since arrays have no notion of a hole.
func deleteAt(root *Value, segs []string) (*Value, *Value, bool, error) {
	if len(segs) == 0 {
		return nil, nil, false, typeErrf("", "cannot delete the root")
	}
	return deleteRec(root, segs)
}

func deleteRec(node *Value, segs []string) (*Value, *Value, bool, error) {
	seg, rest := segs[0], segs[1:]
	if node == nil || node.IsNull() {
		return node, nil, false, nil
	}
	switch node.kind {
	case KindObject:
		existing, ok := node.obj.get(seg)
		if !ok {
			return node, nil, false, nil
		}
		cloned := node.shallowCloneObject()
		if len(rest) == 0 {
			old, _ := cloned.obj.delete(seg)
			return cloned, old, true, nil
		}
		newChild, old, found, err := deleteRec(existing, rest)
		if err != nil {
			return nil, nil, false, err
		}
		cloned.obj.set(seg, newChild)
		return cloned, old, found, nil

	case KindArray:
		idx, ok := isArrayIndex(seg)
		if !ok || idx < 0 || idx >= len(node.arr) {
			return node, nil, false, nil
		}
		cloned := node.shallowCloneArray()
		if len(rest) == 0 {
			old := cloned.arr[idx]
			cloned.arr = append(cloned.arr[:idx], cloned.arr[idx+1:]...)
			return cloned, old, true, nil
		}
		newChild, old, found, err := deleteRec(cloned.arr[idx], rest)
		if err != nil {
			return nil, nil, false, err
		}
		cloned.arr[idx] = newChild
		return cloned, old, found, nil

	default:
		return node, nil, false, nil
	}
}
