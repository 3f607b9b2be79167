package kvdoc

import (
	"regexp"
)

// FieldSchema describes a structural constraint on a Value, as
// declared in Options.Schemas. Constraints for types other than
// the one named by Type are simply ignored, so a caller may freely
// leave every field but the ones it cares about at its zero value.
type FieldSchema struct {
	Type string // "object", "array", "string", "number", "boolean", "null", or "" for unconstrained

	MinLength *int
	MaxLength *int
	Pattern   string

	Minimum          *float64
	Maximum          *float64
	ExclusiveMinimum bool
	ExclusiveMaximum bool

	MinItems    *int
	MaxItems    *int
	UniqueItems bool
	Items       *FieldSchema

	Properties map[string]*FieldSchema
	Required   []string

	Enum []*Value

	compiledPattern *regexp.Regexp
}

func (fs *FieldSchema) pattern() (*regexp.Regexp, error) {
	if fs.Pattern == "" {
		return nil, nil
	}
	if fs.compiledPattern == nil {
		re, err := regexp.Compile(fs.Pattern)
		if err != nil {
			return nil, err
		}
		fs.compiledPattern = re
	}
	return fs.compiledPattern, nil
}

// schemaValidator holds the schemas declared at Open time, keyed by
// their parsed path prefix segments. A write under two nested schema
// declarations is checked against both. Entries are kept in the
// iteration order of the Options.Schemas map, so when several schemas
// reject a write, which one's error is reported is not defined.
type schemaValidator struct {
	entries []schemaEntry
}

type schemaEntry struct {
	prefixPath string
	prefix     []string
	schema     *FieldSchema
}

func newSchemaValidator(schemas map[string]*FieldSchema) (*schemaValidator, error) {
	sv := &schemaValidator{}
	for prefix, fs := range schemas {
		segs, err := parsePath(prefix)
		if err != nil {
			return nil, err
		}
		sv.entries = append(sv.entries, schemaEntry{prefixPath: prefix, prefix: segs, schema: fs})
	}
	return sv, nil
}

func isPathPrefix(prefix, path []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i, s := range prefix {
		if path[i] != s {
			return false
		}
	}
	return true
}

// validate checks incoming against every schema whose prefix matches
// path. The segment right after the prefix addresses an individual
// document within the collection, and any further segments are
// projected onto the schema's Properties / Items tree to find the
// constraint that applies to incoming.
func (sv *schemaValidator) validate(path string, incoming *Value) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	for _, e := range sv.entries {
		if !isPathPrefix(e.prefix, segs) {
			continue
		}
		remainder := segs[len(e.prefix):]
		sub, target, ok := projectSchema(e.schema, remainder, incoming)
		if !ok {
			continue
		}
		if err := checkValue(path, e.prefixPath, sub, target); err != nil {
			return err
		}
	}
	return nil
}

// projectSchema walks remainder against root to find the FieldSchema
// and Value pair that should be checked against each other. remainder
// of length 0 or 1 means the whole document (or the whole collection)
// is being replaced, so incoming is checked directly against root;
// remainder of length >=2 skips the document-id segment and walks the
// rest through Properties/Items.
func projectSchema(root *FieldSchema, remainder []string, incoming *Value) (*FieldSchema, *Value, bool) {
	if root == nil {
		return nil, nil, false
	}
	if len(remainder) <= 1 {
		return root, incoming, true
	}
	sub := root
	for _, seg := range remainder[1:] {
		switch sub.Type {
		case "object":
			if sub.Properties == nil {
				return nil, nil, false
			}
			next, ok := sub.Properties[seg]
			if !ok {
				return nil, nil, false
			}
			sub = next
		case "array":
			if sub.Items == nil {
				return nil, nil, false
			}
			sub = sub.Items
		default:
			return nil, nil, false
		}
	}
	return sub, incoming, true
}

func checkValue(path, schemaPrefix string, fs *FieldSchema, v *Value) error {
	if fs == nil {
		return nil
	}
	if len(fs.Enum) > 0 {
		matched := false
		for _, e := range fs.Enum {
			if Equal(e, v) {
				matched = true
				break
			}
		}
		if !matched {
			return validationErrf(path, schemaPrefix, "value not in enum")
		}
	}
	if fs.Type == "" {
		return nil
	}
	if !matchesType(fs.Type, v) {
		return validationErrf(path, schemaPrefix, "expected type %s, got %s", fs.Type, v.Kind())
	}
	switch fs.Type {
	case "string":
		return checkString(path, schemaPrefix, fs, v)
	case "number":
		return checkNumber(path, schemaPrefix, fs, v)
	case "array":
		return checkArray(path, schemaPrefix, fs, v)
	case "object":
		return checkObject(path, schemaPrefix, fs, v)
	}
	return nil
}

func matchesType(typ string, v *Value) bool {
	switch typ {
	case "object":
		return v.Kind() == KindObject
	case "array":
		return v.Kind() == KindArray
	case "string":
		return v.Kind() == KindString
	case "number":
		return v.Kind() == KindNumber
	case "boolean":
		return v.Kind() == KindBool
	case "null":
		return v.IsNull()
	default:
		return true
	}
}

func checkString(path, schemaPrefix string, fs *FieldSchema, v *Value) error {
	s, _ := v.AsString()
	if fs.MinLength != nil && len(s) < *fs.MinLength {
		return validationErrf(path, schemaPrefix, "string shorter than minLength %d", *fs.MinLength)
	}
	if fs.MaxLength != nil && len(s) > *fs.MaxLength {
		return validationErrf(path, schemaPrefix, "string longer than maxLength %d", *fs.MaxLength)
	}
	if fs.Pattern != "" {
		re, err := fs.pattern()
		if err != nil {
			return validationErrf(path, schemaPrefix, "invalid pattern %q: %v", fs.Pattern, err)
		}
		if !re.MatchString(s) {
			return validationErrf(path, schemaPrefix, "string does not match pattern %q", fs.Pattern)
		}
	}
	return nil
}

func checkNumber(path, schemaPrefix string, fs *FieldSchema, v *Value) error {
	n, _ := v.AsNumber()
	if fs.Minimum != nil {
		if fs.ExclusiveMinimum && n <= *fs.Minimum {
			return validationErrf(path, schemaPrefix, "%v not > exclusiveMinimum %v", n, *fs.Minimum)
		}
		if !fs.ExclusiveMinimum && n < *fs.Minimum {
			return validationErrf(path, schemaPrefix, "%v < minimum %v", n, *fs.Minimum)
		}
	}
	if fs.Maximum != nil {
		if fs.ExclusiveMaximum && n >= *fs.Maximum {
			return validationErrf(path, schemaPrefix, "%v not < exclusiveMaximum %v", n, *fs.Maximum)
		}
		if !fs.ExclusiveMaximum && n > *fs.Maximum {
			return validationErrf(path, schemaPrefix, "%v > maximum %v", n, *fs.Maximum)
		}
	}
	return nil
}

func checkArray(path, schemaPrefix string, fs *FieldSchema, v *Value) error {
	items, _ := v.AsArray()
	if fs.MinItems != nil && len(items) < *fs.MinItems {
		return validationErrf(path, schemaPrefix, "array shorter than minItems %d", *fs.MinItems)
	}
	if fs.MaxItems != nil && len(items) > *fs.MaxItems {
		return validationErrf(path, schemaPrefix, "array longer than maxItems %d", *fs.MaxItems)
	}
	if fs.UniqueItems {
		for i := 0; i < len(items); i++ {
			for j := i + 1; j < len(items); j++ {
				if Equal(items[i], items[j]) {
					return validationErrf(path, schemaPrefix, "array has duplicate items at %d and %d", i, j)
				}
			}
		}
	}
	if fs.Items != nil {
		for i, item := range items {
			if err := checkValue(path, schemaPrefix, fs.Items, item); err != nil {
				return validationErrf(path, schemaPrefix, "item %d: %v", i, err)
			}
		}
	}
	return nil
}

func checkObject(path, schemaPrefix string, fs *FieldSchema, v *Value) error {
	for _, req := range fs.Required {
		if _, ok := v.Field(req); !ok {
			return validationErrf(path, schemaPrefix, "missing required property %q", req)
		}
	}
	if fs.Properties != nil {
		for _, key := range v.Keys() {
			propSchema, ok := fs.Properties[key]
			if !ok {
				continue
			}
			child, _ := v.Field(key)
			if err := checkValue(path, schemaPrefix, propSchema, child); err != nil {
				return err
			}
		}
	}
	return nil
}
