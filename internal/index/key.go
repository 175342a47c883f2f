package index

import "fmt"

// KeyType is the primitive type an index is built over. The source keyed
// its B-tree reflectively over CLR primitives; whether mixed-type
// comparisons are allowed was left unspecified there, and the spec
// resolves that by treating each key type as a wholly separate index.
type KeyType int

const (
	KeyString KeyType = iota
	KeyNumber
)

// Key is a single ordered index key. Only one of Str/Num is meaningful,
// selected by Type.
type Key struct {
	Type KeyType
	Str  string
	Num  float64
}

func StringKey(s string) Key { return Key{Type: KeyString, Str: s} }
func NumberKey(n float64) Key { return Key{Type: KeyNumber, Num: n} }

// ExtractKey converts a JSON-decoded field value into an indexable key.
// Values that cannot be ordered (nil, bool, array, object) return ok=false
// so the caller can skip the document rather than error, per spec.
func ExtractKey(v interface{}) (Key, bool) {
	switch t := v.(type) {
	case string:
		return StringKey(t), true
	case float64:
		return NumberKey(t), true
	case int:
		return NumberKey(float64(t)), true
	case int64:
		return NumberKey(float64(t)), true
	default:
		return Key{}, false
	}
}

// Less defines the total order within one key type: strings lexicographic,
// numbers numeric. Keys must share a Type; indexes never mix them.
func Less(a, b Key) bool {
	switch a.Type {
	case KeyString:
		return a.Str < b.Str
	case KeyNumber:
		return a.Num < b.Num
	default:
		panic(fmt.Sprintf("unhandled key type %d", a.Type))
	}
}

func Equal(a, b Key) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case KeyString:
		return a.Str == b.Str
	case KeyNumber:
		return a.Num == b.Num
	default:
		return false
	}
}
