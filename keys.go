package s3orm

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is a top-level collection namespace in the bucket
type Kind string

const (
	KindHash   Kind = "hash"
	KindKeyVal Kind = "keyval"
	KindSets   Kind = "sets"
	KindZSets  Kind = "zsets"
)

// ScoreSeparator joins a score (or an indexed value) to the encoded member
// in the last key segment. It never occurs in base64url or decimal text.
const ScoreSeparator = "###"

// KeyCodec maps collections and members onto object keys:
//
//	<root>hash/<model>/<id>
//	<root>keyval/<key>
//	<root>sets/<set>/<encode(member)>
//	<root>zsets/<set>/<score>###<encode(member)>
type KeyCodec struct {
	root string
}

// NewKeyCodec returns a codec rooted at root; "" means DefaultRootPrefix.
// A missing trailing slash is added.
func NewKeyCodec(root string) KeyCodec {
	if root == "" {
		root = DefaultRootPrefix
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return KeyCodec{root: root}
}

// Root returns the prefix every key starts with
func (c KeyCodec) Root() string {
	return c.root
}

// Encode is unpadded URL-safe base64 of the UTF-8 bytes of value
func Encode(value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

// Decode reverses Encode. Padded input is accepted.
func Decode(token string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return "", WithContext(ErrEncoding, map[string]interface{}{
			"token":  token,
			"reason": err.Error(),
		})
	}
	return string(b), nil
}

// EncodeValue stringifies a scalar and encodes it. Collections and nil
// are rejected with ErrEncoding.
func EncodeValue(v any) (string, error) {
	s, err := scalarString(v)
	if err != nil {
		return "", err
	}
	return Encode(s), nil
}

// scalarString is the canonical text form of a scalar
func scalarString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return FormatScore(float64(x)), nil
	case float64:
		return FormatScore(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return "", WithContext(ErrEncoding, map[string]interface{}{
			"type":   fmt.Sprintf("%T", v),
			"reason": "not a string-coercible scalar",
		})
	}
}

// FormatScore renders a score as the shortest exact decimal, without
// padding or exponent.
func FormatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

// Namespace is the root of one collection kind: <root><kind>
func (c KeyCodec) Namespace(kind Kind) string {
	return c.root + string(kind)
}

// BuildKey returns <root><kind>/<name>, or the namespace when name is empty
func (c KeyCodec) BuildKey(kind Kind, name string) string {
	if name == "" {
		return c.Namespace(kind)
	}
	return c.Namespace(kind) + "/" + name
}

// BuildMemberKey returns <root><kind>/<name>/<encode(member)>
func (c KeyCodec) BuildMemberKey(kind Kind, name, member string) string {
	return c.BuildKey(kind, name) + "/" + Encode(member)
}

// BuildPrefix is BuildKey with a trailing separator, for listing
func (c KeyCodec) BuildPrefix(kind Kind, name string) string {
	return c.BuildKey(kind, name) + "/"
}

// BuildScoredKey returns <root><kind>/<name>/<score>###<encode(member)>
func (c KeyCodec) BuildScoredKey(kind Kind, name, member string, score float64) string {
	return c.BuildKey(kind, name) + "/" + FormatScore(score) + ScoreSeparator + Encode(member)
}

// BuildIndexKey returns <root>sets/<name>/<encode(value)>###<id>, the
// entry a basic index keeps per (value, record).
func (c KeyCodec) BuildIndexKey(name, value string, id int64) string {
	return c.BuildKey(KindSets, name) + "/" + Encode(value) + ScoreSeparator + strconv.FormatInt(id, 10)
}

// MaxKeySegment is the longest key segment every backend accepts. Local
// filesystems cap file names at 255 bytes.
const MaxKeySegment = 255

// MaxIndexValueBytes is the longest canonical value a basic index entry can
// carry: its encoding, the separator and any int64 id fit MaxKeySegment.
const MaxIndexValueBytes = (MaxKeySegment - len(ScoreSeparator) - 19) * 3 / 4

// IndexValueFits reports whether value can be stored in an index entry
func IndexValueFits(value string) bool {
	return base64.RawURLEncoding.EncodedLen(len(value)) <= MaxKeySegment-len(ScoreSeparator)-19
}

// lastSegment returns the text after the final "/"
func lastSegment(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

func splitScored(key string) (string, string, error) {
	seg := lastSegment(key)
	left, right, ok := strings.Cut(seg, ScoreSeparator)
	if !ok {
		return "", "", WithContext(ErrEncoding, map[string]interface{}{
			"key":    key,
			"reason": "missing " + ScoreSeparator,
		})
	}
	return left, right, nil
}

// ParseScoredKey splits the last segment of a sorted-set key into its
// score and decoded member.
func ParseScoredKey(key string) (float64, string, error) {
	scoreText, token, err := splitScored(key)
	if err != nil {
		return 0, "", err
	}
	score, err := strconv.ParseFloat(scoreText, 64)
	if err != nil || math.IsNaN(score) {
		return 0, "", WithContext(ErrEncoding, map[string]interface{}{
			"key":    key,
			"reason": "score is not a number",
		})
	}
	member, err := Decode(token)
	if err != nil {
		return 0, "", err
	}
	return score, member, nil
}

// ParseIndexKey splits the last segment of a basic index entry into the
// decoded value and the owning record id.
func ParseIndexKey(key string) (string, int64, error) {
	token, idText, err := splitScored(key)
	if err != nil {
		return "", 0, err
	}
	value, err := Decode(token)
	if err != nil {
		return "", 0, err
	}
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		return "", 0, WithContext(ErrEncoding, map[string]interface{}{
			"key":    key,
			"reason": "id is not an integer",
		})
	}
	return value, id, nil
}

// ParseMemberKey decodes the last segment of a set member key
func ParseMemberKey(key string) (string, error) {
	return Decode(lastSegment(key))
}
