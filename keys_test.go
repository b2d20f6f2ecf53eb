package s3orm

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"alice@example.com",
		"with/slash and space",
		"ünïcødé ✓",
		"###",
		"a?b=c&d",
		string([]byte{0xff, 0xfe}),
	}

	for _, s := range inputs {
		encoded := Encode(s)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%q) failed: %v", encoded, err)
		}
		if decoded != s {
			t.Errorf("round trip of %q = %q", s, decoded)
		}
		for _, c := range encoded {
			if c == '/' || c == '+' || c == '=' || c == '#' {
				t.Errorf("Encode(%q) = %q contains unsafe %q", s, encoded, c)
			}
		}
	}
}

func TestDecodeAcceptsPadding(t *testing.T) {
	got, err := Decode("YQ==")
	if err != nil || got != "a" {
		t.Errorf("Decode(YQ==) = %q, %v; want a", got, err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode("not base64!"); !errors.Is(err, ErrEncoding) {
		t.Errorf("expected ErrEncoding, got %v", err)
	}
}

func TestEncodeValue(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    string
		wantErr bool
	}{
		{"string", "x", "x", false},
		{"int", 42, "42", false},
		{"int64", int64(-7), "-7", false},
		{"float", 5.5, "5.5", false},
		{"bool", true, "true", false},
		{"time", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "2024-01-02T03:04:05Z", false},
		{"nil", nil, "", true},
		{"map", map[string]any{"a": 1}, "", true},
		{"slice", []int{1}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeValue(tt.value)
			if tt.wantErr {
				if !errors.Is(err, ErrEncoding) {
					t.Errorf("expected ErrEncoding, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("EncodeValue failed: %v", err)
			}
			if got != Encode(tt.want) {
				t.Errorf("EncodeValue(%v) = %q, want Encode(%q)", tt.value, got, tt.want)
			}
		})
	}
}

func TestKeyLayout(t *testing.T) {
	c := NewKeyCodec("")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"namespace", c.BuildKey(KindHash, ""), "s3orm/hash"},
		{"hash", c.BuildKey(KindHash, "users/1"), "s3orm/hash/users/1"},
		{"keyval", c.BuildKey(KindKeyVal, "users/maxid"), "s3orm/keyval/users/maxid"},
		{"prefix", c.BuildPrefix(KindHash, "users"), "s3orm/hash/users/"},
		{"set member", c.BuildMemberKey(KindSets, "tags", "x"), "s3orm/sets/tags/eA"},
		{"scored", c.BuildScoredKey(KindZSets, "users/score", "1", 15.6), "s3orm/zsets/users/score/15.6###MQ"},
		{"negative score", c.BuildScoredKey(KindZSets, "t", "1", -0.25), "s3orm/zsets/t/-0.25###MQ"},
		{"big score", c.BuildScoredKey(KindZSets, "t", "1", 1e21), "s3orm/zsets/t/1000000000000000000000###MQ"},
		{"index", c.BuildIndexKey("users/email", "a@b", 3), "s3orm/sets/users/email/YUBi###3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestCustomRoot(t *testing.T) {
	c := NewKeyCodec("tenant-a")
	if c.Root() != "tenant-a/" {
		t.Errorf("Root() = %q, want tenant-a/", c.Root())
	}
	if got := c.BuildKey(KindKeyVal, "k"); got != "tenant-a/keyval/k" {
		t.Errorf("BuildKey = %q", got)
	}
}

func TestParseScoredKey(t *testing.T) {
	c := NewKeyCodec("")
	key := c.BuildScoredKey(KindZSets, "users/score", "member/with/slash", 21.2)

	score, member, err := ParseScoredKey(key)
	if err != nil {
		t.Fatalf("ParseScoredKey failed: %v", err)
	}
	if score != 21.2 || member != "member/with/slash" {
		t.Errorf("got (%v, %q)", score, member)
	}

	for _, bad := range []string{"s3orm/zsets/x/noseparator", "s3orm/zsets/x/abc###MQ", "s3orm/zsets/x/1###!!"} {
		if _, _, err := ParseScoredKey(bad); !errors.Is(err, ErrEncoding) {
			t.Errorf("ParseScoredKey(%q): expected ErrEncoding, got %v", bad, err)
		}
	}
}

func TestParseIndexKey(t *testing.T) {
	c := NewKeyCodec("")
	value, id, err := ParseIndexKey(c.BuildIndexKey("users/name", "Alice Smith", 12))
	if err != nil {
		t.Fatalf("ParseIndexKey failed: %v", err)
	}
	if value != "Alice Smith" || id != 12 {
		t.Errorf("got (%q, %d)", value, id)
	}

	if _, _, err := ParseIndexKey("s3orm/sets/users/name/QQ###x"); !errors.Is(err, ErrEncoding) {
		t.Errorf("expected ErrEncoding for bad id, got %v", err)
	}
}

func TestIndexValueFits(t *testing.T) {
	codec := NewKeyCodec("")
	fits := strings.Repeat("x", MaxIndexValueBytes)
	if !IndexValueFits(fits) {
		t.Fatalf("%d bytes should fit", MaxIndexValueBytes)
	}
	if IndexValueFits(fits + "x") {
		t.Errorf("%d bytes should not fit", MaxIndexValueBytes+1)
	}

	key := codec.BuildIndexKey("player/name", fits, math.MaxInt64)
	if seg := lastSegment(key); len(seg) > MaxKeySegment {
		t.Errorf("segment is %d bytes, limit %d", len(seg), MaxKeySegment)
	}
}
