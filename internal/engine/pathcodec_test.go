package engine

import "testing"

func TestPathRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewObjectStore(nil)
	codec := NewPathCodec(store)
	base := t.TempDir()

	ids := []ObjectId{1, 42, 4538775134664, (1 << 53) + 7}
	for _, id := range ids {
		path := codec.Encode(id, base, "t", "foo.ext", true)
		if path == "" {
			t.Fatalf("encode(%d) returned empty path", id)
		}
		got := codec.DecodeId(path)
		if got != id {
			t.Errorf("decode(encode(%d)) = %d, want %d", id, got, id)
		}
		if typ := codec.DecodeType(base, path); typ != "t" {
			t.Errorf("decodeType = %q, want %q", typ, "t")
		}
	}
}

func TestEncodeZeroIdReturnsEmpty(t *testing.T) {
	t.Parallel()

	store := NewObjectStore(nil)
	codec := NewPathCodec(store)
	if path := codec.Encode(0, t.TempDir(), "t", "foo.ext", false); path != "" {
		t.Errorf("encode(0) = %q, want empty", path)
	}
}

func TestDecodeUnknownPathIsZero(t *testing.T) {
	t.Parallel()

	store := NewObjectStore(nil)
	codec := NewPathCodec(store)

	bad := []string{
		"/dir/subdir1/.../type/A/BCDEFG.ext",  // too short
		"/dir/subdir1/.../type/ABCDEFGHI.ext", // missing subdir separator
		"/dir.subdir1.type.ABCDEFGHI.ext",     // no separators at all
		"dirsubdir1typeABCDEFGHI",
		"",
	}
	for _, p := range bad {
		if got := codec.DecodeId(p); got != 0 {
			t.Errorf("decode(%q) = %d, want 0", p, got)
		}
	}
}

// Fixture values cross-checked against the original implementation's own
// test data: object id 4538775134664 encodes to the nine characters
// "ABCDEFGHI", subdirectory "A", filename stem "BCDEFGHI".
func TestKnownFixtureDecode(t *testing.T) {
	t.Parallel()

	store := NewObjectStore(nil)
	codec := NewPathCodec(store)
	const wantID = ObjectId(4538775134664)

	path := "/dir/subdir1/type/A/BCDEFGHI.ext"
	if got := codec.DecodeId(path); got != wantID {
		t.Fatalf("decodeId(%q) = %d, want %d", path, got, wantID)
	}

	rebuilt := codec.Encode(wantID, "/dir/subdir1", "type", "anything.ext", false)
	const want = "/dir/subdir1/type/A/BCDEFGHI.ext"
	if rebuilt != want {
		t.Errorf("encode(%d) = %q, want %q", wantID, rebuilt, want)
	}
}

func TestExtensionAndBasename(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, ext, base string
	}{
		{"foo.ext", ".ext", "foo"},
		{"foo", "", "foo"},
		{"a/b", "", "a/b"},
		{"a.b/c", "", "a.b/c"},
	}
	for _, c := range cases {
		if got := extension(c.name); got != c.ext {
			t.Errorf("extension(%q) = %q, want %q", c.name, got, c.ext)
		}
		if got := basename(c.name); got != c.base {
			t.Errorf("basename(%q) = %q, want %q", c.name, got, c.base)
		}
	}
}
