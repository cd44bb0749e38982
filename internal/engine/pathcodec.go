package engine

import (
	"strings"
)

// alphabet is the 64-symbol, filesystem-safe, unambiguous character set used
// to encode object ids into pathnames. Order matters: the value of a
// character is its index in this string.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

const (
	encodedChars = 9 // N: total characters encoding an id
	dirChars     = 1 // D: leading characters that form the subdirectory
	charBits     = 6 // bits represented per encoded character
	charMask     = (1 << charBits) - 1
)

var charValue [256]int8

func init() {
	for i := range charValue {
		charValue[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		charValue[alphabet[i]] = int8(i)
	}
}

// charAt returns the encoded character representing the n-th 6-bit group of
// id, counting from the least significant group (n=0).
func charAt(id ObjectId, n int) byte {
	shift := n * charBits
	idx := (id >> shift) & charMask
	return alphabet[idx]
}

// valueForChar returns the 6-bit value a character represents, or -1 if c is
// not part of the alphabet.
func valueForChar(c byte) int {
	return int(charValue[c])
}

// PathCodec encodes object ids into on-disk pathnames and decodes them back.
// Encoding needs a store to create the one-character subdirectory on demand;
// decoding is pure and needs no dependency.
type PathCodec struct {
	store *ObjectStore
}

// NewPathCodec returns a PathCodec that creates subdirectories through store.
func NewPathCodec(store *ObjectStore) *PathCodec {
	return &PathCodec{store: store}
}

// Encode returns the canonical path for id beneath base/typeName, optionally
// creating the one-character subdirectory (mode 0770, EEXIST tolerated).
// Returns "" when id is zero or the subdirectory could not be created.
// Only the low encodedChars*charBits (54) bits of id are represented.
func (p *PathCodec) Encode(id ObjectId, base, typeName, filename string, createDir bool) string {
	if id == 0 {
		return ""
	}

	var subdir strings.Builder
	for i := encodedChars - 1; i > encodedChars-dirChars-1; i-- {
		subdir.WriteByte(charAt(id, i))
	}

	dirPath := base + "/" + typeName + "/" + subdir.String()
	if createDir {
		if err := p.store.createDir(dirPath, 0770); err != nil {
			return ""
		}
	}

	var stem strings.Builder
	for i := encodedChars - dirChars - 1; i >= 0; i-- {
		stem.WriteByte(charAt(id, i))
	}

	path := dirPath + "/" + stem.String()
	if filename != "" {
		path += extension(filename)
	}
	return path
}

// DecodeId recovers the ObjectId encoded into path, or 0 if path does not
// match the canonical layout. Decoding is total: any malformed path yields
// zero rather than an error.
func (p *PathCodec) DecodeId(path string) ObjectId {
	return decodeId(path)
}

// DecodeType returns the first path segment beneath base, or "" if path does
// not lie under base.
func (p *PathCodec) DecodeType(base, path string) string {
	return decodeTypeName(base, path)
}

// Extension returns name's extension including the leading '.', or "".
func (p *PathCodec) Extension(name string) string {
	return extension(name)
}

// Basename returns name without its extension.
func (p *PathCodec) Basename(name string) string {
	return basename(name)
}

func decodeId(path string) ObjectId {
	endPos := len(path)
	if dot := strings.LastIndexByte(path, '.'); dot >= 0 {
		endPos = dot
	}

	startPos := endPos - encodedChars - 1
	if startPos < 0 {
		return 0
	}

	var id ObjectId
	charIdx := 0
	foundDelimiter := false

	for pos := startPos; pos < endPos; pos++ {
		c := path[pos]
		if c == '/' {
			if charIdx == dirChars {
				foundDelimiter = true
			} else {
				return 0
			}
			continue
		}

		v := valueForChar(c)
		if v < 0 || charIdx >= encodedChars {
			return 0
		}
		shift := (encodedChars - charIdx - 1) * charBits
		id += ObjectId(v) << shift
		charIdx++
	}

	if !foundDelimiter || charIdx != encodedChars {
		return 0
	}
	return id
}

// decodeTypeName returns the first path segment beneath base, or "" if path
// does not lie under base.
func decodeTypeName(base, path string) string {
	prefix := base + "/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := path[len(prefix):]
	end := strings.IndexByte(rest, '/')
	if end <= 0 {
		return ""
	}
	return rest[:end]
}

// extension returns the filename's extension including the leading '.', or
// "" if name has none or the last '.'/'/' found is a '/'.
func extension(name string) string {
	idx := strings.LastIndexAny(name, "./")
	if idx < 0 || name[idx] != '.' {
		return ""
	}
	return name[idx:]
}

// basename returns name without its extension (see extension).
func basename(name string) string {
	idx := strings.LastIndexAny(name, "./")
	if idx < 0 || name[idx] != '.' {
		return name
	}
	return name[:idx]
}
