package ftppath

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanPlain(t *testing.T) {
	assert.Equal(t, "/root/test/third", Clean("/root/test/third"))
}

func TestCleanLastDoubleDot(t *testing.T) {
	assert.Equal(t, "/root/test", Clean("/root/test/third/.."))
}

func TestCleanInnerDoubleDot(t *testing.T) {
	assert.Equal(t, "/third", Clean("/root/../third"))
}

func TestCleanDoubleDoubleDot(t *testing.T) {
	assert.Equal(t, "/root/third", Clean("/root/test/../third/forth/.."))
}

func TestCleanSingleDot(t *testing.T) {
	assert.Equal(t, "/root/test", Clean("/root/./test/."))
}

func TestCleanRepeatedSlashes(t *testing.T) {
	assert.Equal(t, "/a/b", Clean("//a///b//"))
}

func TestCleanRoot(t *testing.T) {
	assert.Equal(t, "/", Clean("/"))
	assert.Equal(t, "/", Clean(""))
	assert.Equal(t, "/", Clean("/.."))
}

func TestCleanIdempotent(t *testing.T) {
	paths := []string{
		"/",
		"/a",
		"/a/b/c",
		"/a/../b",
		"/a/./b/../../c",
		"//x//y/..",
	}

	for _, p := range paths {
		once := Clean(p)
		assert.Equal(t, once, Clean(once), "Clean not idempotent for %q", p)
	}
}

func TestCleanNeverEscapesRoot(t *testing.T) {
	for k := 0; k < 8; k++ {
		p := "/" + strings.Repeat("../", k) + "x"
		assert.Equal(t, "/x", Clean(p), "escaped root for %q", p)
	}
}

func TestBuildAbsolute(t *testing.T) {
	assert.Equal(t, "/other", Build("/cwd", "/other"))
}

func TestBuildRelative(t *testing.T) {
	assert.Equal(t, "/cwd/name", Build("/cwd", "name"))
}

func TestBuildFromRoot(t *testing.T) {
	assert.Equal(t, "/name", Build("/", "name"))
}

func TestBuildCollapsesSlashes(t *testing.T) {
	assert.Equal(t, "/a/b/c", Build("/a/", "b//c"))
}

func TestEncodeNewline(t *testing.T) {
	assert.Equal(t, "a\x00b", Encode("a\nb", false))
}

func TestEncodeQuotes(t *testing.T) {
	assert.Equal(t, `a""b`, Encode(`a"b`, true))
	assert.Equal(t, `a"b`, Encode(`a"b`, false))
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	inputs := []string{
		"plain",
		"with\nnewline",
		"\n\n",
		"mixed\nand\"quoted",
		"",
	}

	for _, s := range inputs {
		buf := []byte(Encode(s, false))
		Decode(buf)
		assert.Equal(t, s, string(buf))
	}
}
