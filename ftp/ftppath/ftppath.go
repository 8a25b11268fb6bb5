// Package ftppath implements the FTP path conventions: newline
// encoding on the wire, quote doubling for PWD replies, and
// normalization of virtual absolute paths.
package ftppath

import "strings"

// Encode converts a path for transmission. Embedded newlines become NUL
// bytes. With quotes set, double quotes are doubled (PWD replies).
func Encode(path string, quotes bool) string {
	var b strings.Builder
	b.Grow(len(path))

	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '\n':
			b.WriteByte(0)
		case '"':
			if quotes {
				b.WriteString(`""`)
			} else {
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

// Decode reverses the wire encoding in place: NUL bytes become
// newlines.
func Decode(buf []byte) {
	for i, c := range buf {
		if c == 0 {
			buf[i] = '\n'
		}
	}
}

// Clean normalizes an absolute path: collapses repeated slashes, drops
// "." components and resolves ".." without escaping the root. The
// result is absolute with no trailing slash (except the root itself).
func Clean(path string) string {
	var components []string
	for _, item := range strings.Split(path, "/") {
		switch item {
		case "", ".":
		case "..":
			if len(components) > 0 {
				components = components[:len(components)-1]
			}
		default:
			components = append(components, item)
		}
	}

	if len(components) == 0 {
		return "/"
	}

	return "/" + strings.Join(components, "/")
}

// Build combines the working directory with a command argument. An
// absolute argument is used as-is; a relative one is joined onto cwd.
// Repeated slashes are collapsed, but "." and ".." are preserved for
// Clean.
func Build(cwd, arg string) string {
	path := arg
	if !strings.HasPrefix(arg, "/") {
		path = cwd + "/" + arg
	}

	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}

	return path
}
