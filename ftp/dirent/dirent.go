// Package dirent formats directory entries for the five listing modes
// of RFC 959 / RFC 3659: LIST, NLST, MLSD, MLST and STAT.
package dirent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/R-YaTian/ftpd/ftp/fs"
	"github.com/R-YaTian/ftpd/ftp/ringbuffer"
)

// Mode selects the output format.
type Mode int

const (
	List Mode = iota
	Mlsd
	Mlst
	Nlst
	Stat
)

func (m Mode) String() string {
	switch m {
	case List:
		return "LIST"
	case Mlsd:
		return "MLSD"
	case Mlst:
		return "MLST"
	case Nlst:
		return "NLST"
	case Stat:
		return "STAT"
	}
	return "?"
}

// Facts selects which MLSx facts are emitted (OPTS MLST).
type Facts struct {
	Type     bool
	Size     bool
	Modify   bool
	Perm     bool
	UnixMode bool
}

// AllFacts is the default fact set.
func AllFacts() Facts {
	return Facts{Type: true, Size: true, Modify: true, Perm: true, UnixMode: true}
}

// Any reports whether at least one fact is enabled.
func (f Facts) Any() bool {
	return f.Type || f.Size || f.Modify || f.Perm || f.UnixMode
}

// ErrNoSpace means the entry does not fit in the target buffer; the
// caller should flush and retry.
var ErrNoSpace = errors.New("dirent: no room for entry")

// Format appends one entry line (CRLF terminated) to rb. name must
// already be wire-encoded. now is the session's last-activity time and
// decides the year-vs-HH:MM form of LIST timestamps. typeOverride
// forces the MLSx Type fact (for example "cdir").
func Format(rb *ringbuffer.RingBuffer, mode Mode, facts Facts, now time.Time, st fs.Info, name, typeOverride string) (int, error) {
	var b strings.Builder

	switch mode {
	case Mlsd, Mlst:
		if mode == Mlst {
			b.WriteByte(' ')
		}
		writeFacts(&b, facts, st, typeOverride)
	case Nlst:
	default:
		if mode == Stat {
			b.WriteByte(' ')
		}
		writeListLine(&b, now, st)
	}

	b.WriteString(name)
	b.WriteString("\r\n")

	line := b.String()
	if len(line) > rb.FreeSize() {
		return 0, ErrNoSpace
	}

	copy(rb.FreeSlice(), line)
	rb.MarkUsed(len(line))

	return len(line), nil
}

func typeFact(st fs.Info) string {
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		return "file"
	case unix.S_IFDIR:
		return "dir"
	case unix.S_IFLNK:
		return "os.unix=symlink"
	case unix.S_IFCHR:
		return "os.unix=character"
	case unix.S_IFBLK:
		return "os.unix=block"
	case unix.S_IFIFO:
		return "os.unix=fifo"
	case unix.S_IFSOCK:
		return "os.unix=socket"
	}
	return "???"
}

func writeFacts(b *strings.Builder, facts Facts, st fs.Info, typeOverride string) {
	if facts.Type {
		t := typeOverride
		if t == "" {
			t = typeFact(st)
		}
		fmt.Fprintf(b, "Type=%s;", t)
	}

	if facts.Size {
		fmt.Fprintf(b, "Size=%d;", st.Size)
	}

	if facts.Modify {
		fmt.Fprintf(b, "Modify=%s;", st.ModTime.UTC().Format("20060102150405"))
	}

	if facts.Perm {
		b.WriteString("Perm=")

		isReg := st.Mode&unix.S_IFMT == unix.S_IFREG
		isDir := st.Mode&unix.S_IFMT == unix.S_IFDIR

		if isReg && st.Mode&unix.S_IWUSR != 0 {
			b.WriteByte('a')
		}
		if isDir && st.Mode&unix.S_IWUSR != 0 {
			b.WriteByte('c')
		}
		b.WriteByte('d')
		if isDir && st.Mode&unix.S_IXUSR != 0 {
			b.WriteByte('e')
		}
		b.WriteByte('f')
		if isDir && st.Mode&unix.S_IRUSR != 0 {
			b.WriteByte('l')
		}
		if isDir && st.Mode&unix.S_IWUSR != 0 {
			b.WriteByte('m')
			b.WriteByte('p')
		}
		if isReg && st.Mode&unix.S_IRUSR != 0 {
			b.WriteByte('r')
		}
		if isReg && st.Mode&unix.S_IWUSR != 0 {
			b.WriteByte('w')
		}
		b.WriteByte(';')
	}

	if facts.UnixMode {
		mask := uint32(unix.S_IRWXU | unix.S_IRWXG | unix.S_IRWXO |
			unix.S_ISVTX | unix.S_ISGID | unix.S_ISUID)
		fmt.Fprintf(b, "UNIX.mode=0%o;", st.Mode&mask)
	}

	// the name is always separated by a single space
	if s := b.String(); len(s) == 0 || s[len(s)-1] != ' ' {
		b.WriteByte(' ')
	}
}

func typeChar(st fs.Info) byte {
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		return '-'
	case unix.S_IFDIR:
		return 'd'
	case unix.S_IFLNK:
		return 'l'
	case unix.S_IFCHR:
		return 'c'
	case unix.S_IFBLK:
		return 'b'
	case unix.S_IFIFO:
		return 'p'
	case unix.S_IFSOCK:
		return 's'
	}
	return '?'
}

func permString(mode uint32) string {
	var p [9]byte
	bits := []struct {
		mask uint32
		c    byte
	}{
		{unix.S_IRUSR, 'r'}, {unix.S_IWUSR, 'w'}, {unix.S_IXUSR, 'x'},
		{unix.S_IRGRP, 'r'}, {unix.S_IWGRP, 'w'}, {unix.S_IXGRP, 'x'},
		{unix.S_IROTH, 'r'}, {unix.S_IWOTH, 'w'}, {unix.S_IXOTH, 'x'},
	}

	for i, b := range bits {
		if mode&b.mask != 0 {
			p[i] = b.c
		} else {
			p[i] = '-'
		}
	}

	return string(p[:])
}

func writeListLine(b *strings.Builder, now time.Time, st fs.Info) {
	fmt.Fprintf(b, "%c%s %d %d %d %d ",
		typeChar(st), permString(st.Mode), st.Nlink, st.UID, st.GID, st.Size)

	// recent files show the clock time, older ones the year
	mtime := st.ModTime.UTC()
	const halfYear = 365 * 24 * time.Hour / 2
	if now.After(mtime) && now.Sub(mtime) < halfYear {
		b.WriteString(mtime.Format("Jan _2 15:04 "))
	} else {
		b.WriteString(mtime.Format("Jan _2 2006 "))
	}
}
