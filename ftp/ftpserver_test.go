package ftp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	goftp "github.com/jlaffaye/ftp"
	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R-YaTian/ftpd/ftp/config"
)

func startServer(t *testing.T) (*Server, string, string) {
	t.Helper()

	cfgPath := filepath.Join(t.TempDir(), "ftpd.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("port: 0\n"), 0o644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	root := t.TempDir()

	srv, err := New(cfg, root, nil)
	require.NoError(t, err)

	go srv.Run()
	t.Cleanup(srv.Close)

	return srv, root, cfgPath
}

// rawClient talks the wire protocol directly for the byte-exact
// scenarios.
type rawClient struct {
	conn net.Conn
	br   *bufio.Reader
}

func dialRaw(t *testing.T, srv *Server) *rawClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	conn.SetDeadline(time.Now().Add(30 * time.Second))

	return &rawClient{conn: conn, br: bufio.NewReader(conn)}
}

func (c *rawClient) reply(t *testing.T) (int, string) {
	t.Helper()

	line, err := c.br.ReadString('\n')
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(line), 4)

	full := line
	if line[3] == '-' {
		code := line[:3]
		for {
			l, err := c.br.ReadString('\n')
			require.NoError(t, err)
			full += l
			if strings.HasPrefix(l, code+" ") {
				break
			}
		}
	}

	code, err := strconv.Atoi(full[:3])
	require.NoError(t, err)

	return code, full
}

func (c *rawClient) cmd(t *testing.T, line string) (int, string) {
	t.Helper()

	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)

	return c.reply(t)
}

func (c *rawClient) login(t *testing.T) {
	t.Helper()

	code, greeting := c.reply(t)
	require.Equal(t, 220, code)
	require.Equal(t, "220 Hello!\r\n", greeting)

	_, reply := c.cmd(t, "USER anonymous")
	require.Equal(t, "230 OK\r\n", reply)
}

// pasv opens the data connection advertised by a PASV reply.
func (c *rawClient) pasv(t *testing.T) net.Conn {
	t.Helper()

	code, reply := c.cmd(t, "PASV")
	require.Equal(t, 227, code, reply)

	open := strings.IndexByte(reply, '(')
	closing := strings.IndexByte(reply, ')')
	require.True(t, open >= 0 && closing > open, reply)

	parts := strings.Split(reply[open+1:closing], ",")
	require.Len(t, parts, 6)

	nums := make([]int, 6)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		require.NoError(t, err)
		nums[i] = v
	}

	addr := fmt.Sprintf("%d.%d.%d.%d:%d", nums[0], nums[1], nums[2], nums[3], nums[4]<<8|nums[5])

	data, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { data.Close() })

	return data
}

func TestLoginPwdCwdScenario(t *testing.T) {
	srv, root, _ := startServer(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "foo"), 0o755))

	c := dialRaw(t, srv)
	c.login(t)

	_, reply := c.cmd(t, "PWD")
	assert.Equal(t, "257 \"/\"\r\n", reply)

	_, reply = c.cmd(t, "CWD /foo")
	assert.Equal(t, "200 OK\r\n", reply)

	_, reply = c.cmd(t, "PWD")
	assert.Equal(t, "257 \"/foo\"\r\n", reply)
}

func TestPassiveRetrieveScenario(t *testing.T) {
	srv, root, _ := startServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello\n"), 0o644))

	c := dialRaw(t, srv)
	c.login(t)

	data := c.pasv(t)

	_, reply := c.cmd(t, "RETR /hello.txt")
	require.Equal(t, "150 Ready\r\n", reply)

	payload, err := io.ReadAll(data)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello\n"), payload)

	_, reply = c.reply(t)
	assert.Equal(t, "226 OK\r\n", reply)
}

func TestStoreWithRestScenario(t *testing.T) {
	srv, root, _ := startServer(t)
	target := filepath.Join(root, "a.bin")
	require.NoError(t, os.WriteFile(target, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 0o644))

	c := dialRaw(t, srv)
	c.login(t)

	data := c.pasv(t)

	_, reply := c.cmd(t, "REST 5")
	require.Equal(t, "350 OK\r\n", reply)

	_, reply = c.cmd(t, "STOR /a.bin")
	require.Equal(t, "150 Ready\r\n", reply)

	_, err := data.Write([]byte{0xAA, 0xBB, 0xCC})
	require.NoError(t, err)
	require.NoError(t, data.Close())

	_, reply = c.reply(t)
	require.Equal(t, "226 OK\r\n", reply)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 0xAA, 0xBB, 0xCC}, content)
}

func TestNlstEncodingScenario(t *testing.T) {
	srv, root, _ := startServer(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "d", "a\nb"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "d", `c"d`), nil, 0o644))

	c := dialRaw(t, srv)
	c.login(t)

	data := c.pasv(t)

	_, reply := c.cmd(t, "NLST /d")
	require.Equal(t, "150 Ready\r\n", reply)

	payload, err := io.ReadAll(data)
	require.NoError(t, err)

	_, reply = c.reply(t)
	require.Equal(t, "226 OK\r\n", reply)

	var names []string
	for _, line := range strings.Split(string(payload), "\r\n") {
		if line != "" {
			names = append(names, line)
		}
	}

	// newline encoded as NUL, quote untouched
	assert.ElementsMatch(t, []string{"/d/a\x00b", `/d/c"d`}, names)
}

func TestModeZRoundtripScenario(t *testing.T) {
	srv, root, _ := startServer(t)

	c := dialRaw(t, srv)
	c.login(t)

	_, reply := c.cmd(t, "MODE Z")
	require.Equal(t, "200 OK\r\n", reply)

	// upload 1 MiB of zeros compressed
	data := c.pasv(t)

	_, reply = c.cmd(t, "STOR /zeros.bin")
	require.Equal(t, "150 Ready\r\n", reply)

	var sent bytes.Buffer
	zw, err := flate.NewWriter(io.MultiWriter(data, &sent), 6)
	require.NoError(t, err)

	payload := make([]byte, 1<<20)
	_, err = zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, data.Close())

	_, reply = c.reply(t)
	require.Equal(t, "226 OK\r\n", reply)

	assert.Less(t, sent.Len(), 10*1024, "compressed upload should stay below 10 KiB")

	stored, err := os.ReadFile(filepath.Join(root, "zeros.bin"))
	require.NoError(t, err)
	require.Equal(t, payload, stored)

	// download it again, still MODE Z
	data = c.pasv(t)

	_, reply = c.cmd(t, "RETR /zeros.bin")
	require.Equal(t, "150 Ready\r\n", reply)

	compressed, err := io.ReadAll(data)
	require.NoError(t, err)

	_, reply = c.reply(t)
	require.Equal(t, "226 OK\r\n", reply)

	zr := flate.NewReader(bytes.NewReader(compressed))
	restored, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, payload, restored)
}

func TestAbortDuringTransfer(t *testing.T) {
	srv, _, _ := startServer(t)

	c := dialRaw(t, srv)
	c.login(t)

	data := c.pasv(t)

	_, reply := c.cmd(t, "RETR /devZero")
	require.Equal(t, "150 Ready\r\n", reply)

	// consume a little of the infinite stream, then abort
	chunk := make([]byte, 64*1024)
	_, err := io.ReadFull(data, chunk)
	require.NoError(t, err)

	for _, b := range chunk {
		require.Equal(t, byte(0), b)
	}

	_, reply = c.cmd(t, "ABOR")
	assert.Equal(t, "225 Aborted\r\n", reply)

	_, reply = c.reply(t)
	assert.Equal(t, "425 Transfer aborted\r\n", reply)

	data.Close()

	// the session is back in command state
	_, reply = c.cmd(t, "PWD")
	assert.Equal(t, "257 \"/\"\r\n", reply)
}

func TestMkdRmdDele(t *testing.T) {
	srv, root, _ := startServer(t)

	c := dialRaw(t, srv)
	c.login(t)

	_, reply := c.cmd(t, "MKD /nd")
	assert.Equal(t, "250 OK\r\n", reply)

	_, err := os.Stat(filepath.Join(root, "nd"))
	assert.NoError(t, err)

	_, reply = c.cmd(t, "RMD /nd")
	assert.Equal(t, "250 OK\r\n", reply)

	code, _ := c.cmd(t, "DELE /missing")
	assert.Equal(t, 550, code)
}

func TestSiteSavePersists(t *testing.T) {
	srv, _, cfgPath := startServer(t)

	c := dialRaw(t, srv)
	c.login(t)

	_, reply := c.cmd(t, "SITE DEFLATE 9")
	require.Equal(t, "200 OK\r\n", reply)

	_, reply = c.cmd(t, "SITE SAVE")
	require.Equal(t, "200 OK\r\n", reply)

	saved, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(saved), "deflate_level: 9")
}

func TestGlobNlst(t *testing.T) {
	srv, root, _ := startServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "x.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "y.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "z.bin"), nil, 0o644))

	c := dialRaw(t, srv)
	c.login(t)

	data := c.pasv(t)

	_, reply := c.cmd(t, "NLST *.txt")
	require.Equal(t, "150 Ready\r\n", reply)

	payload, err := io.ReadAll(data)
	require.NoError(t, err)

	_, reply = c.reply(t)
	require.Equal(t, "226 OK\r\n", reply)

	assert.Contains(t, string(payload), "/x.txt\r\n")
	assert.Contains(t, string(payload), "/y.txt\r\n")
	assert.NotContains(t, string(payload), "z.bin")
}

func TestJlaffayeClient(t *testing.T) {
	srv, _, _ := startServer(t)

	c, err := goftp.Dial(fmt.Sprintf("127.0.0.1:%d", srv.Port()),
		goftp.DialWithTimeout(5*time.Second),
		goftp.DialWithDisabledEPSV(true))
	require.NoError(t, err)
	defer c.Quit()

	require.NoError(t, c.Login("anonymous", "anonymous"))

	dir, err := c.CurrentDir()
	require.NoError(t, err)
	assert.Equal(t, "/", dir)

	content := []byte("Hello from the client\n")
	require.NoError(t, c.Stor("hello.txt", bytes.NewReader(content)))

	size, err := c.FileSize("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	r, err := c.Retr("/hello.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, content, got)

	entries, err := c.List("/")
	require.NoError(t, err)

	found := false
	for _, e := range entries {
		if e.Name == "hello.txt" {
			found = true
			assert.Equal(t, uint64(len(content)), e.Size)
		}
	}
	assert.True(t, found, "hello.txt missing from listing")

	names, err := c.NameList("/")
	require.NoError(t, err)
	assert.Contains(t, names, "/hello.txt")

	require.NoError(t, c.Rename("/hello.txt", "/hi.txt"))
	require.NoError(t, c.Delete("/hi.txt"))
}
