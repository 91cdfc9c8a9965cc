package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/files"
	"github.com/go-go-golems/streamchat/pkg/tokens"
)

func testSettings(t *testing.T) config.ServerSettings {
	t.Helper()
	s := config.Default().Server
	s.UploadDir = filepath.Join(t.TempDir(), "uploads")
	s.ChunkSize = 4
	s.ChunkDelay = 0
	return s
}

func newTestServer(t *testing.T, settings config.ServerSettings, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	opts = append([]Option{WithTokenCounter(tokens.NewCounter("no-such-encoding"))}, opts...)
	s, err := NewServer(ctx, settings, opts...)
	require.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		hs.Close()
		require.NoError(t, s.Close())
	})
	return s, hs
}

func dialChat(t *testing.T, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

// readTurn reads frames up to and including the next end-of-turn sentinel.
func readTurn(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	var frames []string
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if f == "[[END]]" {
			return frames
		}
	}
}

// holdEngine emits one chunk and then holds the turn open until cancelled.
type holdEngine struct{}

func (holdEngine) Generate(ctx context.Context, req Request, emit func(string) error) error {
	if err := emit("partial:" + req.Prompt); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

type failingEngine struct{}

func (failingEngine) Generate(context.Context, Request, func(string) error) error {
	return errors.New("model unavailable")
}

func TestServer_EchoTurn(t *testing.T) {
	_, hs := newTestServer(t, testSettings(t))
	conn := dialChat(t, hs)

	send(t, conn, "hello world")
	require.Equal(t, []string{"hell", "o wo", "rld", "[[END]]"}, readTurn(t, conn))

	send(t, conn, "again")
	require.Equal(t, []string{"agai", "n", "[[END]]"}, readTurn(t, conn))
}

func TestServer_ModeSwitch(t *testing.T) {
	_, hs := newTestServer(t, testSettings(t))
	conn := dialChat(t, hs)

	send(t, conn, "/mode nonsense")
	require.Equal(t, []string{"[Error] Unknown mode: nonsense", "[[END]]"}, readTurn(t, conn))

	send(t, conn, "/mode  sassy ")
	require.Equal(t, []string{"[Mode changed to: sassy]", "[[END]]"}, readTurn(t, conn))

	send(t, conn, "yo")
	require.Equal(t, []string{"[sas", "sy] ", "yo", "[[END]]"}, readTurn(t, conn))

	send(t, conn, "/mode default")
	require.Equal(t, []string{"[Mode changed to: default]", "[[END]]"}, readTurn(t, conn))
}

func TestServer_StopWhenIdleStillEndsTurn(t *testing.T) {
	_, hs := newTestServer(t, testSettings(t))
	conn := dialChat(t, hs)

	send(t, conn, "__STOP__")
	require.Equal(t, []string{"[[END]]"}, readTurn(t, conn))
}

func TestServer_StopAndNewInputInterruptGeneration(t *testing.T) {
	_, hs := newTestServer(t, testSettings(t), WithEngine(holdEngine{}))
	conn := dialChat(t, hs)

	send(t, conn, "one")
	require.Equal(t, "partial:one", readFrame(t, conn))

	// a new input cancels the running turn, closes it, then is processed
	send(t, conn, "two")
	require.Equal(t, "[[END]]", readFrame(t, conn))
	require.Equal(t, "partial:two", readFrame(t, conn))

	send(t, conn, "__STOP__")
	require.Equal(t, "[[END]]", readFrame(t, conn))

	// exactly one END per stopped turn
	send(t, conn, "/mode cute")
	require.Equal(t, []string{"[Mode changed to: cute]", "[[END]]"}, readTurn(t, conn))
}

func TestServer_GenerationErrorIsStreamed(t *testing.T) {
	_, hs := newTestServer(t, testSettings(t), WithEngine(failingEngine{}))
	conn := dialChat(t, hs)

	send(t, conn, "hi")
	require.Equal(t, []string{"[ERROR] model unavailable", "[[END]]"}, readTurn(t, conn))
}

func TestServer_ContextIngestion(t *testing.T) {
	_, hs := newTestServer(t, testSettings(t))
	conn := dialChat(t, hs)
	client, err := files.NewClient(hs.URL)
	require.NoError(t, err)
	ctx := context.Background()

	send(t, conn, "__CONTEXT__")
	require.Equal(t, []string{"No new files were added to context.", "[[END]]"}, readTurn(t, conn))

	uploaded, err := client.UploadReader(ctx, "notes.md", strings.NewReader("# notes\nremember the milk\n"))
	require.NoError(t, err)
	require.Len(t, uploaded, 1)
	var key string
	for k, name := range uploaded {
		key = k
		require.Equal(t, "notes.md", name)
	}
	require.True(t, strings.HasSuffix(key, "_notes.md"))

	send(t, conn, "__CONTEXT__")
	require.Equal(t, []string{
		"[[LOADED::" + key + "]]",
		"Loaded 1 file(s) into context: notes.md.",
		"[[END]]",
	}, readTurn(t, conn))

	send(t, conn, "__CONTEXT__")
	require.Equal(t, []string{"No new files were added to context.", "[[END]]"}, readTurn(t, conn))

	_, err = client.UploadReader(ctx, "blob.bin", strings.NewReader("\x00\x01\x02"))
	require.NoError(t, err)
	send(t, conn, "__CONTEXT__")
	require.Equal(t, []string{
		"[[LOADED::]]",
		"Ignored binary or unreadable file(s): blob.bin.",
		"[[END]]",
	}, readTurn(t, conn))

	// a second connection has its own loaded set
	other := dialChat(t, hs)
	send(t, other, "__CONTEXT__")
	frames := readTurn(t, other)
	require.Equal(t, "[[LOADED::"+key+"]]", frames[0])
}

func TestServer_UploadAndDelete(t *testing.T) {
	settings := testSettings(t)
	_, hs := newTestServer(t, settings)
	client, err := files.NewClient(hs.URL)
	require.NoError(t, err)
	ctx := context.Background()

	uploaded, err := client.UploadReader(ctx, "a.txt", strings.NewReader("alpha"))
	require.NoError(t, err)
	var key string
	for k := range uploaded {
		key = k
	}
	data, err := os.ReadFile(filepath.Join(settings.UploadDir, key))
	require.NoError(t, err)
	require.Equal(t, "alpha", string(data))

	require.NoError(t, client.Delete(ctx, key))
	_, err = os.Stat(filepath.Join(settings.UploadDir, key))
	require.True(t, os.IsNotExist(err))

	err = client.Delete(ctx, key)
	var statusErr *files.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.Equal(t, "File not found", statusErr.Message)
}

func TestServer_CommaInFileNameStaysOutOfKey(t *testing.T) {
	_, hs := newTestServer(t, testSettings(t))
	conn := dialChat(t, hs)
	client, err := files.NewClient(hs.URL)
	require.NoError(t, err)

	uploaded, err := client.UploadReader(context.Background(), "notes,v2.txt", strings.NewReader("draft two"))
	require.NoError(t, err)
	require.Len(t, uploaded, 1)
	var key string
	for k, name := range uploaded {
		key = k
		require.Equal(t, "notes,v2.txt", name)
	}
	require.NotContains(t, key, ",")
	require.True(t, strings.HasSuffix(key, "_notes_v2.txt"))

	send(t, conn, "__CONTEXT__")
	require.Equal(t, []string{
		"[[LOADED::" + key + "]]",
		"Loaded 1 file(s) into context: notes,v2.txt.",
		"[[END]]",
	}, readTurn(t, conn))
}

func TestServer_SameNameUploadsGetDistinctKeys(t *testing.T) {
	_, hs := newTestServer(t, testSettings(t))
	client, err := files.NewClient(hs.URL)
	require.NoError(t, err)

	keys := map[string]bool{}
	for range 3 {
		uploaded, err := client.UploadReader(context.Background(), "same.txt", strings.NewReader("x"))
		require.NoError(t, err)
		for k := range uploaded {
			keys[k] = true
		}
	}
	require.Len(t, keys, 3)
}

func TestServer_HTTPSurface(t *testing.T) {
	_, hs := newTestServer(t, testSettings(t))

	resp, err := http.Get(hs.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))

	resp, err = http.Get(hs.URL + "/upload")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, hs.URL+"/upload", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, err = http.PostForm(hs.URL+"/delete-file", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_InMemoryRegistryWipesUploadDir(t *testing.T) {
	settings := testSettings(t)
	require.NoError(t, os.MkdirAll(settings.UploadDir, 0o755))
	stale := filepath.Join(settings.UploadDir, "1_stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	newTestServer(t, settings)
	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err))
}

func TestServer_SQLiteRegistryKeepsUploadsAcrossRestart(t *testing.T) {
	settings := testSettings(t)
	settings.FilesDB = filepath.Join(t.TempDir(), "files.db")

	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewServer(ctx, settings, WithTokenCounter(tokens.NewCounter("no-such-encoding")))
	require.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	client, err := files.NewClient(hs.URL)
	require.NoError(t, err)
	kept, err := client.UploadReader(context.Background(), "kept.txt", strings.NewReader("kept"))
	require.NoError(t, err)
	lost, err := client.UploadReader(context.Background(), "lost.txt", strings.NewReader("lost"))
	require.NoError(t, err)
	cancel()
	hs.Close()
	require.NoError(t, s.Close())

	for k := range lost {
		require.NoError(t, os.Remove(filepath.Join(settings.UploadDir, k)))
	}

	s2, _ := newTestServer(t, settings)
	recs, err := s2.registry.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	for k := range kept {
		require.Equal(t, k, recs[0].Key)
	}
}

func TestServer_Modes(t *testing.T) {
	s, _ := newTestServer(t, testSettings(t), WithModes(map[string]string{"b": "", "a": "x"}))
	require.Equal(t, []string{"a", "b"}, s.Modes())
}

func TestNewServer_RejectsInvalidSettings(t *testing.T) {
	settings := testSettings(t)
	settings.ChunkSize = 0
	_, err := NewServer(context.Background(), settings)
	require.Error(t, err)
}
