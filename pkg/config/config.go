// Package config loads streamchat settings from YAML.
package config

import (
	"bytes"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/streamchat/pkg/logging"
)

type Settings struct {
	Log    logging.Settings `yaml:"log"`
	Server ServerSettings   `yaml:"server"`
	Client ClientSettings   `yaml:"client"`
}

type ServerSettings struct {
	Addr        string        `yaml:"addr"`
	UploadDir   string        `yaml:"upload-dir"`
	FilesDB     string        `yaml:"files-db"`
	MaxUploadMB int64         `yaml:"max-upload-mb"`
	ChunkSize   int           `yaml:"chunk-size"`
	ChunkDelay  time.Duration `yaml:"chunk-delay"`
	Redis       RedisSettings `yaml:"redis"`
}

// RedisSettings switches the backend frame broker to Redis Streams.
type RedisSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

type ClientSettings struct {
	URL         string         `yaml:"url"`
	HTTPBase    string         `yaml:"http-base"`
	Markdown    bool           `yaml:"markdown"`
	// HistoryFile keeps terminal input history; empty disables it.
	HistoryFile string         `yaml:"history-file"`
	Upload      UploadSettings `yaml:"upload"`
}

// UploadSettings filters the files found when a directory is uploaded.
type UploadSettings struct {
	MaxFileSize           int64    `yaml:"max-file-size"`
	IncludeExts           []string `yaml:"include-exts"`
	ExcludeExts           []string `yaml:"exclude-exts"`
	ExcludeDirs           []string `yaml:"exclude-dirs"`
	DisableGitIgnore      bool     `yaml:"disable-gitignore"`
	DisableDefaultFilters bool     `yaml:"disable-default-filters"`
	FilterBinary          bool     `yaml:"filter-binary"`
}

func Default() Settings {
	return Settings{
		Log: logging.DefaultSettings(),
		Server: ServerSettings{
			Addr:        ":4580",
			UploadDir:   "user_files",
			MaxUploadMB: 32,
			ChunkSize:   4,
			ChunkDelay:  30 * time.Millisecond,
			Redis: RedisSettings{
				Addr:     "localhost:6379",
				Group:    "streamchat",
				Consumer: "backend-1",
			},
		},
		Client: ClientSettings{
			URL:         "ws://127.0.0.1:4580/ws/chat",
			HTTPBase:    "http://127.0.0.1:4580",
			HistoryFile: "~/.streamchat_history",
			Upload: UploadSettings{
				MaxFileSize:  1024 * 1024,
				FilterBinary: true,
			},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Settings, error) {
	s := Default()
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return s, errors.Wrap(err, "config path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrapf(err, "read config %s", path)
	}
	if err := Decode(data, &s); err != nil {
		return s, errors.Wrapf(err, "parse config %s", path)
	}
	if err := s.Server.ExpandPaths(); err != nil {
		return s, err
	}
	return s, nil
}

// ExpandPaths resolves a leading "~" in the upload directory and files database.
func (s *ServerSettings) ExpandPaths() error {
	var err error
	if s.UploadDir, err = homedir.Expand(s.UploadDir); err != nil {
		return errors.Wrap(err, "server.upload-dir")
	}
	if s.FilesDB, err = homedir.Expand(s.FilesDB); err != nil {
		return errors.Wrap(err, "server.files-db")
	}
	return nil
}

// Decode overlays YAML onto s. Unknown keys are rejected.
func Decode(data []byte, s *Settings) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return err
	}
	return nil
}

func (s Settings) Validate() error {
	if err := s.Server.Validate(); err != nil {
		return err
	}
	return s.Client.Validate()
}

func (s ServerSettings) Validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("server.addr is empty")
	}
	if strings.TrimSpace(s.UploadDir) == "" {
		return errors.New("server.upload-dir is empty")
	}
	if s.MaxUploadMB <= 0 {
		return errors.Errorf("server.max-upload-mb must be positive, got %d", s.MaxUploadMB)
	}
	if s.ChunkSize <= 0 {
		return errors.Errorf("server.chunk-size must be positive, got %d", s.ChunkSize)
	}
	if s.ChunkDelay < 0 {
		return errors.Errorf("server.chunk-delay must not be negative, got %s", s.ChunkDelay)
	}
	if s.Redis.Enabled && strings.TrimSpace(s.Redis.Addr) == "" {
		return errors.New("server.redis.addr is empty")
	}
	return nil
}

func (c ClientSettings) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.Wrap(err, "client.url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("client.url must use ws or wss, got %q", c.URL)
	}
	if c.Upload.MaxFileSize < 0 {
		return errors.Errorf("client.upload.max-file-size must not be negative, got %d", c.Upload.MaxFileSize)
	}
	if strings.TrimSpace(c.HTTPBase) == "" {
		return nil
	}
	h, err := url.Parse(c.HTTPBase)
	if err != nil {
		return errors.Wrap(err, "client.http-base")
	}
	if h.Scheme != "http" && h.Scheme != "https" {
		return errors.Errorf("client.http-base must use http or https, got %q", c.HTTPBase)
	}
	return nil
}

// HTTPBaseFromWS derives the collaborator base URL from the chat socket URL.
func HTTPBaseFromWS(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", errors.Wrap(err, "parse websocket url")
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", errors.Errorf("not a websocket url: %q", wsURL)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
