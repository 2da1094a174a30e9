// Package media stores user-facing binary assets on local disk and serves
// them back by public URL.
package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
	"github.com/courseloom/courseloom-backend/internal/utils"
)

type Store interface {
	Save(key string, r io.Reader) error
	Delete(key string) error
	PublicURL(key string) string
	// Root is the directory assets live under, for static file serving.
	Root() string
}

type localStore struct {
	root    string
	baseURL string
	log     *logger.Logger
}

func NewLocalStore(baseLog *logger.Logger) (Store, error) {
	log := baseLog.With("component", "MediaStore")
	root := utils.GetEnv("MEDIA_DIR", "./media", log)
	baseURL := strings.TrimRight(utils.GetEnv("MEDIA_BASE_URL", "/media", log), "/")

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir %s: %w", root, err)
	}
	return &localStore{root: root, baseURL: baseURL, log: log}, nil
}

func (s *localStore) Root() string { return s.root }

func (s *localStore) path(key string) (string, error) {
	key = filepath.Clean(strings.TrimLeft(key, "/"))
	if key == "." || strings.HasPrefix(key, "..") {
		return "", fmt.Errorf("invalid media key %q", key)
	}
	return filepath.Join(s.root, key), nil
}

func (s *localStore) Save(key string, r io.Reader) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write media %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close media %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store media %s: %w", key, err)
	}
	return nil
}

func (s *localStore) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete media %s: %w", key, err)
	}
	return nil
}

func (s *localStore) PublicURL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}
