package model

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// maxFileSize bounds any single artifact file.
const maxFileSize = 256 << 20

// Source resolves named files of an artifact.
type Source interface {
	Fetch(ctx context.Context, artifact, name string) ([]byte, error)
}

// DirSource serves artifacts from Root/<artifact>/<name>.
type DirSource struct {
	Root string
}

// Fetch reads a file from disk.
func (s DirSource) Fetch(ctx context.Context, artifact, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !filepath.IsLocal(artifact) || !filepath.IsLocal(name) {
		return nil, fmt.Errorf("invalid artifact path %q/%q", artifact, name)
	}
	p := filepath.Join(s.Root, artifact, name)
	fi, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxFileSize {
		return nil, fmt.Errorf("%s: %d bytes exceeds limit", p, fi.Size())
	}
	return os.ReadFile(p)
}

// HTTPSource fetches artifacts from BaseURL/<artifact>/<name>.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

// Fetch performs a GET request for the file.
func (s HTTPSource) Fetch(ctx context.Context, artifact, name string) ([]byte, error) {
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	base.Path = path.Join(base.Path, artifact, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", base.Redacted(), resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", base.Redacted(), err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("GET %s: body exceeds limit", base.Redacted())
	}
	return data, nil
}
