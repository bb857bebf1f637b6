package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge serves the workspace contract over httptest with an in-memory
// file map.
func fakeBridge(t *testing.T, files map[string]string) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		content, exists := files[r.URL.Query().Get("path")]
		if !exists {
			http.Error(w, "no such file", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"content": content})
	})
	mux.HandleFunc("/files/list", func(w http.ResponseWriter, _ *http.Request) {
		infos := make([]FileInfo, 0, len(files))
		for path, content := range files {
			infos = append(infos, FileInfo{Path: path, Size: int64(len(content))})
		}
		json.NewEncoder(w).Encode(map[string]any{"files": infos})
	})
	mux.HandleFunc("/files/edits", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Edits []Edit `json:"edits"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, edit := range payload.Edits {
			if edit.Path == "" {
				http.Error(w, "edit without path", http.StatusUnprocessableEntity)
				return
			}
			files[edit.Path] = edit.Content
		}
		w.WriteHeader(http.StatusOK)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return NewClient(server.URL, 2*time.Second)
}

func TestBridgeHealth(t *testing.T) {
	client := fakeBridge(t, nil)
	assert.NoError(t, client.Health(context.Background()))
}

func TestBridgeHealthUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 100*time.Millisecond)
	assert.Error(t, client.Health(context.Background()))
}

func TestBridgeReadFile(t *testing.T) {
	client := fakeBridge(t, map[string]string{"main.go": "package main"})

	content, err := client.ReadFile(context.Background(), "main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main", content)

	_, err = client.ReadFile(context.Background(), "missing.go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestBridgeListFiles(t *testing.T) {
	client := fakeBridge(t, map[string]string{
		"main.go":   "package main",
		"main_test": "package main",
	})

	files, err := client.ListFiles(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestBridgeApplyEdits(t *testing.T) {
	workspace := map[string]string{"main.go": "old"}
	client := fakeBridge(t, workspace)

	err := client.ApplyEdits(context.Background(), []Edit{
		{Path: "main.go", Content: "new"},
		{Path: "extra.go", Content: "package extra"},
	})
	require.NoError(t, err)
	assert.Equal(t, "new", workspace["main.go"])
	assert.Equal(t, "package extra", workspace["extra.go"])

	// Edits round-trip the written content through a read.
	content, err := client.ReadFile(context.Background(), "extra.go")
	require.NoError(t, err)
	assert.Equal(t, "package extra", content)
}

func TestBridgeApplyEditsSurfacesErrorDetail(t *testing.T) {
	client := fakeBridge(t, map[string]string{})

	err := client.ApplyEdits(context.Background(), []Edit{{Path: "", Content: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "edit without path")
}
