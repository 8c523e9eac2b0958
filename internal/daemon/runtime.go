package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/reviewd-dev/reviewd/internal/config"
)

// RuntimeInfo stores daemon runtime state so operator tooling can find
// a running instance. The design assumes exactly one active daemon per
// tracked repository set.
type RuntimeInfo struct {
	PID     int    `json:"pid"`
	Addr    string `json:"addr"`
	Version string `json:"version"`
}

// RuntimePath returns the path to the runtime info file
func RuntimePath() string {
	return filepath.Join(config.DataDir(), "daemon.json")
}

// WriteRuntime saves the daemon runtime info
func WriteRuntime(addr, version string) error {
	info := RuntimeInfo{
		PID:     os.Getpid(),
		Addr:    addr,
		Version: version,
	}

	path := RuntimePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ReadRuntime reads the daemon runtime info
func ReadRuntime() (*RuntimeInfo, error) {
	data, err := os.ReadFile(RuntimePath())
	if err != nil {
		return nil, err
	}

	var info RuntimeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RemoveRuntime removes the runtime info file
func RemoveRuntime() {
	os.Remove(RuntimePath())
}

// IsDaemonAlive checks if a daemon at the given address is responding.
// More reliable than checking the PID and works cross-platform.
func IsDaemonAlive(addr string) bool {
	if addr == "" {
		return false
	}
	client := &http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(fmt.Sprintf("http://%s/api/health", addr))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
