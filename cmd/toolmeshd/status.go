package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/toolmesh/toolmesh/internal/providermgr"
)

// hostStatus is the snapshot a running `serve` process writes to its status
// file, and the shape `providers list` reads back when no live instance is
// reachable any other way.
type hostStatus struct {
	UpdatedAt time.Time        `json:"updatedAt"`
	Providers []providerStatus `json:"providers"`
}

type providerStatus struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	State string `json:"state"`
}

func writeStatus(path string, infos []providermgr.ProviderInfo) error {
	st := hostStatus{UpdatedAt: stampNow()}
	for _, info := range infos {
		st.Providers = append(st.Providers, providerStatus{
			Name:  info.Name,
			Kind:  string(info.Kind),
			State: string(info.State),
		})
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("status: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("status: write %q: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func readStatus(path string) (*hostStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("status: read %q: %w", path, err)
	}
	var st hostStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("status: parse %q: %w", path, err)
	}
	return &st, nil
}

func stampNow() time.Time { return time.Now() }
