//go:build integration
// +build integration

package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-dev/gantry/internal/config"
	"github.com/gantry-dev/gantry/internal/control"
	"github.com/gantry-dev/gantry/internal/db"
)

// Run with: go test -tags=integration ./tests/...

func integrationConfig(t *testing.T) config.Config {
	t.Helper()
	temp := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.ConfigPath = filepath.Join(temp, "config.yaml")
	cfg.DataDir = temp
	cfg.DBPath = filepath.Join(temp, "gantry.db")
	cfg.CargoDir = filepath.Join(temp, "cargo")
	cfg.Listen = "127.0.0.1:0"
	cfg.AppURL = "http://127.0.0.1:8820"
	cfg.AppSecret = "integration-secret"
	cfg.AdminToken = "integration-admin"
	return cfg
}

func startService(t *testing.T, cfg config.Config) string {
	t.Helper()
	store, err := db.Open(cfg.DBPath)
	require.NoError(t, err)
	service, err := control.NewService(cfg, store)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("service did not shut down")
		}
	})

	base := "http://" + service.Addr()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)
	return base
}

func adminPost(t *testing.T, base, path string, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer integration-admin")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestServiceAdminSurface(t *testing.T) {
	base := startService(t, integrationConfig(t))

	resp := adminPost(t, base, "/v1/regions", map[string]any{
		"name":       "US East",
		"identifier": "us-east",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var region struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&region))
	resp.Body.Close()

	resp = adminPost(t, base, "/v1/nodes", map[string]any{
		"name":           "node one",
		"fqdn":           "node1.nodes.test",
		"port":           8081,
		"connection_key": "node-key",
		"region_id":      region.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var node struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&node))
	resp.Body.Close()

	resp = adminPost(t, base, fmt.Sprintf("/v1/nodes/%s/allocations", node.ID), map[string]any{
		"bind_address": "0.0.0.0",
		"port":         25565,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = adminPost(t, base, "/v1/units", map[string]any{
		"short_name":      "minecraft-paper",
		"images":          []map[string]any{{"image": "ghcr.io/gantry/paper:latest", "default": true}},
		"default_startup": "./start.sh",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, base+"/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer integration-admin")
	statusResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)
	var status struct {
		Servers int `json:"servers"`
		Nodes   int `json:"nodes"`
		Regions int `json:"regions"`
	}
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	assert.Equal(t, 0, status.Servers)
	assert.Equal(t, 1, status.Nodes)
	assert.Equal(t, 1, status.Regions)
}

func TestServiceHeartbeatSweep(t *testing.T) {
	cfg := integrationConfig(t)
	cfg.HeartbeatWindowSeconds = 1
	cfg.HeartbeatSweepSeconds = 1
	base := startService(t, cfg)

	resp := adminPost(t, base, "/v1/regions", map[string]any{
		"name":       "US East",
		"identifier": "us-east",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var region struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&region))
	resp.Body.Close()

	resp = adminPost(t, base, "/v1/nodes", map[string]any{
		"name":           "node one",
		"fqdn":           "node1.nodes.test",
		"port":           8081,
		"connection_key": "node-key",
		"region_id":      region.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var node struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&node))
	resp.Body.Close()

	// Heartbeat once, then let the window lapse; the sweep marks it offline.
	req, err := http.NewRequest(http.MethodPost, base+"/v1/nodes/"+node.ID+"/heartbeat", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer node-key")
	hbResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	hbResp.Body.Close()
	require.Equal(t, http.StatusOK, hbResp.StatusCode)

	require.Eventually(t, func() bool {
		listReq, err := http.NewRequest(http.MethodGet, base+"/v1/nodes", nil)
		if err != nil {
			return false
		}
		listReq.Header.Set("Authorization", "Bearer integration-admin")
		listResp, err := http.DefaultClient.Do(listReq)
		if err != nil {
			return false
		}
		defer listResp.Body.Close()
		var payload struct {
			Nodes []struct {
				IsOnline bool `json:"is_online"`
			} `json:"nodes"`
		}
		if json.NewDecoder(listResp.Body).Decode(&payload) != nil || len(payload.Nodes) != 1 {
			return false
		}
		return !payload.Nodes[0].IsOnline
	}, 10*time.Second, 250*time.Millisecond)
}
