package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/fgeck/wol-gameproxy/internal/services/status"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	snap    models.StatusSnapshot
	running bool
}

func (f *fakeProvider) Status() models.StatusSnapshot { return f.snap }
func (f *fakeProvider) Running() bool                 { return f.running }

func newStatusServer(t *testing.T, provider status.Provider) *httptest.Server {
	t.Helper()
	srv := status.New(zerolog.New(io.Discard), models.StatusConfig{Enabled: true, Listen: "127.0.0.1:0"}, provider)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		listen string
		want   string
	}{
		{":8080", "http://127.0.0.1:8080"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000"},
		{"[::]:9000", "http://127.0.0.1:9000"},
		{"192.168.1.10:8080", "http://192.168.1.10:8080"},
		{"proxy.lan", "http://proxy.lan"},
	}

	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			assert.Equal(t, tt.want, baseURL(tt.listen))
		})
	}
}

func TestFetchAndPrintStatus_Running(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	provider := &fakeProvider{
		running: true,
		snap: models.StatusSnapshot{
			State:             models.StateOffline,
			StateSince:        now,
			IdentityHeld:      true,
			TargetIP:          "192.168.1.100",
			StartedAt:         now,
			Statistics:        models.Statistics{WakeAttempts: 3, JoinAttempts: 2, SatisfactoryConnections: 4},
			SatisfactoryPeers: 2,
			RecentWakes: []models.WakeAttemptRecord{
				{Timestamp: now, Destination: "192.168.1.255:9", Success: true},
				{Timestamp: now, Destination: "192.168.1.255:7", Error: "network unreachable"},
			},
		},
	}
	ts := newStatusServer(t, provider)

	resp, err := fetchStatus(context.Background(), ts.Client(), ts.URL)
	require.NoError(t, err)
	require.NotNil(t, resp.Proxy)
	assert.Equal(t, "running", resp.Status)

	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, resp))

	out := buf.String()
	assert.Contains(t, out, "State: offline")
	assert.Contains(t, out, "192.168.1.100 (identity held: true)")
	assert.Contains(t, out, "Wake attempts")
	assert.Contains(t, out, "Active Satisfactory peers: 2")
	assert.Contains(t, out, "Satisfactory connections")
	assert.Contains(t, out, "192.168.1.255:9")
	assert.Contains(t, out, "failed: network unreachable")
}

func TestFetchAndPrintStatus_Stopped(t *testing.T) {
	ts := newStatusServer(t, &fakeProvider{})

	resp, err := fetchStatus(context.Background(), ts.Client(), ts.URL)
	require.NoError(t, err)
	assert.Nil(t, resp.Proxy)

	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, resp))
	assert.Equal(t, "Proxy stopped: Proxy is not running\n", buf.String())
}

func TestFetchStatus_Unreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	_, err := fetchStatus(context.Background(), ts.Client(), url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query")
}
