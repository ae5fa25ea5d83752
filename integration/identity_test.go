//go:build integration

package integration

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/fgeck/wol-gameproxy/internal/services/health"
	"github.com/fgeck/wol-gameproxy/internal/services/identity"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// getServerConfig needs a spare address on a real interface and the rights to
// change it (root, CAP_NET_ADMIN, or passwordless sudo with TEST_IDENTITY_SUDO).
func getServerConfig(t *testing.T) (models.ServerConfig, models.IdentityConfig) {
	t.Helper()

	iface := os.Getenv("TEST_IDENTITY_IFACE")
	if iface == "" {
		t.Skip("TEST_IDENTITY_IFACE not set")
	}

	ip := os.Getenv("TEST_IDENTITY_IP")
	if ip == "" {
		t.Skip("TEST_IDENTITY_IP not set")
	}

	mask := os.Getenv("TEST_IDENTITY_MASK")
	if mask == "" {
		mask = "24"
	}

	return models.ServerConfig{
			TargetIP:         ip,
			MACAddress:       "AA:BB:CC:DD:EE:FF",
			NetworkInterface: iface,
			NetworkMask:      mask,
		}, models.IdentityConfig{
			UseSudo:  os.Getenv("TEST_IDENTITY_SUDO") == "true",
			Announce: true,
		}
}

func TestIdentityClaimRelease_Integration(t *testing.T) {
	server, cfg := getServerConfig(t)
	ctx := context.Background()

	svc := identity.New(testLogger(), server, cfg)
	require.NoError(t, svc.Validate(ctx))
	require.False(t, svc.Held(), "test address already present on %s", server.NetworkInterface)

	t.Cleanup(func() { _ = svc.Release(context.Background()) })

	require.NoError(t, svc.Claim(ctx))
	assert.True(t, svc.Held())

	// Claiming twice is a no-op.
	require.NoError(t, svc.Claim(ctx))

	// A fresh instance sees the address on the interface.
	other := identity.New(testLogger(), server, cfg)
	require.NoError(t, other.Validate(ctx))
	assert.True(t, other.Held())

	require.NoError(t, svc.Release(ctx))
	assert.False(t, svc.Held())

	// Releasing twice is a no-op.
	require.NoError(t, svc.Release(ctx))

	require.NoError(t, other.Validate(ctx))
	assert.False(t, other.Held())
}

func TestIdentityUnknownInterface_Integration(t *testing.T) {
	server, cfg := getServerConfig(t)
	server.NetworkInterface = "nonexistent0"

	svc := identity.New(testLogger(), server, cfg)
	err := svc.Validate(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, identity.ErrInterfaceNotFound)
}

// TestARPPresence_Integration needs a live host on the link given by
// TEST_ARP_IFACE, TEST_ARP_IP and TEST_ARP_MAC.
func TestARPPresence_Integration(t *testing.T) {
	iface := os.Getenv("TEST_ARP_IFACE")
	ip := os.Getenv("TEST_ARP_IP")
	mac := os.Getenv("TEST_ARP_MAC")
	if iface == "" || ip == "" || mac == "" {
		t.Skip("TEST_ARP_IFACE, TEST_ARP_IP or TEST_ARP_MAC not set")
	}

	server := models.ServerConfig{
		TargetIP:         ip,
		MACAddress:       mac,
		NetworkInterface: iface,
	}

	svc := health.New(testLogger())

	result := svc.Present(context.Background(), server, 2*time.Second)
	require.NoError(t, result.Error)
	assert.True(t, result.Reachable)

	server.MACAddress = "02:00:00:00:00:01"
	result = svc.Present(context.Background(), server, 2*time.Second)
	assert.False(t, result.Reachable)
}
