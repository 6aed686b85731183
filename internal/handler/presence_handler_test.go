package handler_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/clientsync-realtime/internal/models"
)

func TestPresenceSnapshotEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := env.presence.GoOnline(ctx, admin.ID, admin.Name())
	require.NoError(t, err)

	resp := env.do(t, &client, http.MethodGet, "/api/v2/presence", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	snapshot := decodeEnvelope[map[string]models.PresenceRecord](t, resp)
	require.True(t, snapshot.Data[admin.ID].Online)
	require.Equal(t, "Ada", snapshot.Data[admin.ID].Name)

	resp = env.do(t, &client, http.MethodGet, "/api/v2/presence/"+admin.ID, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	record := decodeEnvelope[models.PresenceRecord](t, resp)
	require.True(t, record.Data.Online)

	resp = env.do(t, &client, http.MethodGet, "/api/v2/presence/nobody", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	require.NoError(t, env.presence.GoOffline(context.Background(), admin.ID, admin.Name()))
}
