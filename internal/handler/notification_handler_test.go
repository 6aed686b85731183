package handler_test

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/service"
)

func emitAndWait(t *testing.T, env *apiEnv, recipient models.Principal) models.Notification {
	t.Helper()
	env.notify.Emit(context.Background(), recipient.ID, "Ada", "room-1", admin.ID)
	var list []models.Notification
	require.Eventually(t, func() bool {
		var err error
		list, err = env.notify.List(context.Background(), recipient.ID, 10, 0)
		return err == nil && len(list) == 1
	}, 2*time.Second, 10*time.Millisecond)
	return list[0]
}

func TestNotificationListAndMarkRead(t *testing.T) {
	env := newAPIEnv(t)
	notification := emitAndWait(t, env, client)

	resp := env.do(t, &client, http.MethodGet, "/api/v2/notifications?limit=5", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	list := decodeEnvelope[[]models.Notification](t, resp)
	require.Len(t, list.Data, 1)
	require.Equal(t, "New message from Ada", list.Data[0].Message)

	path := fmt.Sprintf("/api/v2/notifications/%d/read", notification.ID)
	resp = env.do(t, &admin, http.MethodPatch, path, nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = env.do(t, &client, http.MethodPatch, path, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	updated := decodeEnvelope[models.Notification](t, resp)
	require.True(t, updated.Data.IsRead)

	resp = env.do(t, &client, http.MethodPatch, "/api/v2/notifications/abc/read", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, &client, http.MethodGet, "/api/v2/notifications?limit=many", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestNotificationStreamPushesSnapshots(t *testing.T) {
	env := newAPIEnv(t)
	addr := env.listen(t)

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/api/v2/notifications/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, client))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitLine := func(match func(string) bool) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed")
				if match(line) {
					return
				}
			case <-deadline:
				t.Fatal("timed out waiting for stream line")
			}
		}
	}

	waitLine(func(line string) bool { return line == "event: notifications" })

	env.notify.Emit(context.Background(), client.ID, "Ada", "room-1", admin.ID)
	waitLine(func(line string) bool {
		return strings.HasPrefix(line, "data: ") && strings.Contains(line, "New message from Ada")
	})
	waitLine(func(line string) bool { return strings.HasPrefix(line, ": keep-alive") })
}

func TestNotificationErrorsMapToStatus(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(t, &client, http.MethodPatch, "/api/v2/notifications/999/read", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	body := decodeEnvelope[interface{}](t, resp)
	require.Equal(t, service.ErrNotificationNotFound.Error(), body.Message)
}
