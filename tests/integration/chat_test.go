//go:build integration

package integration

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatSend(t *testing.T) {
	env := SetupTestEnv(t)

	RegisterUser(t, env, "chat@example.com", "password123")
	token := LoginUser(t, env, "chat@example.com", "password123")

	t.Run("streams and persists", func(t *testing.T) {
		body := map[string]string{"message": "Hello from the integration test"}
		resp := DoRequest(t, env, "POST", "/api/v1/chat/send", body, token)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		stream := string(raw)
		assert.Contains(t, stream, `"type":"message_start"`)
		assert.Contains(t, stream, `"type":"reasoning_delta"`)
		assert.Contains(t, stream, `"type":"content_delta"`)
		assert.Contains(t, stream, `"type":"message_end"`)
		assert.Contains(t, stream, "data: [DONE]")

		// Conversation was created with the message prefix as title
		resp = DoRequest(t, env, "GET", "/api/v1/chat/conversations", nil, token)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		result := ParseResponse(t, resp)
		data := result["data"].(map[string]any)
		items := data["items"].([]any)
		require.Len(t, items, 1)
		conv := items[0].(map[string]any)
		assert.Equal(t, "Hello from the integration test", conv["title"])
		assert.Equal(t, float64(2), conv["messageCount"])

		// Both messages persisted, assistant content carries reasoning
		convID := conv["id"].(string)
		resp = DoRequest(t, env, "GET", "/api/v1/chat/conversations/"+convID, nil, token)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		result = ParseResponse(t, resp)
		data = result["data"].(map[string]any)
		messages := data["messages"].([]any)
		require.Len(t, messages, 2)
		assistant := messages[1].(map[string]any)
		assert.Equal(t, "ASSISTANT", assistant["role"])
		assert.Contains(t, assistant["content"], `"reasoning":"thinking"`)

		// Usage counter incremented
		resp = DoRequest(t, env, "GET", "/api/v1/auth/me", nil, token)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		result = ParseResponse(t, resp)
		usage := result["data"].(map[string]any)["usage"].(map[string]any)
		assert.Equal(t, float64(1), usage["monthlyMessageCount"])
	})

	t.Run("model restricted by tier", func(t *testing.T) {
		body := map[string]string{"message": "give me gpt-4-turbo", "model": "gpt-4-turbo"}
		resp := DoRequest(t, env, "POST", "/api/v1/chat/send", body, token)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		result := ParseResponse(t, resp)
		errObj := result["error"].(map[string]any)
		assert.Equal(t, "BIZ_001", errObj["code"])
	})

	t.Run("empty message rejected", func(t *testing.T) {
		body := map[string]string{"message": ""}
		resp := DoRequest(t, env, "POST", "/api/v1/chat/send", body, token)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestConversationLifecycle(t *testing.T) {
	env := SetupTestEnv(t)

	RegisterUser(t, env, "convs@example.com", "password123")
	token := LoginUser(t, env, "convs@example.com", "password123")

	body := map[string]string{"message": "seed conversation"}
	resp := DoRequest(t, env, "POST", "/api/v1/chat/send", body, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resp = DoRequest(t, env, "GET", "/api/v1/chat/conversations", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := ParseResponse(t, resp)
	items := result["data"].(map[string]any)["items"].([]any)
	require.Len(t, items, 1)
	convID := items[0].(map[string]any)["id"].(string)

	t.Run("update title", func(t *testing.T) {
		body := map[string]string{"title": "Renamed"}
		resp := DoRequest(t, env, "PUT", "/api/v1/chat/conversations/"+convID+"/title", body, token)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = DoRequest(t, env, "GET", "/api/v1/chat/conversations/"+convID, nil, token)
		result := ParseResponse(t, resp)
		conv := result["data"].(map[string]any)["conversation"].(map[string]any)
		assert.Equal(t, "Renamed", conv["title"])
	})

	t.Run("not visible to another user", func(t *testing.T) {
		RegisterUser(t, env, "intruder@example.com", "password123")
		otherToken := LoginUser(t, env, "intruder@example.com", "password123")

		resp := DoRequest(t, env, "GET", "/api/v1/chat/conversations/"+convID, nil, otherToken)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		resp := DoRequest(t, env, "DELETE", "/api/v1/chat/conversations/"+convID, nil, token)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = DoRequest(t, env, "GET", "/api/v1/chat/conversations/"+convID, nil, token)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestMonthlyQuota(t *testing.T) {
	env := SetupTestEnv(t)

	RegisterUser(t, env, "quota@example.com", "password123")
	token := LoginUser(t, env, "quota@example.com", "password123")

	// FREE tier allows 10 messages per month
	for i := 0; i < 10; i++ {
		body := map[string]string{"message": fmt.Sprintf("message %d", i)}
		resp := DoRequest(t, env, "POST", "/api/v1/chat/send", body, token)
		require.Equal(t, http.StatusOK, resp.StatusCode, "message %d should be allowed", i)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	body := map[string]string{"message": "one too many"}
	resp := DoRequest(t, env, "POST", "/api/v1/chat/send", body, token)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	result := ParseResponse(t, resp)
	errObj := result["error"].(map[string]any)
	assert.Equal(t, "BIZ_002", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, float64(10), details["currentUsage"])
	assert.Equal(t, float64(0), details["remaining"])
}
