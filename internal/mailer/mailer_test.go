package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend(t *testing.T) {
	var got struct {
		From    string   `json:"from"`
		To      []string `json:"to"`
		Subject string   `json:"subject"`
		HTML    string   `json:"html"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/emails", r.URL.Path)
		require.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"email_1"}`))
	}))
	defer srv.Close()

	m := New(srv.URL, "key-1", "Nexus OS <no-reply@nexusos.app>")
	err := m.Send(context.Background(), Message{
		To:      "user@example.com",
		Subject: "Olá",
		HTML:    "<p>Oi</p>",
	})
	require.NoError(t, err)

	assert.Equal(t, "Nexus OS <no-reply@nexusos.app>", got.From)
	assert.Equal(t, []string{"user@example.com"}, got.To)
	assert.Equal(t, "Olá", got.Subject)
}

func TestSendProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid recipient"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	m := New(srv.URL, "key-1", "from@example.com")
	err := m.Send(context.Background(), Message{To: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email provider returned")
}

func TestTemplatesCarryTokenLinks(t *testing.T) {
	base := "https://app.example.com"

	msg := ActivationEmail("user@example.com", base, "tok-a")
	assert.Equal(t, "user@example.com", msg.To)
	assert.Contains(t, msg.HTML, base+"/activate?token=tok-a")

	msg = PasswordResetEmail("user@example.com", base, "tok-b")
	assert.Contains(t, msg.HTML, base+"/reset-password?token=tok-b")

	msg = InviteEmail("user@example.com", base, "tok-c", "chefe@example.com")
	assert.Contains(t, msg.HTML, base+"/signup?invite=tok-c")
	assert.Contains(t, msg.HTML, "chefe@example.com")
}
