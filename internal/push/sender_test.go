package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
)

func testJob(t *testing.T, endpoint string) dispatch.Job {
	t.Helper()

	clientKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	return dispatch.Job{
		NotificationID: "notif-1",
		SubscriberID:   "sub-1",
		Target: dispatch.Target{
			Endpoint: endpoint,
			P256dh:   base64.RawURLEncoding.EncodeToString(clientKey.PublicKey().Bytes()),
			Auth:     base64.RawURLEncoding.EncodeToString(auth),
		},
		Payload: dispatch.Payload{Title: "Hello", Body: "World", URL: "https://example.com"},
		Credentials: domain.SigningCredentials{
			PublicKey:  pub,
			PrivateKey: domain.Secret(priv),
			Subject:    "mailto:ops@example.com",
		},
	}
}

func TestWebPushSender_Accepted(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewWebPushSender(Config{TTL: 3600, Urgency: "high"}, srv.Client())
	err := s.Send(context.Background(), testJob(t, srv.URL+"/push/abc"))
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "/push/abc", got.URL.Path)
	assert.Equal(t, "3600", got.Header.Get("TTL"))
	assert.Equal(t, "high", got.Header.Get("Urgency"))
	assert.Equal(t, "aes128gcm", got.Header.Get("Content-Encoding"))
	assert.True(t, strings.HasPrefix(got.Header.Get("Authorization"), "vapid t="))
}

func TestWebPushSender_Gone(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusGone} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		err := NewWebPushSender(Config{}, srv.Client()).Send(context.Background(), testJob(t, srv.URL))
		srv.Close()

		require.Error(t, err)
		assert.True(t, dispatch.IsGone(err), "status %d", code)
	}
}

func TestWebPushSender_RejectedKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	err := NewWebPushSender(Config{}, srv.Client()).Send(context.Background(), testJob(t, srv.URL))
	require.Error(t, err)
	assert.False(t, dispatch.IsGone(err))

	var se *dispatch.SendError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusRequestEntityTooLarge, se.StatusCode)
	assert.Equal(t, "payload too large", se.Message)
}

func TestWebPushSender_BadKeys(t *testing.T) {
	job := testJob(t, "https://push.example.com/x")
	job.Target.P256dh = "not-a-key"

	err := NewWebPushSender(Config{}, http.DefaultClient).Send(context.Background(), job)
	assert.Error(t, err)
}

func TestNewWebPushSender_DefaultsUrgency(t *testing.T) {
	s := NewWebPushSender(Config{Urgency: "urgent"}, nil)
	assert.Equal(t, webpush.UrgencyNormal, s.urgency)
	assert.NotNil(t, s.client)
}
