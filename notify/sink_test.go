package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/signature"
)

func notification(version int64) *notify.Notification {
	return &notify.Notification{
		ID:                  id.NewNotificationID(),
		CustomerID:          "cus_1",
		Sink:                "test",
		Lineage:             "evt_c",
		SubscriptionVersion: version,
		Set:                 set(version),
		Status:              notify.StatusPending,
	}
}

func TestHTTPSinkSignsPayload(t *testing.T) {
	var (
		body   []byte
		header http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		header = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := notify.NewHTTPSink("flags", srv.URL, "shared")
	n := notification(4)
	require.NoError(t, sink.Deliver(context.Background(), n))

	assert.Equal(t, "4", header.Get("X-Entitle-Version"))
	assert.Equal(t, n.ID.String(), header.Get("X-Entitle-Notification"))
	require.NoError(t, signature.Verify(header.Get("X-Entitle-Signature"), body, "shared", time.Minute, time.Now()))

	var decoded notify.Notification
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, int64(4), decoded.SubscriptionVersion)
	assert.Equal(t, "cus_1", decoded.Set.CustomerID)
}

func TestHTTPSinkStatusClassification(t *testing.T) {
	tests := []struct {
		code      int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusAccepted, false, false},
		{http.StatusBadRequest, true, true},
		{http.StatusGone, true, true},
		{http.StatusTooManyRequests, true, false},
		{http.StatusRequestTimeout, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusBadGateway, true, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			err := notify.NewHTTPSink("flags", srv.URL, "").Deliver(context.Background(), notification(1))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, notify.IsPermanent(err))
		})
	}
}

func TestHTTPSinkConnectionErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := notify.NewHTTPSink("flags", url, "").Deliver(context.Background(), notification(1))
	require.Error(t, err)
	assert.False(t, notify.IsPermanent(err))
}

func TestRedisSink(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "entitle:changes")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	sink := notify.NewRedisSink("hub", client, "entitle:queue", "entitle:changes")
	assert.Equal(t, "hub", sink.Name())
	require.NoError(t, sink.Deliver(ctx, notification(7)))

	items, err := mr.List("entitle:queue")
	require.NoError(t, err)
	require.Len(t, items, 1)

	var decoded notify.Notification
	require.NoError(t, json.Unmarshal([]byte(items[0]), &decoded))
	assert.Equal(t, int64(7), decoded.SubscriptionVersion)

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, items[0], msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestRedisSinkDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err = notify.NewRedisSink("hub", client, "", "").Deliver(context.Background(), notification(1))
	require.Error(t, err)
	assert.False(t, notify.IsPermanent(err))
}

func TestRetryPolicyDelay(t *testing.T) {
	p := notify.DefaultRetryPolicy()
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 64 * time.Second, 128 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 5*time.Minute, p.Delay(20))

	failure := errors.New("x")
	assert.True(t, p.ShouldRetry(7, failure))
	assert.False(t, p.ShouldRetry(8, failure))
	assert.False(t, p.ShouldRetry(1, nil))
	assert.False(t, p.ShouldRetry(1, notify.Permanent(failure)))
	assert.Nil(t, notify.Permanent(nil))
}
