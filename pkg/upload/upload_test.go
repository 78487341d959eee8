package upload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/wqm/pkg/config"
	"github.com/itohio/wqm/pkg/sensor"
)

func TestSend(t *testing.T) {
	var (
		got         map[string]any
		contentType string
		method      string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(config.UploadConfig{URL: srv.URL, UID: "AER2023AQ0015"}, false)
	require.True(t, c.Enabled())

	r := sensor.Reading{Temperature: 27.456, PH: 7.013, TDS: 706.04, Ammonia: 0.15349, Timestamp: "2024-06-01 10:00:00"}
	require.NoError(t, c.SendReading(context.Background(), r))

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "AER2023AQ0015", got["uid"])
	assert.Equal(t, 27.46, got["suhu"])
	assert.Equal(t, 7.01, got["ph"])
	assert.Equal(t, 706.0, got["tds"])
	assert.Equal(t, 0.153, got["ammonia"])
	assert.Equal(t, "2024-06-01 10:00:00", got["timestamp"])
}

func TestSend_Status(t *testing.T) {
	tests := []struct {
		name string
		code int
	}{
		{"created is not ok", http.StatusCreated},
		{"bad gateway", http.StatusBadGateway},
		{"not found", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte("nope"))
			}))
			defer srv.Close()

			err := New(config.UploadConfig{URL: srv.URL}, false).Send(context.Background(), sensor.Record{})
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, "nope", se.Body)
		})
	}
}

func TestSend_NotConfigured(t *testing.T) {
	c := New(config.UploadConfig{}, false)
	assert.False(t, c.Enabled())
	assert.ErrorIs(t, c.Send(context.Background(), sensor.Record{}), ErrNotConfigured)
}

func TestSend_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(config.UploadConfig{URL: srv.URL, Timeout: 50 * time.Millisecond}, false)
	start := time.Now()
	err := c.Send(context.Background(), sensor.Record{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
