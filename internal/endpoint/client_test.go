package endpoint

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"RunEngine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteJob_SendsHeadersAndReturnsResponse(t *testing.T) {
	var gotAction, gotKey, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get(HeaderAction)
		gotKey = r.Header.Get(HeaderAPIKey)
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set(HeaderVersion, "2023-09-29")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"SUCCESS"}`))
	}))
	defer srv.Close()

	c := NewClient(time.Minute)
	res, err := c.ExecuteJob(context.Background(),
		domain.Endpoint{URL: srv.URL, Slug: "ep"},
		domain.Environment{APIKey: "tr_dev_123", Type: domain.EnvironmentProduction},
		map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "2023-09-29", res.Header.Get(HeaderVersion))
	assert.JSONEq(t, `{"status":"SUCCESS"}`, string(res.Body))
	assert.Equal(t, ActionExecuteJob, gotAction)
	assert.Equal(t, "tr_dev_123", gotKey)
	assert.JSONEq(t, `{"hello":"world"}`, gotBody)
}

func TestExecuteJob_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(time.Minute).ExecuteJob(context.Background(), domain.Endpoint{URL: url}, domain.Environment{}, nil)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestExecuteJob_DevelopmentTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(50 * time.Millisecond)
	_, err := c.ExecuteJob(context.Background(), domain.Endpoint{URL: srv.URL}, domain.Environment{Type: domain.EnvironmentDevelopment}, nil)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestDeliverRunNotification_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewClient(0).DeliverRunNotification(context.Background(), domain.Endpoint{URL: srv.URL}, domain.Environment{}, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
