package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jimyag/assistd/pkg/provisioner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_CreateInstance(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name          string
		status        int
		response      string
		wantID        string
		wantTransient bool
		wantTerminal  bool
	}{
		{
			name:     "accepted",
			status:   http.StatusAccepted,
			response: `{"droplet":{"id":3164444,"name":"srv-1","status":"new"}}`,
			wantID:   "3164444",
		},
		{
			name:         "quota exceeded",
			status:       http.StatusUnprocessableEntity,
			response:     `{"id":"unprocessable_entity","message":"droplet limit exceeded"}`,
			wantTerminal: true,
		},
		{
			name:          "server error",
			status:        http.StatusServiceUnavailable,
			response:      `{"message":"try again"}`,
			wantTransient: true,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var got createDropletRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/v2/droplets", r.URL.Path)
				assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.response))
			}))
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL, Token: "token-1", Tags: []string{"assistd"}})
			h, err := c.CreateInstance(context.Background(), &provisioner.InstanceSpec{
				Name:     "srv-1",
				Size:     "s-1vcpu-2gb",
				Region:   "fra1",
				Image:    "ubuntu-24-04-x64",
				UserData: "#cloud-config\n",
			})

			assert.Equal(t, "srv-1", got.Name)
			assert.Equal(t, []string{"assistd"}, got.Tags)
			if tc.wantID != "" {
				require.NoError(t, err)
				assert.Equal(t, tc.wantID, h.ID)
				assert.Equal(t, provisioner.BackendCloud, h.Backend)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.wantTransient, provisioner.IsTransient(err))
			assert.Equal(t, tc.wantTerminal, provisioner.IsTerminal(err))
		})
	}
}

func TestClient_GetStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/droplets/1":
			_, _ = w.Write([]byte(`{"droplet":{"id":1,"status":"active","networks":{"v4":[
				{"ip_address":"10.10.0.5","type":"private"},
				{"ip_address":"203.0.113.7","type":"public"}]}}}`))
		case "/v2/droplets/2":
			_, _ = w.Write([]byte(`{"droplet":{"id":2,"status":"new"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "t", RateLimit: 100})
	ctx := context.Background()

	info, err := c.GetStatus(ctx, &provisioner.Handle{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, provisioner.StatusActive, info.Status)
	assert.Equal(t, "203.0.113.7", info.Address)

	info, err = c.GetStatus(ctx, &provisioner.Handle{ID: "2"})
	require.NoError(t, err)
	assert.Equal(t, provisioner.StatusCreating, info.Status)
	assert.Empty(t, info.Address)

	_, err = c.GetStatus(ctx, &provisioner.Handle{ID: "3"})
	assert.ErrorIs(t, err, provisioner.ErrNotFound)
}

func TestClient_DeleteInstance(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "t"})
	h := &provisioner.Handle{ID: "42"}
	require.NoError(t, c.DeleteInstance(context.Background(), h))
	require.NoError(t, c.DeleteInstance(context.Background(), h))
	assert.Equal(t, 2, calls)
}

func TestClient_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{BaseURL: url, Token: "t"})
	_, err := c.GetStatus(context.Background(), &provisioner.Handle{ID: "1"})
	require.Error(t, err)
	assert.True(t, provisioner.IsTransient(err))
}

func TestMapStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, provisioner.StatusCreating, mapStatus("new"))
	assert.Equal(t, provisioner.StatusStopped, mapStatus("off"))
	assert.Equal(t, provisioner.StatusError, mapStatus("archive"))
	assert.Equal(t, provisioner.StatusUnknown, mapStatus("weird"))
}

func TestClient_FindInstance(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name     string
		response string
		wantID   string
		wantErr  error
	}{
		{
			name:     "single match",
			response: `{"droplets":[{"id":42,"name":"srv-1","status":"new"}]}`,
			wantID:   "42",
		},
		{
			name:     "oldest of duplicates",
			response: `{"droplets":[{"id":51,"name":"srv-1"},{"id":50,"name":"srv-1"}]}`,
			wantID:   "50",
		},
		{
			name:     "none",
			response: `{"droplets":[]}`,
			wantErr:  provisioner.ErrNotFound,
		},
		{
			name:     "prefix only",
			response: `{"droplets":[{"id":7,"name":"srv-10"}]}`,
			wantErr:  provisioner.ErrNotFound,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/v2/droplets", r.URL.Path)
				assert.Equal(t, "srv-1", r.URL.Query().Get("name"))
				_, _ = w.Write([]byte(tc.response))
			}))
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL, Token: "token-1"})
			h, err := c.FindInstance(context.Background(), &provisioner.InstanceSpec{Name: "srv-1"})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantID, h.ID)
			assert.Equal(t, provisioner.BackendCloud, h.Backend)
		})
	}
}
