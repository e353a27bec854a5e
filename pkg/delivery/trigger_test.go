package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qualifying() *models.DeliveryManifest {
	return &models.DeliveryManifest{
		RunID: "run-1",
		Entries: []models.ManifestEntry{
			{Job: "web-build", Status: models.TaskSucceeded, TriggersDelivery: true},
		},
	}
}

func TestTriggerFiresOncePerBranch(t *testing.T) {
	var calls int32
	var got dispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr, err := New(Config{Endpoint: srv.URL, Workflow: "deliver.yml", Token: "secret", BranchPolicy: "main"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var fired int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Trigger(context.Background(), qualifying(), "main", "abc123"); err == nil {
				atomic.AddInt32(&fired, 1)
			} else {
				assert.ErrorIs(t, err, models.ErrAlreadyTriggered)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "main", got.Ref)
	assert.Equal(t, "deliver.yml", got.Workflow)
	assert.Equal(t, "abc123", got.Inputs["commit"])
	assert.Equal(t, "run-1", got.Inputs["run_id"])
}

func TestTriggerEligibility(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	tr, err := New(Config{Endpoint: srv.URL, Workflow: "deliver.yml", BranchPolicy: "main, release/*"})
	require.NoError(t, err)

	_, err = tr.Trigger(context.Background(), &models.DeliveryManifest{}, "main", "abc")
	assert.ErrorIs(t, err, ErrNotEligible)

	noFlag := qualifying()
	noFlag.Entries[0].TriggersDelivery = false
	_, err = tr.Trigger(context.Background(), noFlag, "main", "abc")
	assert.ErrorIs(t, err, ErrNotEligible)

	_, err = tr.Trigger(context.Background(), qualifying(), "feature/x", "abc")
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	ack, err := tr.Trigger(context.Background(), qualifying(), "release/1.2", "abc")
	require.NoError(t, err)
	assert.Equal(t, "release/1.2", ack.Branch)
	assert.Equal(t, http.StatusOK, ack.StatusCode)
}

func TestTriggerUnreachableReleasesGuard(t *testing.T) {
	var fail int32 = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr, err := New(Config{Endpoint: srv.URL, Workflow: "deliver.yml", BranchPolicy: "main"})
	require.NoError(t, err)

	_, err = tr.Trigger(context.Background(), qualifying(), "main", "abc")
	assert.ErrorIs(t, err, models.ErrDeliveryUnreachable)

	atomic.StoreInt32(&fail, 0)
	_, err = tr.Trigger(context.Background(), qualifying(), "main", "abc")
	require.NoError(t, err)

	_, err = tr.Trigger(context.Background(), qualifying(), "main", "abc")
	assert.ErrorIs(t, err, models.ErrAlreadyTriggered)
}

func TestTriggerConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr, err := New(Config{Endpoint: url, Workflow: "deliver.yml", BranchPolicy: "*"})
	require.NoError(t, err)
	_, err = tr.Trigger(context.Background(), qualifying(), "main", "abc")
	assert.ErrorIs(t, err, models.ErrDeliveryUnreachable)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Workflow: "x"})
	assert.Error(t, err)
	_, err = New(Config{Endpoint: "http://x"})
	assert.Error(t, err)
}
