package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campuskit/approval-api/internal/models"
	appErrors "github.com/campuskit/approval-api/pkg/errors"
)

type cacheRepoStub struct {
	data map[string][]byte
}

func newCacheRepoStub() *cacheRepoStub {
	return &cacheRepoStub{data: map[string][]byte{}}
}

func (c *cacheRepoStub) put(t *testing.T, key string, value interface{}) {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	c.data[key] = raw
}

func (c *cacheRepoStub) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := c.data[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *cacheRepoStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.data[key] = raw
	return nil
}

func (c *cacheRepoStub) Delete(ctx context.Context, key string) error {
	delete(c.data, key)
	return nil
}

func (c *cacheRepoStub) DeleteByPattern(ctx context.Context, pattern string) error {
	c.data = map[string][]byte{}
	return nil
}

func enrichableRequest() *models.ApprovalRequest {
	return &models.ApprovalRequest{
		ID:             "req-1",
		RequesterID:    "user-1",
		ApprovalFlowID: "flow-1",
		Status:         models.StatusPending,
		Metadata: models.Metadata{
			models.MetaResourceID: "room-101",
			models.MetaUserName:   "Metadata Name",
		},
	}
}

func TestEnrichResolvesDirectoryRecords(t *testing.T) {
	flows := newFlowRepoStub()
	flow := twoStepFlow()
	require.NoError(t, flows.Create(context.Background(), flow))

	cacheRepo := newCacheRepoStub()
	cacheRepo.put(t, "directory:user:user-1", directoryRecord{Name: "Alice Smith", Email: "alice@campus.edu"})
	cacheRepo.put(t, "directory:resource:room-101", directoryRecord{Name: "Lecture Hall A"})
	cacheSvc := NewCacheService(cacheRepo, nil, time.Minute, nil, true)

	request := enrichableRequest()
	request.ApprovalFlowID = flow.ID
	svc := NewEnrichmentService(flows, cacheSvc, nil)

	enriched := svc.EnrichApprovalRequest(context.Background(), request)
	require.Equal(t, "Alice Smith", enriched.RequesterName)
	require.Equal(t, "alice@campus.edu", enriched.RequesterEmail)
	require.Equal(t, "Lecture Hall A", enriched.ResourceName)
	require.Equal(t, flow.Name, enriched.FlowName)
	require.Equal(t, "Department Review", enriched.CurrentStep)
}

func TestEnrichFallsBackToMetadataThenRawIDs(t *testing.T) {
	cacheSvc := NewCacheService(newCacheRepoStub(), nil, time.Minute, nil, true)
	svc := NewEnrichmentService(newFlowRepoStub(), cacheSvc, nil)

	request := enrichableRequest()
	enriched := svc.EnrichApprovalRequest(context.Background(), request)
	require.Equal(t, "Metadata Name", enriched.RequesterName)
	require.Equal(t, "room-101", enriched.ResourceName)
	require.Empty(t, enriched.FlowName)

	request.Metadata = models.Metadata{models.MetaResourceID: "room-101"}
	enriched = svc.EnrichApprovalRequest(context.Background(), request)
	require.Equal(t, "user-1", enriched.RequesterName)
}

func TestEnrichNeverFailsWithoutCache(t *testing.T) {
	svc := NewEnrichmentService(nil, nil, nil)

	enriched := svc.EnrichApprovalRequest(context.Background(), enrichableRequest())
	require.NotNil(t, enriched)
	require.Equal(t, "Metadata Name", enriched.RequesterName)

	// Completed requests do not report a current step.
	request := enrichableRequest()
	done := request.Complete()
	enriched = svc.EnrichApprovalRequest(context.Background(), &done)
	require.Empty(t, enriched.CurrentStep)
}
