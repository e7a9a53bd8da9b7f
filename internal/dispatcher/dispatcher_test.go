package dispatcher

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicegateway/internal/model"
	"devicegateway/internal/transport"
)

func newTestDispatcher() *Dispatcher {
	return &Dispatcher{
		pendingUploads: make(map[string]map[string]struct{}),
		failedContent:  make(map[string]struct{}),
	}
}

func dataMsg(t *testing.T, clientID, uri string) *model.Message {
	t.Helper()
	msg, err := model.NewMessage("urn:device:1", "server", "", model.PriorityMedium, model.ReliabilityBestEffort,
		time.Now(), model.TypeData, model.Payload{Format: "urn:format:test", URI: uri})
	require.NoError(t, err)
	msg.ClientID = clientID
	return msg
}

func TestSplitPendingStopsAtFirstGatedMessage(t *testing.T) {
	d := newTestDispatcher()
	d.trackUploadDependency(dataMsg(t, "gated", "urn:storage:1"))

	free := dataMsg(t, "free-before", "")
	gated := dataMsg(t, "gated", "urn:storage:1")
	blockedBehind := dataMsg(t, "free-after", "")

	sendable, blocked, errored, _ := d.splitPending([]*model.Message{free, gated, blockedBehind})
	assert.Equal(t, []*model.Message{free}, sendable)
	assert.Equal(t, []*model.Message{gated, blockedBehind}, blocked)
	assert.Empty(t, errored)
}

func TestSplitPendingRoutesFailedUploadsToErrored(t *testing.T) {
	d := newTestDispatcher()
	d.trackUploadDependency(dataMsg(t, "failed", "urn:storage:2"))
	d.NotifyUploadComplete("urn:storage:2", errors.New("upload failed"))

	failed := dataMsg(t, "failed", "urn:storage:2")
	sendable, blocked, errored, _ := d.splitPending([]*model.Message{failed})
	assert.Empty(t, sendable)
	assert.Empty(t, blocked)
	require.Len(t, errored, 1)
	assert.Equal(t, "failed", errored[0].ClientID)
}

func TestSplitPendingReleasesWaitersOnUploadSuccess(t *testing.T) {
	d := newTestDispatcher()
	d.trackUploadDependency(dataMsg(t, "released", "urn:storage:3"))
	d.NotifyUploadComplete("urn:storage:3", nil)

	released := dataMsg(t, "released", "urn:storage:3")
	sendable, blocked, errored, _ := d.splitPending([]*model.Message{released})
	assert.Equal(t, []*model.Message{released}, sendable)
	assert.Empty(t, blocked)
	assert.Empty(t, errored)
}

func TestSplitPendingDetectsPresentAlert(t *testing.T) {
	d := newTestDispatcher()
	alert, err := model.NewMessage("urn:device:1", "server", "", model.PriorityHighest, model.ReliabilityBestEffort,
		time.Now(), model.TypeAlert, model.Payload{Format: "urn:format:test", Severity: model.SeverityCritical})
	require.NoError(t, err)

	_, _, _, newAlert := d.splitPending([]*model.Message{alert})
	assert.True(t, newAlert)
}

func TestClassifySendErrorMapsStatusesToBuckets(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		want   sendClassification
	}{
		{"network failure", errors.New("dial tcp: timeout"), 0, classifyNetworkError},
		{"service unavailable", nil, http.StatusServiceUnavailable, classifyRateLimited},
		{"unauthorized", nil, http.StatusUnauthorized, classifyCredential},
		{"forbidden", nil, http.StatusForbidden, classifyCredential},
		{"server error", nil, http.StatusInternalServerError, classifyNetworkError},
		{"bad request", nil, http.StatusBadRequest, classifyProtocolError},
		{"ok", nil, http.StatusOK, classifySuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp *transport.Response
			if tc.err == nil {
				resp = &transport.Response{Status: tc.status}
			}
			assert.Equal(t, tc.want, classifySendError(tc.err, resp))
		})
	}
}

func TestShrinkChunkSizeAndFibonacciAgreeOnTermOne(t *testing.T) {
	// attempt 1 should never shrink below the configured base: the
	// first retry still risks the full chunk.
	assert.Equal(t, 1000, shrinkChunkSize(1000, 1))
}
