package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelivererSend_EmptyTargets(t *testing.T) {
	client := &fakePushClient{result: &MulticastResult{SuccessCount: 1}}
	d := NewDeliverer(client)

	out := d.Send(context.Background(), &ClaimedJob{}, nil)

	assert.Equal(t, NoTargets, out.Kind)
	assert.Equal(t, 0, client.callCount())
}

func TestDelivererSend_BuildsDataPayload(t *testing.T) {
	client := &fakePushClient{result: &MulticastResult{SuccessCount: 1}}
	d := NewDeliverer(client)

	job := &ClaimedJob{
		Job:      Job{ID: "j-1", NotificationID: "n-1"},
		Title:    "New follower",
		Body:     "alice started following you",
		Metadata: map[string]string{"type": "social", "actor": "alice"},
	}

	out := d.Send(context.Background(), job, []string{"tok-a"})
	assert.Equal(t, AllDelivered, out.Kind)

	require.Equal(t, 1, client.callCount())
	msg := client.calls[0]
	assert.Equal(t, "New follower", msg.Title)
	assert.Equal(t, "alice started following you", msg.Body)
	assert.Equal(t, "n-1", msg.Data["notificationId"])
	assert.Equal(t, "social", msg.Data["type"], "metadata type must not be overwritten")
	assert.Equal(t, "alice", msg.Data["actor"])
}

func TestDelivererSend_DefaultType(t *testing.T) {
	client := &fakePushClient{result: &MulticastResult{SuccessCount: 1}}
	d := NewDeliverer(client)

	d.Send(context.Background(), &ClaimedJob{Job: Job{NotificationID: "n-1"}}, []string{"tok-a"})

	require.Equal(t, 1, client.callCount())
	assert.Equal(t, "general", client.calls[0].Data["type"])
}

func TestDelivererSend_TransportError(t *testing.T) {
	client := &fakePushClient{err: errors.New("dial tcp: timeout")}
	d := NewDeliverer(client)

	out := d.Send(context.Background(), &ClaimedJob{}, []string{"tok-a"})

	assert.Equal(t, TransportError, out.Kind)
	assert.Equal(t, "dial tcp: timeout", out.Reason())
}

func TestDelivererSend_PartialFailure(t *testing.T) {
	client := &fakePushClient{result: &MulticastResult{
		SuccessCount: 1,
		FailureCount: 1,
		Errors:       []TargetError{{Token: "tok-b", Reason: "NotRegistered"}},
	}}
	d := NewDeliverer(client)

	out := d.Send(context.Background(), &ClaimedJob{}, []string{"tok-a", "tok-b"})

	assert.Equal(t, PartialFailure, out.Kind)
	require.Len(t, out.TargetErrors, 1)
	assert.Equal(t, "tok-b", out.TargetErrors[0].Token)
}
