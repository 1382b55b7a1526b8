package library

import (
	"testing"

	"pmpsync/model"

	"github.com/stretchr/testify/assert"
)

func TestReconcileCoversSymmetricDifference(t *testing.T) {
	local := map[string]string{
		"same.flac":    "00000001",
		"changed.flac": "00000002",
		"mine.flac":    "00000003",
	}
	remote := map[string]string{
		"same.flac":    "00000001",
		"changed.flac": "0000ffff",
		"theirs.flac":  "00000004",
	}

	plan := Reconcile(local, remote, nil)
	assert.Equal(t, []model.Action{
		{Type: model.ActionReplace, Filename: "changed.flac"},
		{Type: model.ActionAdd, Filename: "theirs.flac"},
	}, plan.Incoming)
	assert.Equal(t, []model.Action{
		{Type: model.ActionAdd, Filename: "mine.flac"},
	}, plan.Outgoing)
}

func TestReconcilePendingRemoveWins(t *testing.T) {
	local := map[string]string{"deleted-here.flac": "1"}
	remote := map[string]string{"deleted-there.flac": "2"}

	pending := NewPending(
		[]*model.QueueEntry{{Queue: model.QueueIncoming, Type: model.ActionRemove, Filename: "deleted-here.flac"}},
		[]*model.QueueEntry{{Queue: model.QueueOutgoing, Type: model.ActionRemove, Filename: "deleted-there.flac"}},
	)
	plan := Reconcile(local, remote, pending)
	assert.True(t, plan.Empty())
}

func TestReconcileSkipsAlreadyQueued(t *testing.T) {
	pending := NewPending([]*model.QueueEntry{
		{Queue: model.QueueOutgoing, Type: model.ActionAdd, Filename: "new.flac"},
		{Queue: model.QueueIncoming, Type: model.ActionAdd, Filename: "down.flac"},
	})
	plan := Reconcile(
		map[string]string{"new.flac": "1"},
		map[string]string{"down.flac": "2"},
		pending,
	)
	assert.True(t, plan.Empty())
}

func TestReconcileIdenticalSetsIsEmpty(t *testing.T) {
	set := map[string]string{"a": "1", "b": "2"}
	assert.True(t, Reconcile(set, set, nil).Empty())
}
