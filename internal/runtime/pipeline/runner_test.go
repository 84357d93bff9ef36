package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/hooks"
	"github.com/drblury/indexflow/internal/runtime/notify"
)

const testTopic = "indexflow.test"

func startRunner(t *testing.T, h *harness, opts RunnerOptions) (*gochannel.GoChannel, *Runner) {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	opts.Topic = testTopic
	r, err := NewRunner(h.pipeline, h.dispatcher, pubSub, nil, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, r.Close())
		<-done
		_ = pubSub.Close()
	})

	select {
	case <-r.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}
	return pubSub, r
}

func publish(t *testing.T, pub message.Publisher, n notify.Notification) {
	t.Helper()
	msg, err := notify.NewMessage(n, nil)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(testTopic, msg))
}

func TestRunnerIndexesPublishedNotifications(t *testing.T) {
	h := newHarness(t)
	h.source.Put(post("s1", "m1", ""))
	pubSub, _ := startRunner(t, h, RunnerOptions{Registerer: prometheus.NewRegistry(), MetricsSubsystem: "channel"})

	publish(t, pubSub, notify.Notification{StreamID: "s1"})

	require.Eventually(t, func() bool {
		return len(h.stores["default"].calls()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunnerAcknowledgesFailures(t *testing.T) {
	h := newHarness(t)
	pubSub, _ := startRunner(t, h, RunnerOptions{})

	publish(t, pubSub, notify.Notification{StreamID: "missing"})
	bad := message.NewMessage(watermill.NewUUID(), []byte("{not json"))
	require.NoError(t, pubSub.Publish(testTopic, bad))

	require.Eventually(t, func() bool {
		return h.pipeline.Stats().Snapshot().Failed == 2
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	snap := h.pipeline.Stats().Snapshot()
	assert.Equal(t, uint64(2), snap.Failed)
	assert.Equal(t, uint64(1), snap.Errors.Load)
}

func TestRunnerStartsGenerateHandlers(t *testing.T) {
	h := newHarness(t)
	started := make(chan string, 2)
	require.NoError(t, h.dispatcher.Bind(hooks.Binding{
		Hook: hooks.Generate, PluginID: "ticker", PluginUUID: "g1", Scope: hooks.Scope{Slot: "tenant-a"},
		Handler: func(_ context.Context, ev hooks.Event) (any, error) {
			started <- ev.Slot
			return nil, nil
		},
	}))

	startRunner(t, h, RunnerOptions{Slots: func() []string { return []string{"default", "tenant-a"} }})

	select {
	case slot := <-started:
		assert.Equal(t, "tenant-a", slot)
	case <-time.After(5 * time.Second):
		t.Fatal("generate handler did not run")
	}
}

func TestRunnerJobHooksSeeFailures(t *testing.T) {
	h := newHarness(t)
	failures := make(chan error, 1)
	pubSub, _ := startRunner(t, h, RunnerOptions{Hooks: JobHooks{
		OnJobError: func(_ JobContext, err error) { failures <- err },
	}})

	publish(t, pubSub, notify.Notification{StreamID: "s1", Slot: "tenant-z"})

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, errspkg.ErrUnknownSlot)
	case <-time.After(5 * time.Second):
		t.Fatal("job hook not called")
	}
}

func TestNewRunnerRequiresTopic(t *testing.T) {
	h := newHarness(t)
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()
	_, err := NewRunner(h.pipeline, h.dispatcher, pubSub, nil, RunnerOptions{})
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestJobHooksMergeCallsBoth(t *testing.T) {
	var calls []string
	merged := JobHooks{OnJobDone: func(JobContext) { calls = append(calls, "a") }}.
		Merge(JobHooks{OnJobDone: func(JobContext) { calls = append(calls, "b") }, OnJobStart: func(JobContext) { calls = append(calls, "start") }})

	merged.OnJobStart(JobContext{})
	merged.OnJobDone(JobContext{})
	assert.Equal(t, []string{"start", "a", "b"}, calls)
	assert.Nil(t, merged.OnJobError)
}

func TestRunnerRegenerate(t *testing.T) {
	h := newHarness(t)
	idle, err := NewRunner(h.pipeline, h.dispatcher, gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{}), nil, RunnerOptions{Topic: testTopic})
	require.NoError(t, err)
	assert.False(t, idle.Regenerate())

	_, r := startRunner(t, h, RunnerOptions{})
	started := make(chan string, 1)
	require.NoError(t, h.dispatcher.Bind(hooks.Binding{
		Hook: hooks.Generate, PluginID: "ticker", PluginUUID: "g2",
		Handler: func(_ context.Context, ev hooks.Event) (any, error) {
			started <- ev.Slot
			return nil, nil
		},
	}))

	assert.True(t, r.Regenerate())
	select {
	case slot := <-started:
		assert.Equal(t, "default", slot)
	case <-time.After(5 * time.Second):
		t.Fatal("generate handler did not run after regenerate")
	}
}
