// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/streamsentry/streamsentry/internal/logging"
)

const taskTopic = "backfill.tasks"

// ChannelRunner executes tasks over an in-process Watermill pub/sub bus.
// One consumer goroutine drains the task topic, so tasks for the same
// server run sequentially. The active-task set is marked at schedule time
// and cleared when the handler finishes, which is what IsTaskActive
// reports.
type ChannelRunner struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	worker *Worker

	mu     sync.Mutex
	active map[string]bool
	closed bool
}

// NewChannelRunner builds a runner that hands tasks to worker.
func NewChannelRunner(worker *Worker) (*ChannelRunner, error) {
	logger := logging.NewWatermillLogger()
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, logger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 30 * time.Second}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating task router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	r := &ChannelRunner{
		pubsub: pubsub,
		router: router,
		worker: worker,
		active: map[string]bool{},
	}
	router.AddConsumerHandler("backfill_worker", taskTopic, pubsub, r.handle)
	return r, nil
}

// Serve runs the task consumer until the context is cancelled. Implements
// suture.Service.
func (r *ChannelRunner) Serve(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Schedule implements TaskRunner. The task is marked active before
// publishing so a duplicate trigger arriving right after acceptance is
// already visible to IsTaskActive.
func (r *ChannelRunner) Schedule(ctx context.Context, task Task) error {
	key := taskKey(task.Kind, task.ServerID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerUnavailable
	}
	r.active[key] = true
	r.mu.Unlock()

	payload, err := json.Marshal(task)
	if err != nil {
		r.clearActive(key)
		return fmt.Errorf("encoding task: %w", err)
	}

	// The message deliberately does not carry the trigger's context: the
	// task must outlive the HTTP request that scheduled it.
	msg := message.NewMessage(task.ID, payload)
	if err := r.pubsub.Publish(taskTopic, msg); err != nil {
		r.clearActive(key)
		return fmt.Errorf("%w: %v", ErrRunnerUnavailable, err)
	}

	logging.Ctx(ctx).Info().
		Str("task_id", task.ID).
		Str("kind", string(task.Kind)).
		Str("server_id", task.ServerID).
		Msg("Task scheduled")
	return nil
}

// IsTaskActive implements TaskRunner.
func (r *ChannelRunner) IsTaskActive(kind TaskKind, serverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[taskKey(kind, serverID)]
}

// Close stops accepting tasks and shuts the bus down.
func (r *ChannelRunner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	if err := r.router.Close(); err != nil {
		return err
	}
	return r.pubsub.Close()
}

// handle consumes one task message. Worker failures are logged, not
// retried: tasks are operator-triggered and re-triggering is cheap.
func (r *ChannelRunner) handle(msg *message.Message) error {
	var task Task
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		logging.Error().Err(err).Str("message_id", msg.UUID).Msg("Undecodable task message dropped")
		return nil
	}
	defer r.clearActive(taskKey(task.Kind, task.ServerID))

	ctx := msg.Context()
	if err := r.worker.Run(ctx, task); err != nil {
		logging.Ctx(ctx).Error().Err(err).
			Str("task_id", task.ID).
			Str("kind", string(task.Kind)).
			Str("server_id", task.ServerID).
			Msg("Task failed")
	}
	return nil
}

func (r *ChannelRunner) clearActive(key string) {
	r.mu.Lock()
	delete(r.active, key)
	r.mu.Unlock()
}

func taskKey(kind TaskKind, serverID string) string {
	return string(kind) + "|" + serverID
}
