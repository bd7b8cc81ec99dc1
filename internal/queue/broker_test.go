package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

func TestRabbitMQ_QueueNames(t *testing.T) {
	if got := delayQueueName(bus.QueueInputs, 3*time.Second); got != "conversation_inputs.delay.3000" {
		t.Errorf("delayQueueName = %q", got)
	}
	if got := finalQueueName(bus.QueueOutputs); got != "conversation_outputs.final" {
		t.Errorf("finalQueueName = %q", got)
	}
}

func TestRabbitMQ_DelayQueueArgs(t *testing.T) {
	args := delayQueueArgs(bus.QueueInputs, 3*time.Second)
	want := amqp.Table{
		"x-message-ttl":             int64(3000),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": "conversation_inputs",
		"x-expires":                 int64(63000),
	}
	for k, v := range want {
		if args[k] != v {
			t.Errorf("args[%s] = %v (%T), want %v (%T)", k, args[k], args[k], v, v)
		}
	}
	if err := args.Validate(); err != nil {
		t.Errorf("args not encodable as an AMQP table: %v", err)
	}
}

func TestRabbitMQ_AttemptOf(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"int64", amqp.Table{attemptHeader: int64(2)}, 2},
		{"int32", amqp.Table{attemptHeader: int32(3)}, 3},
		{"int", amqp.Table{attemptHeader: 4}, 4},
		{"missing", nil, 0},
		{"wrong type", amqp.Table{attemptHeader: "5"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := attemptOf(amqp.Delivery{Headers: tt.headers}); got != tt.want {
				t.Errorf("attemptOf(%v) = %d, want %d", tt.headers, got, tt.want)
			}
		})
	}
}

func TestJitteredDelay_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitteredDelay(time.Second, 30*time.Second, 25)
		if d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Fatalf("jitteredDelay = %v, want within 25%% of 1s", d)
		}
	}
	if d := jitteredDelay(time.Minute, 30*time.Second, 25); d != 30*time.Second {
		t.Errorf("capped delay = %v, want 30s", d)
	}
}

func TestAsynq_TaskOptions(t *testing.T) {
	types := func(opts []asynq.Option) map[asynq.OptionType]any {
		out := make(map[asynq.OptionType]any, len(opts))
		for _, o := range opts {
			out[o.Type()] = o.Value()
		}
		return out
	}

	plain := types(taskOptions(bus.QueueOutputs, 0, 0))
	if plain[asynq.QueueOpt] != "conversation_outputs" {
		t.Errorf("queue option = %v, want conversation_outputs", plain[asynq.QueueOpt])
	}
	if _, ok := plain[asynq.ProcessInOpt]; ok {
		t.Error("ProcessIn set without a delay")
	}
	if _, ok := plain[asynq.MaxRetryOpt]; ok {
		t.Error("MaxRetry set with unlimited attempts")
	}

	delayed := types(taskOptions(bus.QueueInputs, 3*time.Second, 5))
	if delayed[asynq.ProcessInOpt] != 3*time.Second {
		t.Errorf("ProcessIn = %v, want 3s", delayed[asynq.ProcessInOpt])
	}
	if delayed[asynq.MaxRetryOpt] != 4 {
		t.Errorf("MaxRetry = %v, want 4 (attempts - 1)", delayed[asynq.MaxRetryOpt])
	}
}

func TestAsynq_TaskHandlerSettlement(t *testing.T) {
	transient := errors.New("agent down")
	tests := []struct {
		name      string
		body      string
		handler   func(context.Context, bus.ConversationEvent) error
		wantErr   error
		skipRetry bool
	}{
		{"success", `{"id":"e1"}`, func(context.Context, bus.ConversationEvent) error { return nil }, nil, false},
		{"transient retried", `{"id":"e1"}`, func(context.Context, bus.ConversationEvent) error { return transient }, transient, false},
		{"undecodable skips retry", `garbage`, func(context.Context, bus.ConversationEvent) error { return nil }, asynq.SkipRetry, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := taskHandler(bus.QueueInputs, JSONHandler(tt.handler))
			err := h(context.Background(), asynq.NewTask(string(bus.QueueInputs), []byte(tt.body)))
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("err = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if got := errors.Is(err, asynq.SkipRetry); got != tt.skipRetry {
				t.Errorf("SkipRetry = %v, want %v", got, tt.skipRetry)
			}
		})
	}
}
