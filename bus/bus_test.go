package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func echoHandler(calls *atomic.Int32) Handler {
	return HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		if calls != nil {
			calls.Add(1)
		}
		return msg.Payload, nil
	})
}

func TestRegisterAndSend(t *testing.T) {
	b := New(Options{})
	var calls atomic.Int32
	require.NoError(t, b.Register("writer", echoHandler(&calls)))

	result, err := b.Send(context.Background(), NewMessage("test", "writer", MessageTypeInvoke, "hello"))
	require.NoError(t, err)
	require.Equal(t, "hello", result)
	require.Equal(t, int32(1), calls.Load())

	reg, ok := b.Agent("writer")
	require.True(t, ok)
	require.Equal(t, AgentStatusActive, reg.Status)
	require.False(t, reg.RegisteredAt.IsZero())
}

func TestRegisterValidation(t *testing.T) {
	b := New(Options{})
	require.Error(t, b.Register("", echoHandler(nil)))
	require.Error(t, b.Register("writer", nil))
}

func TestRegisterReplacesHandler(t *testing.T) {
	b := New(Options{})
	require.NoError(t, b.Register("writer", HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		return "first", nil
	})))
	require.NoError(t, b.Register("writer", HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		return "second", nil
	})))

	result, err := b.Send(context.Background(), NewMessage("test", "writer", MessageTypeInvoke, nil))
	require.NoError(t, err)
	require.Equal(t, "second", result)
	require.Len(t, b.Agents(), 1)
}

func TestSendUnknownAndInactive(t *testing.T) {
	b := New(Options{})
	var calls atomic.Int32
	require.NoError(t, b.Register("writer", echoHandler(&calls)))

	_, err := b.Send(context.Background(), NewMessage("test", "missing", MessageTypeInvoke, nil))
	require.ErrorIs(t, err, ErrAgentNotFound)
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	require.False(t, regErr.IsRecoverable())

	require.NoError(t, b.SetStatus("writer", AgentStatusDegraded))
	_, err = b.Send(context.Background(), NewMessage("test", "writer", MessageTypeInvoke, nil))
	require.ErrorIs(t, err, ErrAgentNotActive)
	require.Contains(t, err.Error(), "degraded")
	require.Equal(t, int32(0), calls.Load())

	require.Error(t, b.SetStatus("writer", AgentStatusActive))

	// A fresh registration reactivates the agent.
	require.NoError(t, b.Register("writer", echoHandler(&calls)))
	_, err = b.Send(context.Background(), NewMessage("test", "writer", MessageTypeInvoke, nil))
	require.NoError(t, err)
}

func TestUnregister(t *testing.T) {
	b := New(Options{})
	require.NoError(t, b.Register("writer", echoHandler(nil)))
	require.True(t, b.Unregister("writer"))
	require.False(t, b.Unregister("writer"))

	_, err := b.Send(context.Background(), NewMessage("test", "writer", MessageTypeInvoke, nil))
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestSendPropagatesHandlerError(t *testing.T) {
	b := New(Options{})
	require.NoError(t, b.Register("a", HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		return nil, errors.New("boom")
	})))

	_, err := b.Send(context.Background(), NewMessage("test", "a", MessageTypeInvoke, nil))
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")

	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	require.Equal(t, "a", handlerErr.Agent)
}

func TestSendRecoversPanic(t *testing.T) {
	b := New(Options{})
	require.NoError(t, b.Register("a", HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		panic("kaboom")
	})))

	_, err := b.SendAndWait(context.Background(), NewMessage("test", "a", MessageTypeInvoke, nil), time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "kaboom")
	require.Equal(t, 0, b.PendingCount())
}

func TestSendRejectsInvalidMessages(t *testing.T) {
	b := New(Options{})
	_, err := b.Send(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidMessage)

	_, err = b.Send(context.Background(), &Message{Type: MessageTypeInvoke})
	require.ErrorIs(t, err, ErrInvalidMessage)

	_, err = b.Send(context.Background(), &Message{To: "a", Type: "shout"})
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSendAndWaitReturnsResult(t *testing.T) {
	b := New(Options{})
	require.NoError(t, b.Register("a", echoHandler(nil)))

	result, err := b.SendAndWait(context.Background(), NewMessage("test", "a", MessageTypeInvoke, 42), time.Second)
	require.NoError(t, err)
	require.Equal(t, 42, result)
	require.Equal(t, 0, b.PendingCount())
}

func TestSendAndWaitTimeout(t *testing.T) {
	b := New(Options{})
	release := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, b.Register("slow", HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		defer close(finished)
		<-release
		return "late", nil
	})))

	msg := NewMessage("test", "slow", MessageTypeInvoke, nil)
	start := time.Now()
	_, err := b.SendAndWait(context.Background(), msg, 50*time.Millisecond)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), time.Second)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, msg.MessageID, timeoutErr.MessageID)
	require.Equal(t, 0, b.PendingCount())

	// The orphaned handler finishes later without settling anything again.
	close(release)
	<-finished
	require.Equal(t, 0, b.PendingCount())

	entries := b.RecentMessages()
	require.Len(t, entries, 1)
	require.Equal(t, OutcomeTimeout, entries[0].Outcome)
}

func TestSendAndWaitCancelsHandlerContextOnTimeout(t *testing.T) {
	b := New(Options{})
	canceled := make(chan struct{})
	require.NoError(t, b.Register("slow", HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		<-ctx.Done()
		close(canceled)
		return nil, ctx.Err()
	})))

	_, err := b.SendAndWait(context.Background(), NewMessage("test", "slow", MessageTypeInvoke, nil), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestSendAndWaitSettlesOnce(t *testing.T) {
	b := New(Options{})
	require.NoError(t, b.Register("racy", HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "done", nil
	})))

	var wg sync.WaitGroup
	var ok, timedOut atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.SendAndWait(context.Background(), NewMessage("test", "racy", MessageTypeInvoke, nil), 5*time.Millisecond)
			if err == nil {
				ok.Add(1)
			} else if errors.Is(err, ErrTimeout) {
				timedOut.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(50), ok.Load()+timedOut.Load())
	require.Equal(t, 0, b.PendingCount())
	require.Len(t, b.RecentMessages(), 50)
}

func TestSendAndWaitDuplicateMessageID(t *testing.T) {
	b := New(Options{})
	release := make(chan struct{})
	require.NoError(t, b.Register("slow", HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		<-release
		return nil, nil
	})))
	defer close(release)

	msg := NewMessage("test", "slow", MessageTypeInvoke, nil)
	errs := make(chan error, 1)
	go func() {
		_, err := b.SendAndWait(context.Background(), msg, time.Second)
		errs <- err
	}()
	require.Eventually(t, func() bool { return b.PendingCount() == 1 }, time.Second, time.Millisecond)

	dup := *msg
	_, err := b.SendAndWait(context.Background(), &dup, time.Second)
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSendAndWaitContextCanceled(t *testing.T) {
	b := New(Options{})
	require.NoError(t, b.Register("slow", HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := b.SendAndWait(ctx, NewMessage("test", "slow", MessageTypeInvoke, nil), time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, b.PendingCount())
}

func TestBroadcastAllSettled(t *testing.T) {
	b := New(Options{})
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("agent-%d", i)
		fail := i%2 == 1
		require.NoError(t, b.Register(name, HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
			if fail {
				return nil, errors.New("nope")
			}
			return msg.To, nil
		})))
	}

	res := b.Broadcast(context.Background(), &Message{From: "test", Type: MessageTypeNotify}, nil)
	require.Equal(t, 5, res.Sent)
	require.Equal(t, 3, res.Succeeded)
	require.Equal(t, 2, res.Failed)
	require.Len(t, res.Deliveries, 5)
	require.Equal(t, "agent-0", res.Deliveries[0].Agent)
	require.Equal(t, "agent-0", res.Deliveries[0].Result)
	require.Error(t, res.Deliveries[1].Err)

	ids := map[string]bool{}
	for _, d := range res.Deliveries {
		require.False(t, ids[d.MessageID], "message ids must be unique per copy")
		ids[d.MessageID] = true
	}
}

func TestBroadcastNilMessage(t *testing.T) {
	b := New(Options{})
	var calls atomic.Int32
	require.NoError(t, b.Register("alpha", echoHandler(&calls)))

	res := b.Broadcast(context.Background(), nil, nil)
	require.NotNil(t, res)
	require.Equal(t, 0, res.Sent)
	require.Empty(t, res.Deliveries)
	require.Equal(t, int32(0), calls.Load())
}

func TestBroadcastFilterSkipsInactive(t *testing.T) {
	b := New(Options{})
	var calls atomic.Int32
	require.NoError(t, b.Register("alpha", echoHandler(&calls)))
	require.NoError(t, b.Register("beta", echoHandler(&calls)))
	require.NoError(t, b.Register("gamma", echoHandler(&calls)))
	require.NoError(t, b.SetStatus("gamma", AgentStatusInactive))

	res := b.Broadcast(context.Background(), &Message{From: "test", Type: MessageTypeNotify}, func(r Registration) bool {
		return r.Name != "beta"
	})
	require.Equal(t, 1, res.Sent)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, int32(1), calls.Load())
}

func TestBroadcastUnwrapsFailedResponses(t *testing.T) {
	b := New(Options{})
	require.NoError(t, b.Register("a", HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		return NewResponse(nil, errors.New("refused")), nil
	})))

	res := b.Broadcast(context.Background(), &Message{From: "test", Type: MessageTypeQuery}, nil)
	require.Equal(t, 1, res.Failed)

	var remote *RemoteError
	require.ErrorAs(t, res.Deliveries[0].Err, &remote)
	require.Equal(t, "refused", remote.Message)
}

func TestQueryCapabilities(t *testing.T) {
	b := New(Options{})
	require.NoError(t, b.Register("writer", HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		q, ok := msg.Payload.(CapabilityQuery)
		if !ok || q.Query != QueryCapabilitiesName {
			return nil, errors.New("unexpected query")
		}
		return NewResponse(map[string]any{"actions": []string{"write"}}, nil), nil
	})))
	require.NoError(t, b.Register("broken", HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		return nil, errors.New("introspection failed")
	})))

	caps := b.QueryCapabilities(context.Background(), "test")
	require.Len(t, caps, 2)
	require.Equal(t, map[string]any{"actions": []string{"write"}}, caps["writer"].Capabilities)
	require.Empty(t, caps["writer"].Error)
	require.Contains(t, caps["broken"].Error, "introspection failed")
}

func TestNotifyNeverFails(t *testing.T) {
	b := New(Options{})
	var calls atomic.Int32
	require.NoError(t, b.Register("a", HandlerFunc(func(ctx context.Context, msg *Message) (any, error) {
		calls.Add(1)
		require.Equal(t, MessageTypeNotify, msg.Type)
		return nil, errors.New("ignored")
	})))

	b.Notify(context.Background(), NewMessage("test", "a", MessageTypeInvoke, nil))
	b.Notify(context.Background(), NewMessage("test", "missing", MessageTypeNotify, nil))
	b.Notify(context.Background(), nil)
	require.Equal(t, int32(1), calls.Load())
}

func TestMessageLogIsBounded(t *testing.T) {
	b := New(Options{MaxLogSize: 3})
	require.NoError(t, b.Register("a", echoHandler(nil)))

	var ids []string
	for i := 0; i < 5; i++ {
		msg := NewMessage("test", "a", MessageTypeInvoke, i)
		_, err := b.Send(context.Background(), msg)
		require.NoError(t, err)
		ids = append(ids, msg.MessageID)
	}

	entries := b.RecentMessages()
	require.Len(t, entries, 3)
	require.Equal(t, ids[2], entries[0].MessageID)
	require.Equal(t, ids[4], entries[2].MessageID)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := New(Options{Metrics: NewMetrics(reg)})
	require.NoError(t, b.Register("a", echoHandler(nil)))

	_, err := b.Send(context.Background(), NewMessage("test", "a", MessageTypeInvoke, nil))
	require.NoError(t, err)
	_, err = b.Send(context.Background(), NewMessage("test", "missing", MessageTypeInvoke, nil))
	require.Error(t, err)

	m := b.metrics
	require.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("invoke", "delivered")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("invoke", "rejected")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.pending))
}

func TestUnwrap(t *testing.T) {
	msg := NewMessage("test", "a", MessageTypeInvoke, nil)

	v, err := Unwrap(msg, "plain")
	require.NoError(t, err)
	require.Equal(t, "plain", v)

	v, err = Unwrap(msg, NewResponse("ok", nil))
	require.NoError(t, err)
	require.Equal(t, "ok", v)

	_, err = Unwrap(msg, *NewResponse(nil, errors.New("boom")))
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.Contains(t, err.Error(), msg.MessageID)
}
