package bus

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Filter selects which registrations receive a broadcast.
type Filter func(Registration) bool

// Delivery is the outcome of one broadcast copy.
type Delivery struct {
	Agent     string `json:"agent"`
	MessageID string `json:"message_id"`
	Result    any    `json:"result,omitempty"`
	Err       error  `json:"-"`
}

// BroadcastResult summarises a broadcast.
type BroadcastResult struct {
	Sent       int        `json:"sent"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Deliveries []Delivery `json:"deliveries"`
}

// CapabilityResult holds one agent's answer to a capability query.
type CapabilityResult struct {
	Capabilities any    `json:"capabilities,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Broadcast sends an independent copy of msg to every active agent accepted
// by filter (all active agents when filter is nil). Every copy settles on its
// own; a failing agent never stops delivery to the others and Broadcast
// itself does not fail. Deliveries are ordered by agent name. A nil msg
// reaches nobody.
func (b *Bus) Broadcast(ctx context.Context, msg *Message, filter Filter) *BroadcastResult {
	if msg == nil {
		return &BroadcastResult{Deliveries: []Delivery{}}
	}
	var targets []Registration
	for _, reg := range b.Agents() {
		if reg.Status != AgentStatusActive {
			continue
		}
		if filter != nil && !filter(reg) {
			continue
		}
		targets = append(targets, reg)
	}

	deliveries := make([]Delivery, len(targets))
	var g errgroup.Group
	for i, reg := range targets {
		copied := msg.copyTo(reg.Name)
		g.Go(func() error {
			result, err := b.SendAndWait(ctx, copied, b.defaultTimeout)
			if err == nil {
				result, err = Unwrap(copied, result)
			}
			deliveries[i] = Delivery{
				Agent:     reg.Name,
				MessageID: copied.MessageID,
				Result:    result,
				Err:       err,
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &BroadcastResult{Sent: len(targets), Deliveries: deliveries}
	for _, d := range deliveries {
		if d.Err != nil {
			res.Failed++
		} else {
			res.Succeeded++
		}
	}
	return res
}

// QueryCapabilities asks every active agent to describe itself. The result
// maps agent name to its capability description or error.
func (b *Bus) QueryCapabilities(ctx context.Context, from string) map[string]CapabilityResult {
	msg := &Message{
		From:    from,
		Type:    MessageTypeQuery,
		Payload: CapabilityQuery{Query: QueryCapabilitiesName},
	}
	res := b.Broadcast(ctx, msg, nil)

	out := make(map[string]CapabilityResult, len(res.Deliveries))
	for _, d := range res.Deliveries {
		if d.Err != nil {
			out[d.Agent] = CapabilityResult{Error: d.Err.Error()}
			continue
		}
		out[d.Agent] = CapabilityResult{Capabilities: d.Result}
	}
	return out
}
