package flexreport

import (
	"context"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
)

// PollState is the state of one report request
type PollState int

const (
	StateRequesting PollState = iota
	StatePolling
	StateReady
	StateFailed
	StateTimedOut
)

func (s PollState) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StatePolling:
		return "polling"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further step will change the state
func (s PollState) Terminal() bool {
	return s == StateReady || s == StateFailed || s == StateTimedOut
}

// poller holds the request/poll state machine for one report
type poller struct {
	client      *Client
	credentials *broker.Credentials

	state     PollState
	refCode   string
	payload   []byte
	err       error
	startedAt time.Time
	deadline  time.Time
	polls     int
	timeouts  int
}

func newPoller(c *Client, credentials *broker.Credentials) *poller {
	return &poller{
		client:      c,
		credentials: credentials,
		state:       StateRequesting,
	}
}

// step performs exactly one transition
func (p *poller) step(ctx context.Context) {
	switch p.state {
	case StateRequesting:
		p.request(ctx)
	case StatePolling:
		p.poll(ctx)
	}
}

func (p *poller) request(ctx context.Context) {
	refCode, err := p.client.sendRequest(ctx, p.credentials)
	if err != nil {
		p.fail(err)
		return
	}
	p.refCode = refCode
	p.startedAt = p.client.clock.Now()
	p.deadline = p.startedAt.Add(p.client.settings.MaxWait)
	p.state = StatePolling
}

func (p *poller) poll(ctx context.Context) {
	if !p.client.clock.Now().Before(p.deadline) {
		p.state = StateTimedOut
		return
	}

	p.polls++
	payload, outcome, err := p.client.getStatement(ctx, p.credentials, p.refCode)
	switch outcome {
	case outcomeReady:
		p.payload = payload
		p.state = StateReady
	case outcomeGenerating:
		p.wait(ctx)
	case outcomeNetworkTimeout:
		// a timed-out poll is repeated, it is not a data error
		p.timeouts++
		p.client.logger.Printf("Poll %d for %s timed out, retrying: %v", p.polls, p.refCode, err)
		p.wait(ctx)
	default:
		p.fail(err)
	}
}

func (p *poller) wait(ctx context.Context) {
	if err := p.client.clock.Sleep(ctx, p.client.settings.PollInterval); err != nil {
		p.fail(broker.NewBrokerError(broker.BrokerTypeFlexReport, "CANCELLED", broker.CategoryTerminal,
			"report polling was cancelled", err))
	}
}

func (p *poller) fail(err error) {
	p.err = err
	p.state = StateFailed
}
