package client

import (
	"fmt"
	"github.com/pkg/errors"
)

// CreditRequester grants credits to the subscription the policy is asked for
type CreditRequester func(credits uint16) error

// CreditPolicy decides how many chunks a subscription may receive. One
// policy instance can be shared by many consumers, implementations are stateless.
type CreditPolicy interface {
	// OnSubscription returns the initial credit sent with the subscribe request
	OnSubscription() uint16
	// OnChunkReceived is called when a chunk arrived, before its messages are handled
	OnChunkReceived(request CreditRequester)
	// OnChunkCompleted is called after every message of a chunk was handled
	OnChunkCompleted(request CreditRequester)
}

// CreditPolicyConfig configures the built-in policies
type CreditPolicyConfig struct {
	// StartFrom is the initial credit of the subscription
	StartFrom uint16
	// CreditUpdate is the credit granted per chunk
	CreditUpdate uint16
}

func (c CreditPolicyConfig) validate() error {
	if c.StartFrom < 1 {
		return errors.New("credit policy: start credit must be at least 1")
	}
	if c.CreditUpdate < 1 {
		return errors.New("credit policy: credit update must be at least 1")
	}
	return nil
}

// creditsOnChunkArrival grants credit as soon as a chunk arrives
type creditsOnChunkArrival struct {
	config CreditPolicyConfig
}

// NewCreditsOnChunkArrival returns a policy that asks for CreditUpdate new
// chunks whenever a chunk arrives
func NewCreditsOnChunkArrival(config CreditPolicyConfig) (CreditPolicy, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &creditsOnChunkArrival{config: config}, nil
}

func (p *creditsOnChunkArrival) OnSubscription() uint16 { return p.config.StartFrom }

func (p *creditsOnChunkArrival) OnChunkReceived(request CreditRequester) {
	requestCredits(request, p.config.CreditUpdate)
}

func (p *creditsOnChunkArrival) OnChunkCompleted(CreditRequester) {}

func (p *creditsOnChunkArrival) String() string {
	return fmt.Sprintf("on-arrival(start=%d, update=%d)", p.config.StartFrom, p.config.CreditUpdate)
}

// creditsOnChunkCompleted grants credit once a chunk was fully handled
type creditsOnChunkCompleted struct {
	config CreditPolicyConfig
}

// NewCreditsOnChunkCompleted returns a policy that asks for CreditUpdate new
// chunks after the messages of a chunk were handled. Slow handlers get no
// more chunks than they can process.
func NewCreditsOnChunkCompleted(config CreditPolicyConfig) (CreditPolicy, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &creditsOnChunkCompleted{config: config}, nil
}

func (p *creditsOnChunkCompleted) OnSubscription() uint16 { return p.config.StartFrom }

func (p *creditsOnChunkCompleted) OnChunkReceived(CreditRequester) {}

func (p *creditsOnChunkCompleted) OnChunkCompleted(request CreditRequester) {
	requestCredits(request, p.config.CreditUpdate)
}

func (p *creditsOnChunkCompleted) String() string {
	return fmt.Sprintf("on-completion(start=%d, update=%d)", p.config.StartFrom, p.config.CreditUpdate)
}

func requestCredits(request CreditRequester, credits uint16) {
	if err := request(credits); err != nil {
		Logger.Warningf("Failed to request %d credits: %v", credits, err)
	}
}

// DefaultCreditPolicy grants one chunk per arrived chunk
var DefaultCreditPolicy CreditPolicy = &creditsOnChunkArrival{config: CreditPolicyConfig{StartFrom: 1, CreditUpdate: 1}}
