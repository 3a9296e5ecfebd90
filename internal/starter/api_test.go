package starter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"moff.io/vault-wallet/internal/config"
)

type element struct {
	name     string
	trace    *[]string
	interval time.Duration
}

func (e *element) Apply(c *config.Configuration) { e.interval = c.Poller.Interval }
func (e *element) Start(context.Context)         { *e.trace = append(*e.trace, "start "+e.name) }
func (e *element) Stop()                         { *e.trace = append(*e.trace, "stop "+e.name) }

func TestStartAppliesConfigThenStopsInReverse(t *testing.T) {
	var trace []string
	a := &element{name: "a", trace: &trace}
	b := &element{name: "b", trace: &trace}

	StartWith(context.Background(), &config.Configuration{Poller: config.Poller{Interval: time.Minute}}, a, b)
	Stop(a, b)

	assert.Equal(t, time.Minute, a.interval)
	assert.Equal(t, time.Minute, b.interval)
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, trace)
}
