package defense

import (
	"context"

	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/store"
)

// GlobalDDoSScope is the scope of the shared volumetric counter.
const GlobalDDoSScope = "global"

// DDoSKey returns the volumetric counter key for scope.
func DDoSKey(scope string) string {
	return store.KeyPrefix + "ddos:" + scope
}

// ddosMonitor counts requests coarsely, without path distinction.
// It is only built when the ddos section is configured.
type ddosMonitor struct {
	cfg   config.DDoSConfig
	store store.CounterStore
}

func (*ddosMonitor) name() string { return "ddos" }

func (m *ddosMonitor) check(ctx context.Context, req *Request) (Reason, error) {
	scope := GlobalDDoSScope
	if m.cfg.PerIP {
		scope = req.IP
	}
	count, err := m.store.Increment(ctx, DDoSKey(scope), m.cfg.Window())
	if err != nil {
		return nil, err
	}
	if count > m.cfg.Threshold {
		return DDoSReason{
			Scope:     scope,
			Threshold: m.cfg.Threshold,
			Count:     count,
			WindowMs:  m.cfg.WindowMs,
		}, nil
	}
	return nil, nil
}
