package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/hl7gw/internal/dispatch"
	"github.com/mattjoyce/hl7gw/internal/plugin"
)

// Resolve returns the pipeline configured by name: one of the builtins or a
// plugin from reg.
func Resolve(name string, reg *plugin.Registry, endpoint string, timeout time.Duration, logger *slog.Logger) (dispatch.Pipeline, error) {
	switch name {
	case BuiltinAccept:
		return Accept{}, nil
	case BuiltinReject:
		return Reject{}, nil
	case "":
		return nil, fmt.Errorf("endpoint %q: pipeline is required", endpoint)
	}

	if reg == nil {
		return nil, fmt.Errorf("endpoint %q: pipeline %q not found (no plugins discovered)", endpoint, name)
	}
	p, ok := reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("endpoint %q: pipeline %q not found in registry", endpoint, name)
	}
	return NewExec(p, endpoint, timeout, logger), nil
}

// stallMargin is added on top of a plugin's own limit so that the plugin's
// timeout error, not the dispatcher's stall error, normally answers.
const stallMargin = 5 * time.Second

// StallTimeout is the AutoAck stall bound for p. Builtins always call back
// before returning, so they get none.
func StallTimeout(p dispatch.Pipeline) time.Duration {
	e, ok := p.(*Exec)
	if !ok {
		return 0
	}
	return e.timeout + terminationGracePeriod + stallMargin
}
