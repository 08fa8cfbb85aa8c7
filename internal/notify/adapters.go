package notify

import (
	"context"

	"botherd/pkg/logx"
)

// LogAdapter writes alerts to the log. It is the fallback sink when no
// external channel is configured.
type LogAdapter struct {
	Log logx.Logger
}

func (a LogAdapter) Send(_ context.Context, al Alert) error {
	switch al.Severity {
	case SeverityError:
		a.Log.Error(al.Message, logx.String("alert", al.Severity))
	case SeverityWarn:
		a.Log.Warn(al.Message, logx.String("alert", al.Severity))
	default:
		a.Log.Info(al.Message, logx.String("alert", al.Severity))
	}
	return nil
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, a Alert) error

func (f AdapterFunc) Send(ctx context.Context, a Alert) error { return f(ctx, a) }
