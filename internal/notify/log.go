package notify

import (
	"context"

	"beesense/internal/escalation"
	logx "beesense/pkg/logx"
)

type logDriver struct {
	log logx.Logger
}

// NewLog returns a driver that writes notifications to the application log.
func NewLog(log logx.Logger) Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &logDriver{log: log}
}

func (d *logDriver) Name() string { return "log" }

func (d *logDriver) Notify(_ context.Context, n Notification) error {
	fields := []logx.Field{
		logx.String("slot", n.Slot),
		logx.String("entity", n.Entity),
		logx.String("severity", n.Severity.String()),
		logx.String("title", n.Title),
		logx.String("body", n.Body),
	}
	switch n.Severity {
	case escalation.Alert:
		d.log.Error("hive notification", fields...)
	case escalation.Warning:
		d.log.Warn("hive notification", fields...)
	default:
		d.log.Info("hive notification", fields...)
	}
	return nil
}

func (d *logDriver) Close() error { return nil }
