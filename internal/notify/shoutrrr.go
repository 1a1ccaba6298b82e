package notify

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

type ShoutrrrConfig struct {
	Enabled bool
	URLs    []string
	Timeout time.Duration
}

type shoutrrrSender interface {
	Send(message string, params *stypes.Params) []error
}

type shoutrrrDriver struct {
	sender shoutrrrSender
}

func NewShoutrrr(cfg ShoutrrrConfig) (Driver, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("at least one shoutrrr URL is required")
	}
	sender, err := shoutrrr.CreateSender(cfg.URLs...)
	if err != nil {
		// The router error may echo the URL, which carries credentials.
		return nil, errors.New("invalid shoutrrr URL")
	}
	if cfg.Timeout > 0 {
		sender.Timeout = cfg.Timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return &shoutrrrDriver{sender: sender}, nil
}

func (d *shoutrrrDriver) Name() string { return "shoutrrr" }

func (d *shoutrrrDriver) Notify(ctx context.Context, n Notification) error {
	_ = ctx // router handles its own timeouts
	params := stypes.Params{}
	if n.Title != "" {
		params.SetTitle(n.Title)
	}
	var errs []error
	for _, e := range d.sender.Send(n.Body, &params) {
		if e != nil {
			errs = append(errs, e)
		}
	}
	return errors.Join(errs...)
}

func (d *shoutrrrDriver) Close() error { return nil }
