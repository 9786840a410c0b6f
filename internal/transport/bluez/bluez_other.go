//go:build !linux

package bluez

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"obd-link/internal/transport"
)

var errUnsupported = errors.New("bluez: only supported on linux")

// Transport is unavailable off Linux; every call fails.
type Transport struct{}

func New(Options, *zap.Logger) *Transport { return &Transport{} }

func (*Transport) Listen() (transport.Listener, error) { return nil, errUnsupported }

func (*Transport) Dial(context.Context, string) (transport.Link, error) {
	return nil, errUnsupported
}

func (*Transport) Scan(context.Context) ([]Device, error) { return nil, errUnsupported }

func (*Transport) Close() error { return nil }
