package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/alitft/alitft/pkg/config"
	"github.com/alitft/alitft/pkg/devices"
	"github.com/alitft/alitft/pkg/display"
	"github.com/alitft/alitft/pkg/lifecycle"
	"github.com/alitft/alitft/pkg/transport"
)

var skipWait bool

// connectTimeout covers the full boot animation plus slack.
const connectTimeout = 90 * time.Second

func openTransport() (*transport.Transport, devices.Description, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, devices.Description{}, err
	}
	desc := devices.Default()
	tr, err := transport.Open(desc.VID, desc.PID, transport.WithConfig(cfg))
	if err != nil {
		return nil, desc, err
	}
	return tr, desc, nil
}

// withDisplay opens the device, optionally rides out the boot animation,
// and hands a ready display to f.
func withDisplay(ctx context.Context, f func(ctx context.Context, d *display.Display, tr *transport.Transport) error) error {
	tr, desc, err := openTransport()
	if err != nil {
		return err
	}
	defer tr.Close()

	if !skipWait {
		fmt.Printf("Waiting for the panel to finish its boot animation (up to %v)...\n", connectTimeout)
		if _, err := tr.WaitForPhase(ctx, lifecycle.Connected, connectTimeout); err != nil {
			return fmt.Errorf("device never settled: %w", err)
		}
		glog.Infof("Device connected after animation")
	}

	return f(ctx, display.New(tr, desc), tr)
}
