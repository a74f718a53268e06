package main

import (
	"errors"
	"fmt"
	"io"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"epdagenda/internal/config"
	"epdagenda/internal/epd"
	appLog "epdagenda/internal/log"
)

// openPanel opens the SPI port and GPIO lines named in cfg. The returned
// closer releases the port.
func openPanel(cfg config.PanelConfig) (epd.Transport, io.Closer, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("periph host init: %w", err)
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, nil, fmt.Errorf("open spi port %q: %w", cfg.SPIPort, err)
	}

	pins := map[string]gpio.PinIO{}
	for role, name := range map[string]string{
		"dc":   cfg.DCPin,
		"cs":   cfg.CSPin,
		"rst":  cfg.RSTPin,
		"busy": cfg.BusyPin,
	} {
		p := gpioreg.ByName(name)
		if p == nil {
			port.Close()
			return nil, nil, fmt.Errorf("gpio %s pin %q not found", role, name)
		}
		pins[role] = p
	}

	t, err := epd.NewSPI(port, pins["dc"], pins["cs"], pins["rst"], pins["busy"], &epd.TransportOpts{
		Freq:        physic.Frequency(cfg.SPIHz) * physic.Hertz,
		BusyTimeout: cfg.BusyTimeout,
		BusyPoll:    cfg.BusyPoll,
	})
	if err != nil {
		port.Close()
		return nil, nil, err
	}

	appLog.Info("panel opened", "transport", t.String(), "spi_hz", cfg.SPIHz)
	return t, port, nil
}

// nopCloser stands in for the SPI port in render-only mode.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func closeAll(cs ...io.Closer) error {
	var errs []error
	for _, c := range cs {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
