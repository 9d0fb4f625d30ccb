package acceptor

import (
	"context"
	"fmt"

	"github.com/arloliu/go-ebds/ebds"
)

func telemetryCommand(cmd ebds.TelemetryCommand, data ...byte) *command {
	return &command{
		name: cmd.String(),
		build: func(ack bool) (ebds.Frame, error) {
			return ebds.TelemetryRequest{Ack: ack, Command: cmd, Data: data}.Frame()
		},
		check: func(resp ebds.Response) error {
			tr, ok := resp.(*ebds.TelemetryResponse)
			if !ok {
				return fmt.Errorf("%w: %s reply to %s", ebds.ErrUnexpectedCommand, resp.Type(), cmd)
			}

			return tr.Expect(cmd)
		},
	}
}

// telemetry runs a telemetry command and returns its validated reply.
func (s *Session) telemetry(ctx context.Context, cmd ebds.TelemetryCommand, data ...byte) (*ebds.TelemetryResponse, error) {
	resp, err := s.submit(ctx, telemetryCommand(cmd, data...))
	if err != nil {
		return nil, err
	}

	tr, ok := resp.(*ebds.TelemetryResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %s reply to %s", ebds.ErrUnexpectedCommand, resp.Type(), cmd)
	}

	return tr, nil
}

// Ping checks that the device answers telemetry commands.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.telemetry(ctx, ebds.TelPing)
	return err
}

// SerialNumber returns the device serial number.
func (s *Session) SerialNumber(ctx context.Context) (string, error) {
	tr, err := s.telemetry(ctx, ebds.TelGetSerialNumber)
	if err != nil {
		return "", err
	}

	return tr.SerialNumber()
}

// CashboxMetrics returns the cashbox counters.
func (s *Session) CashboxMetrics(ctx context.Context) (ebds.CashboxMetrics, error) {
	tr, err := s.telemetry(ctx, ebds.TelGetCashboxMetrics)
	if err != nil {
		return ebds.CashboxMetrics{}, err
	}

	return tr.CashboxMetrics()
}

// ClearCashboxCount resets the bills-in-cashbox counter.
func (s *Session) ClearCashboxCount(ctx context.Context) error {
	_, err := s.telemetry(ctx, ebds.TelClearCashboxCount)
	return err
}

// UnitMetrics returns the lifetime counters of the unit.
func (s *Session) UnitMetrics(ctx context.Context) (ebds.UnitMetrics, error) {
	tr, err := s.telemetry(ctx, ebds.TelGetUnitMetrics)
	if err != nil {
		return ebds.UnitMetrics{}, err
	}

	return tr.UnitMetrics()
}

// ServiceUsageCounters returns the counters since the last service.
func (s *Session) ServiceUsageCounters(ctx context.Context) (ebds.ServiceUsageCounters, error) {
	tr, err := s.telemetry(ctx, ebds.TelGetServiceUsageCounters)
	if err != nil {
		return ebds.ServiceUsageCounters{}, err
	}

	return tr.ServiceUsageCounters()
}

// ServiceFlags returns which components need service.
func (s *Session) ServiceFlags(ctx context.Context) (ebds.ServiceFlags, error) {
	tr, err := s.telemetry(ctx, ebds.TelGetServiceFlags)
	if err != nil {
		return ebds.ServiceFlags{}, err
	}

	return tr.ServiceFlags()
}

// ClearServiceFlags clears the service flag of one component.
func (s *Session) ClearServiceFlags(ctx context.Context, c ebds.ServiceComponent) error {
	if c >= ebds.NumServiceComponents {
		return fmt.Errorf("acceptor: unknown service component %d", c)
	}

	_, err := s.telemetry(ctx, ebds.TelClearServiceFlags, byte(c))

	return err
}

// ServiceInfo returns the last service dates.
func (s *Session) ServiceInfo(ctx context.Context) (ebds.ServiceInfo, error) {
	tr, err := s.telemetry(ctx, ebds.TelGetServiceInfo)
	if err != nil {
		return ebds.ServiceInfo{}, err
	}

	return tr.ServiceInfo()
}

// FirmwareMetrics returns the firmware update counters.
func (s *Session) FirmwareMetrics(ctx context.Context) (ebds.FirmwareMetrics, error) {
	tr, err := s.telemetry(ctx, ebds.TelGetFirmwareMetrics)
	if err != nil {
		return ebds.FirmwareMetrics{}, err
	}

	return tr.FirmwareMetrics()
}

// QueryBarcode sends the extended barcode query with the current poll
// flags. It returns the barcode of the ticket in escrow, or an empty string
// when the device answers with a plain poll reply. The status carried by
// either reply updates the session state like a poll.
func (s *Session) QueryBarcode(ctx context.Context) (string, error) {
	cmd := &command{
		name: ebds.ExtBarcode.String(),
		build: func(ack bool) (ebds.Frame, error) {
			poll := s.pollRequest()
			poll.Ack = ack

			return ebds.NewBarcodeQuery(poll).Frame()
		},
		check: func(resp ebds.Response) error {
			switch r := resp.(type) {
			case *ebds.PollResponse:
				return nil
			case *ebds.ExtendedResponse:
				if r.Command() != ebds.ExtBarcode {
					return fmt.Errorf("%w: got %s, want %s", ebds.ErrUnexpectedCommand, r.Command(), ebds.ExtBarcode)
				}

				return nil
			default:
				return fmt.Errorf("%w: %s reply to barcode query", ebds.ErrUnexpectedCommand, resp.Type())
			}
		},
	}

	resp, err := s.submit(ctx, cmd)
	if err != nil {
		return "", err
	}

	_, barcode, _ := replyStatus(resp)

	return barcode, nil
}

// Reset sends the reset request. The device never answers it; the ack bit
// and every latch are reset once it is written.
func (s *Session) Reset(ctx context.Context) error {
	_, err := s.submit(ctx, &command{
		name: "reset",
		build: func(ack bool) (ebds.Frame, error) {
			return ebds.NewResetRequest(ack), nil
		},
		noReply: true,
	})

	return err
}
