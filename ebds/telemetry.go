package ebds

import (
	"bytes"
	"fmt"
	"slices"
)

// TelemetryCommand is the sub-command code in byte 3 of a telemetry frame.
type TelemetryCommand byte

// Telemetry sub-commands.
const (
	TelPing                    TelemetryCommand = 0x00
	TelGetSerialNumber         TelemetryCommand = 0x01
	TelGetCashboxMetrics       TelemetryCommand = 0x02
	TelClearCashboxCount       TelemetryCommand = 0x03
	TelGetUnitMetrics          TelemetryCommand = 0x04
	TelGetServiceUsageCounters TelemetryCommand = 0x05
	TelGetServiceFlags         TelemetryCommand = 0x06
	TelClearServiceFlags       TelemetryCommand = 0x07
	TelGetServiceInfo          TelemetryCommand = 0x08
	TelGetFirmwareMetrics      TelemetryCommand = 0x09
)

// Field widths of telemetry replies, in data bytes.
const (
	SerialNumberLen = 20

	counterWidth = 8 // one 32-bit counter
	shortWidth   = 4 // one 16-bit value

	cashboxMetricsFields  = 4
	unitMetricsFields     = 8
	serviceUsageFields    = 6
	serviceInfoFields     = 3
	firmwareMetricsFields = 4
)

type telemetryInfo struct {
	name     string
	replyLen int
}

var telemetryTable = map[TelemetryCommand]telemetryInfo{
	TelPing:                    {"ping", 0},
	TelGetSerialNumber:         {"get-serial-number", SerialNumberLen},
	TelGetCashboxMetrics:       {"get-cashbox-metrics", cashboxMetricsFields * counterWidth},
	TelClearCashboxCount:       {"clear-cashbox-count", 0},
	TelGetUnitMetrics:          {"get-unit-metrics", unitMetricsFields * counterWidth},
	TelGetServiceUsageCounters: {"get-service-usage-counters", serviceUsageFields * counterWidth},
	TelGetServiceFlags:         {"get-service-flags", NumServiceComponents},
	TelClearServiceFlags:       {"clear-service-flags", 0},
	TelGetServiceInfo:          {"get-service-info", serviceInfoFields * shortWidth},
	TelGetFirmwareMetrics:      {"get-firmware-metrics", firmwareMetricsFields * counterWidth},
}

// String returns the sub-command name.
func (c TelemetryCommand) String() string {
	if info, ok := telemetryTable[c]; ok {
		return info.name
	}

	return fmt.Sprintf("telemetry(0x%02X)", byte(c))
}

// ReplyDataLen returns the number of data bytes following the sub-command
// code in a reply. ok is false for unknown commands.
func (c TelemetryCommand) ReplyDataLen() (n int, ok bool) {
	info, ok := telemetryTable[c]
	return info.replyLen, ok
}

// TelemetryRequest is a host telemetry command.
type TelemetryRequest struct {
	Ack     bool
	Command TelemetryCommand
	Data    []byte
}

// Frame builds the wire frame for the request.
func (r TelemetryRequest) Frame() (Frame, error) {
	return NewBuilder(TypeTelemetry, r.Ack).
		Append(byte(r.Command)).
		Append(r.Data...).
		Finish()
}

// ParseTelemetryRequest decodes a host telemetry command. Reset requests
// share the telemetry type; check [IsResetRequest] first.
func ParseTelemetryRequest(b []byte) (TelemetryRequest, error) {
	f, err := parseFrame(b, TypeTelemetry, minLength(MinFrameLength+1))
	if err != nil {
		return TelemetryRequest{}, err
	}

	data := f.Data()

	return TelemetryRequest{Ack: f.Ack(), Command: TelemetryCommand(data[0]), Data: data[1:]}, nil
}

// TelemetryResponse is an acceptor telemetry reply.
type TelemetryResponse struct {
	frame   Frame
	command TelemetryCommand
	payload []byte
}

var _ Response = (*TelemetryResponse)(nil)

// ParseTelemetryResponse validates and decodes a telemetry reply.
func ParseTelemetryResponse(b []byte) (*TelemetryResponse, error) {
	f, err := parseFrame(b, TypeTelemetry, minLength(MinFrameLength+1))
	if err != nil {
		return nil, err
	}

	data := f.Data()

	return &TelemetryResponse{frame: f, command: TelemetryCommand(data[0]), payload: data[1:]}, nil
}

// NewTelemetryResponse builds a telemetry reply frame.
func NewTelemetryResponse(ack bool, cmd TelemetryCommand, payload []byte) (Frame, error) {
	return NewBuilder(TypeTelemetry, ack).Append(byte(cmd)).Append(payload...).Finish()
}

// Frame returns the validated wire frame.
func (r *TelemetryResponse) Frame() Frame { return r.frame }

// Type returns TypeTelemetry.
func (r *TelemetryResponse) Type() MsgType { return r.frame.Type() }

// Ack returns the ACK bit of the reply.
func (r *TelemetryResponse) Ack() bool { return r.frame.Ack() }

// Command returns the sub-command code.
func (r *TelemetryResponse) Command() TelemetryCommand { return r.command }

// Payload returns a copy of the bytes following the sub-command code.
func (r *TelemetryResponse) Payload() []byte { return slices.Clone(r.payload) }

// Violations always returns nil; telemetry replies carry no status bits.
func (r *TelemetryResponse) Violations() []error { return nil }

// Expect checks that the reply answers cmd and carries the payload size
// defined for it.
func (r *TelemetryResponse) Expect(cmd TelemetryCommand) error {
	if r.command != cmd {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedCommand, r.command, cmd)
	}

	if n, ok := cmd.ReplyDataLen(); ok && len(r.payload) != n {
		return fmt.Errorf("%w: %s reply carries %d data bytes, want %d", ErrUnexpectedLength, cmd, len(r.payload), n)
	}

	return nil
}

// SerialNumber decodes a get-serial-number reply.
func (r *TelemetryResponse) SerialNumber() (string, error) {
	if err := r.Expect(TelGetSerialNumber); err != nil {
		return "", err
	}

	return string(bytes.TrimRight(r.payload, "\x00 ")), nil
}

// CashboxMetrics holds the cashbox counters.
type CashboxMetrics struct {
	CashboxRemovals   uint32
	CashboxFulls      uint32
	BillsSinceRemoval uint32
	BillsSinceFull    uint32
}

// Encode returns the nibble-pair reply payload.
func (m CashboxMetrics) Encode() []byte {
	return encodeNibbleFields(counterWidth,
		uint64(m.CashboxRemovals), uint64(m.CashboxFulls),
		uint64(m.BillsSinceRemoval), uint64(m.BillsSinceFull))
}

// CashboxMetrics decodes a get-cashbox-metrics reply.
func (r *TelemetryResponse) CashboxMetrics() (CashboxMetrics, error) {
	v, err := r.counters(TelGetCashboxMetrics, cashboxMetricsFields, counterWidth)
	if err != nil {
		return CashboxMetrics{}, err
	}

	return CashboxMetrics{
		CashboxRemovals:   uint32(v[0]),
		CashboxFulls:      uint32(v[1]),
		BillsSinceRemoval: uint32(v[2]),
		BillsSinceFull:    uint32(v[3]),
	}, nil
}

// UnitMetrics holds lifetime counters of the unit.
type UnitMetrics struct {
	TotalValueStacked  uint32
	TotalDistanceMoved uint32
	PowerUps           uint32
	PushButtonPresses  uint32
	Configurations     uint32
	LEDUpdates         uint32
	Calibrations       uint32
	Resets             uint32
}

// Encode returns the nibble-pair reply payload.
func (m UnitMetrics) Encode() []byte {
	return encodeNibbleFields(counterWidth,
		uint64(m.TotalValueStacked), uint64(m.TotalDistanceMoved),
		uint64(m.PowerUps), uint64(m.PushButtonPresses),
		uint64(m.Configurations), uint64(m.LEDUpdates),
		uint64(m.Calibrations), uint64(m.Resets))
}

// UnitMetrics decodes a get-unit-metrics reply.
func (r *TelemetryResponse) UnitMetrics() (UnitMetrics, error) {
	v, err := r.counters(TelGetUnitMetrics, unitMetricsFields, counterWidth)
	if err != nil {
		return UnitMetrics{}, err
	}

	return UnitMetrics{
		TotalValueStacked:  uint32(v[0]),
		TotalDistanceMoved: uint32(v[1]),
		PowerUps:           uint32(v[2]),
		PushButtonPresses:  uint32(v[3]),
		Configurations:     uint32(v[4]),
		LEDUpdates:         uint32(v[5]),
		Calibrations:       uint32(v[6]),
		Resets:             uint32(v[7]),
	}, nil
}

// ServiceUsageCounters holds wear counters since the last services.
type ServiceUsageCounters struct {
	MovedSinceService       uint32
	StackedSinceService     uint32
	MovedSinceCleaning      uint32
	StackedSinceCleaning    uint32
	MovedSinceCalibration   uint32
	StackedSinceCalibration uint32
}

// Encode returns the nibble-pair reply payload.
func (m ServiceUsageCounters) Encode() []byte {
	return encodeNibbleFields(counterWidth,
		uint64(m.MovedSinceService), uint64(m.StackedSinceService),
		uint64(m.MovedSinceCleaning), uint64(m.StackedSinceCleaning),
		uint64(m.MovedSinceCalibration), uint64(m.StackedSinceCalibration))
}

// ServiceUsageCounters decodes a get-service-usage-counters reply.
func (r *TelemetryResponse) ServiceUsageCounters() (ServiceUsageCounters, error) {
	v, err := r.counters(TelGetServiceUsageCounters, serviceUsageFields, counterWidth)
	if err != nil {
		return ServiceUsageCounters{}, err
	}

	return ServiceUsageCounters{
		MovedSinceService:       uint32(v[0]),
		StackedSinceService:     uint32(v[1]),
		MovedSinceCleaning:      uint32(v[2]),
		StackedSinceCleaning:    uint32(v[3]),
		MovedSinceCalibration:   uint32(v[4]),
		StackedSinceCalibration: uint32(v[5]),
	}, nil
}

// ServiceComponent identifies a serviceable component for service flags.
type ServiceComponent byte

// Serviceable components, in reply order.
const (
	ComponentStacker ServiceComponent = iota
	ComponentTransport
	ComponentCashbox
	ComponentSensors
	ComponentPower
	ComponentGeneral

	// NumServiceComponents is the number of flags in a service flags reply.
	NumServiceComponents = 6
)

// ServiceFlags holds one service-required flag per component.
type ServiceFlags [NumServiceComponents]bool

// Required reports whether c needs service.
func (f ServiceFlags) Required(c ServiceComponent) bool {
	return int(c) < len(f) && f[c]
}

// Any reports whether any component needs service.
func (f ServiceFlags) Any() bool {
	return slices.Contains(f[:], true)
}

// Encode returns the reply payload.
func (f ServiceFlags) Encode() []byte {
	out := make([]byte, NumServiceComponents)
	for i, v := range f {
		if v {
			out[i] = 1
		}
	}

	return out
}

// ServiceFlags decodes a get-service-flags reply.
func (r *TelemetryResponse) ServiceFlags() (ServiceFlags, error) {
	var flags ServiceFlags
	if err := r.Expect(TelGetServiceFlags); err != nil {
		return flags, err
	}

	for i, b := range r.payload {
		flags[i] = b&0x0F != 0
	}

	return flags, nil
}

// ServiceInfo holds the dates of the last services, in device-defined units.
type ServiceInfo struct {
	LastCustomerService uint16
	LastServiceCenter   uint16
	LastOEMService      uint16
}

// Encode returns the nibble-pair reply payload.
func (m ServiceInfo) Encode() []byte {
	return encodeNibbleFields(shortWidth,
		uint64(m.LastCustomerService), uint64(m.LastServiceCenter), uint64(m.LastOEMService))
}

// ServiceInfo decodes a get-service-info reply.
func (r *TelemetryResponse) ServiceInfo() (ServiceInfo, error) {
	v, err := r.counters(TelGetServiceInfo, serviceInfoFields, shortWidth)
	if err != nil {
		return ServiceInfo{}, err
	}

	return ServiceInfo{
		LastCustomerService: uint16(v[0]),
		LastServiceCenter:   uint16(v[1]),
		LastOEMService:      uint16(v[2]),
	}, nil
}

// FirmwareMetrics holds firmware update counters.
type FirmwareMetrics struct {
	FlashUpdates         uint32
	USBFlashUpdates      uint32
	FlashDriveInsertions uint32
	FlashDriveUpdates    uint32
}

// Encode returns the nibble-pair reply payload.
func (m FirmwareMetrics) Encode() []byte {
	return encodeNibbleFields(counterWidth,
		uint64(m.FlashUpdates), uint64(m.USBFlashUpdates),
		uint64(m.FlashDriveInsertions), uint64(m.FlashDriveUpdates))
}

// FirmwareMetrics decodes a get-firmware-metrics reply.
func (r *TelemetryResponse) FirmwareMetrics() (FirmwareMetrics, error) {
	v, err := r.counters(TelGetFirmwareMetrics, firmwareMetricsFields, counterWidth)
	if err != nil {
		return FirmwareMetrics{}, err
	}

	return FirmwareMetrics{
		FlashUpdates:         uint32(v[0]),
		USBFlashUpdates:      uint32(v[1]),
		FlashDriveInsertions: uint32(v[2]),
		FlashDriveUpdates:    uint32(v[3]),
	}, nil
}

func (r *TelemetryResponse) counters(cmd TelemetryCommand, count, width int) ([]uint64, error) {
	if err := r.Expect(cmd); err != nil {
		return nil, err
	}

	return decodeNibbleFields(r.payload, count, width)
}

// resetPattern is the fixed payload of the reset request.
var resetPattern = []byte{0x7F, 0x7F, 0x7F}

// NewResetRequest builds the reset frame. The device never acknowledges it.
func NewResetRequest(ack bool) Frame {
	return NewBuilder(TypeTelemetry, ack).Append(resetPattern...).MustFinish()
}

// IsResetRequest reports whether b is a well-formed reset frame.
func IsResetRequest(b []byte) bool {
	f, err := parseFrame(b, TypeTelemetry, exactLength(MinFrameLength+len(resetPattern)))
	if err != nil {
		return false
	}

	return bytes.Equal(f.Data(), resetPattern)
}
