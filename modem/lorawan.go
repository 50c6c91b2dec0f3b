package modem

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brocaar/lorawan"

	"i4.energy/across/loragw/at"
)

// Region selects a LoRaWAN regional frequency plan.
type Region string

const (
	RegionEU868 Region = "EU868"
	RegionUS915 Region = "US915"
)

// Mode selects the module activation mode.
type Mode string

const (
	ModeOTAA Mode = "LWOTAA"
	ModeABP  Mode = "LWABP"
	ModeTest Mode = "TEST"
)

// JoinOutcome is the result of a network join attempt.
type JoinOutcome int

const (
	// JoinFailed means no network accepted the join request.
	JoinFailed JoinOutcome = iota
	// JoinComplete means the network accepted the join request.
	JoinComplete
	// AlreadyJoined means the module already holds a session and skipped
	// the join procedure.
	AlreadyJoined
)

func (o JoinOutcome) String() string {
	switch o {
	case JoinComplete:
		return "joined"
	case AlreadyJoined:
		return "already joined"
	default:
		return "join failed"
	}
}

// Credentials holds the OTAA identity of a device.
type Credentials struct {
	DevEui lorawan.EUI64
	AppEui lorawan.EUI64
	AppKey lorawan.AES128Key
}

// Downlink is a message received from the network, reported by the module
// during an uplink's receive windows.
type Downlink struct {
	// Window is the receive window the message arrived in (1 or 2).
	Window int
	// Rssi is the received signal strength in dBm.
	Rssi int
	// Snr is the signal-to-noise ratio in dB.
	Snr float64
	// Port is the application port, 0 if the message carried no payload.
	Port int
	// Payload is the decoded application payload, possibly empty.
	Payload []byte
}

// SendOutcome reports the result of a completed uplink.
type SendOutcome struct {
	// Acked is true when the network acknowledged a confirmed uplink.
	Acked bool
	// Downlink carries a message received during the uplink's receive
	// windows, nil if none arrived.
	Downlink *Downlink
}

// Join asks the module to join the network via OTAA. With force set the
// module rejoins even if it already holds a session.
//
// The outcome is decided by the module's asynchronous join event. A join
// that produces the event but loses its final status line still resolves:
// the event is authoritative.
func (m *Modem) Join(ctx context.Context, force bool) (JoinOutcome, error) {
	cmd := "AT+JOIN"
	if force {
		cmd = "AT+JOIN=FORCE"
	}

	w := m.tracker.expect(at.KindJoin)
	defer m.tracker.cancel(w)

	// exec blocks for the whole multi-phase exchange; run it aside so the
	// join event can resolve the operation even if the final line is lost.
	done := make(chan error, 1)
	go func() {
		_, err := m.exec(ctx, cmd, shapeUntilDone, m.config.JoinTimeout, m.config.MaxRetries)
		done <- err
	}()

	select {
	case resp, ok := <-w.ch:
		if !ok {
			return JoinFailed, ErrClosed
		}
		return joinOutcome(resp), nil
	case err := <-done:
		if err != nil {
			return JoinFailed, err
		}
		// Command completed before the event was observed; give the waiter
		// one last look.
		if resp, ok := w.poll(); ok {
			return joinOutcome(resp), nil
		}
		return JoinFailed, nil
	case <-ctx.Done():
		return JoinFailed, ctx.Err()
	}
}

func joinOutcome(resp at.Response) JoinOutcome {
	switch {
	case strings.HasPrefix(resp.Payload, "Network joined"):
		return JoinComplete
	case strings.HasPrefix(resp.Payload, "Joined already"):
		return AlreadyJoined
	default:
		return JoinFailed
	}
}

// Send transmits an application payload on the given port. With confirmed
// set the uplink requests a network acknowledgment and the call fails with
// ErrNack if none arrives.
//
// Downlinks received during the uplink's receive windows are reported in
// the outcome; a malformed downlink report is logged and dropped rather
// than failing the uplink.
func (m *Modem) Send(ctx context.Context, payload []byte, port uint8, confirmed bool) (SendOutcome, error) {
	var outcome SendOutcome

	if err := m.SetPort(ctx, port); err != nil {
		return outcome, fmt.Errorf("set port: %w", err)
	}

	verb := "MSGHEX"
	if confirmed {
		verb = "CMSGHEX"
	}
	cmd := fmt.Sprintf("AT+%s=%q", verb, strings.ToUpper(hex.EncodeToString(payload)))

	// A downlink report spans two lines (signal quality, then payload), and
	// each waiter claims exactly one event. Priority waiters take the events
	// ahead of any AwaitDownlink observer: a downlink raised during this
	// uplink's receive windows belongs to this uplink.
	dlw1 := m.tracker.expectPriority(at.KindDownlink)
	defer m.tracker.cancel(dlw1)
	dlw2 := m.tracker.expectPriority(at.KindDownlink)
	defer m.tracker.cancel(dlw2)

	var ackw *eventWaiter
	if confirmed {
		ackw = m.tracker.expect(at.KindTxAck)
		defer m.tracker.cancel(ackw)
	}

	if _, err := m.exec(ctx, cmd, shapeUntilDone, m.config.SendTimeout, m.config.MaxRetries); err != nil {
		return outcome, err
	}

	if confirmed {
		// The acknowledgment normally precedes the final line; grant it a
		// bounded grace period when it does not.
		ackCtx, cancel := context.WithTimeout(ctx, m.config.SendTimeout)
		defer cancel()
		if _, err := ackw.wait(ackCtx); err != nil {
			// Only the expiry of the grace period itself means no ack; a
			// caller deadline or cancellation is reported as such.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return outcome, fmt.Errorf("command cancelled: %w", ctxErr)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return outcome, ErrNack
			}
			return outcome, err
		}
		outcome.Acked = true
	}

	if resp, ok := dlw1.poll(); ok {
		dl, err := parseDownlink(resp)
		if err != nil {
			m.log.Warn("dropping malformed downlink report", "line", resp.Raw, "error", err)
		} else {
			if resp2, ok := dlw2.poll(); ok {
				if dl2, err := parseDownlink(resp2); err == nil {
					mergeDownlink(dl, dl2)
				} else {
					m.log.Warn("dropping malformed downlink report", "line", resp2.Raw, "error", err)
				}
			}
			outcome.Downlink = dl
		}
	}

	return outcome, nil
}

// AwaitDownlink blocks until the module reports a downlink that no uplink
// in progress claimed, the context is cancelled, or the session closes.
func (m *Modem) AwaitDownlink(ctx context.Context) (*Downlink, error) {
	w := m.tracker.expect(at.KindDownlink)
	defer m.tracker.cancel(w)

	resp, err := w.wait(ctx)
	if err != nil {
		return nil, err
	}
	return parseDownlink(resp)
}

// parseDownlink decodes one downlink report line. The module splits a
// downlink across two lines:
//
//	+MSGHEX: RXWIN1, RSSI -30, SNR 7.0
//	+MSGHEX: PORT: 8; RX: "12AB"
func parseDownlink(resp at.Response) (*Downlink, error) {
	p := resp.Payload

	if strings.HasPrefix(p, "RXWIN") {
		dl := &Downlink{}
		if _, err := fmt.Sscanf(p, "RXWIN%d, RSSI %d, SNR %f", &dl.Window, &dl.Rssi, &dl.Snr); err != nil {
			return nil, &MalformedError{Line: resp.Raw}
		}
		return dl, nil
	}

	if rest, ok := strings.CutPrefix(p, "PORT: "); ok {
		portStr, rx, found := strings.Cut(rest, "; RX: ")
		if !found {
			return nil, &MalformedError{Line: resp.Raw}
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, &MalformedError{Line: resp.Raw}
		}
		payload, err := hex.DecodeString(strings.Trim(rx, `"`))
		if err != nil {
			return nil, &MalformedError{Line: resp.Raw}
		}
		return &Downlink{Port: port, Payload: payload}, nil
	}

	return nil, &MalformedError{Line: resp.Raw}
}

// mergeDownlink folds the payload half of a downlink report into the signal
// half, whichever order they were observed in.
func mergeDownlink(dst, src *Downlink) {
	if src.Window != 0 {
		dst.Window = src.Window
		dst.Rssi = src.Rssi
		dst.Snr = src.Snr
	}
	if src.Payload != nil || src.Port != 0 {
		dst.Port = src.Port
		dst.Payload = src.Payload
	}
}

// Command executes a raw AT command and returns its classified response
// lines. It is an escape hatch for module features without a typed method.
func (m *Modem) Command(ctx context.Context, text string, timeout time.Duration) ([]at.Response, error) {
	return m.exec(ctx, text, shapeSingle, timeout, m.config.MaxRetries)
}

// SetParameter sets a module parameter, e.g. SetParameter(ctx, "DR", "DR3").
// The module echoes the accepted value; it is returned to the caller.
func (m *Modem) SetParameter(ctx context.Context, name, value string) (string, error) {
	lines, err := m.exec(ctx, fmt.Sprintf("AT+%s=%s", name, value), shapeSingle, m.config.ATTimeout, m.config.MaxRetries)
	if err != nil {
		return "", err
	}
	return framedPayload(lines, name)
}

// GetParameter reads a module parameter, e.g. GetParameter(ctx, "VER").
func (m *Modem) GetParameter(ctx context.Context, name string) (string, error) {
	lines, err := m.exec(ctx, "AT+"+name, shapeSingle, m.config.ATTimeout, m.config.MaxRetries)
	if err != nil {
		return "", err
	}
	return framedPayload(lines, name)
}

// framedPayload extracts the payload of the line framed with the given verb.
func framedPayload(lines []at.Response, verb string) (string, error) {
	for _, l := range lines {
		if l.Verb == verb {
			return l.Payload, nil
		}
	}
	if len(lines) > 0 {
		return "", &MalformedError{Line: lines[0].Raw}
	}
	return "", &MalformedError{Line: ""}
}

// GetVersion returns the module firmware version.
func (m *Modem) GetVersion(ctx context.Context) (string, error) {
	return m.GetParameter(ctx, "VER")
}

// SetRegion selects the regional frequency plan.
func (m *Modem) SetRegion(ctx context.Context, region Region) error {
	got, err := m.SetParameter(ctx, "DR", string(region))
	if err != nil {
		return err
	}
	if !strings.Contains(got, string(region)) {
		return fmt.Errorf("region not accepted, module reports %q", got)
	}
	return nil
}

// SetMode selects the activation mode.
func (m *Modem) SetMode(ctx context.Context, mode Mode) error {
	got, err := m.SetParameter(ctx, "MODE", string(mode))
	if err != nil {
		return err
	}
	if !strings.Contains(got, string(mode)) {
		return fmt.Errorf("mode not accepted, module reports %q", got)
	}
	return nil
}

// SetDataRate selects the uplink data rate index.
func (m *Modem) SetDataRate(ctx context.Context, dr int) error {
	_, err := m.SetParameter(ctx, "DR", fmt.Sprintf("DR%d", dr))
	return err
}

// SetPort selects the application port for subsequent uplinks.
func (m *Modem) SetPort(ctx context.Context, port uint8) error {
	got, err := m.SetParameter(ctx, "PORT", strconv.Itoa(int(port)))
	if err != nil {
		return err
	}
	if got != strconv.Itoa(int(port)) {
		return fmt.Errorf("port not accepted, module reports %q", got)
	}
	return nil
}

// SetChannel enables or disables one uplink channel. The module echoes
// "CH<n> <state>"; an echo for a different channel or state is an error.
func (m *Modem) SetChannel(ctx context.Context, ch int, enabled bool) error {
	state := "off"
	if enabled {
		state = "on"
	}
	got, err := m.SetParameter(ctx, "CH", fmt.Sprintf("%d,%s", ch, state))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(got, fmt.Sprintf("CH%d %s", ch, state)) {
		return fmt.Errorf("channel %d not accepted, module reports %q", ch, got)
	}
	return nil
}

// SubBand2Only restricts the US915 plan to sub-band 2 (channels 8 to 15),
// the plan most public networks listen on.
func (m *Modem) SubBand2Only(ctx context.Context) error {
	for ch := 0; ch < 8; ch++ {
		if err := m.SetChannel(ctx, ch, false); err != nil {
			return fmt.Errorf("disable channel %d: %w", ch, err)
		}
	}
	for ch := 16; ch < 72; ch++ {
		if err := m.SetChannel(ctx, ch, false); err != nil {
			return fmt.Errorf("disable channel %d: %w", ch, err)
		}
	}
	return nil
}

// GetDevEui reads the device EUI from the module.
func (m *Modem) GetDevEui(ctx context.Context) (lorawan.EUI64, error) {
	return m.getEui(ctx, "DevEui")
}

// GetAppEui reads the application EUI from the module.
func (m *Modem) GetAppEui(ctx context.Context) (lorawan.EUI64, error) {
	return m.getEui(ctx, "AppEui")
}

// SetDevEui writes the device EUI and verifies the module accepted it.
func (m *Modem) SetDevEui(ctx context.Context, eui lorawan.EUI64) error {
	return m.setEui(ctx, "DevEui", eui)
}

// SetAppEui writes the application EUI and verifies the module accepted it.
func (m *Modem) SetAppEui(ctx context.Context, eui lorawan.EUI64) error {
	return m.setEui(ctx, "AppEui", eui)
}

func (m *Modem) getEui(ctx context.Context, which string) (lorawan.EUI64, error) {
	var eui lorawan.EUI64

	payload, err := m.SetParameter(ctx, "ID", which)
	if err != nil {
		return eui, err
	}
	return parseEui(payload, which)
}

func (m *Modem) setEui(ctx context.Context, which string, eui lorawan.EUI64) error {
	value := strings.ToUpper(hex.EncodeToString(eui[:]))
	payload, err := m.SetParameter(ctx, "ID", fmt.Sprintf("%s, %s", which, value))
	if err != nil {
		return err
	}
	got, err := parseEui(payload, which)
	if err != nil {
		return err
	}
	if got != eui {
		return fmt.Errorf("%s not accepted, module reports %s", which, got)
	}
	return nil
}

// parseEui decodes an identity report such as
// "DevEui, 60:81:F9:xx:xx:xx:xx:xx".
func parseEui(payload, which string) (lorawan.EUI64, error) {
	var eui lorawan.EUI64

	rest, ok := strings.CutPrefix(payload, which+", ")
	if !ok {
		return eui, &MalformedError{Line: payload}
	}
	hexStr := strings.ReplaceAll(strings.TrimSpace(rest), ":", "")
	if err := eui.UnmarshalText([]byte(strings.ToLower(hexStr))); err != nil {
		return eui, &MalformedError{Line: payload}
	}
	return eui, nil
}

// SetAppKey writes the OTAA application key and verifies the module echoed
// it back.
func (m *Modem) SetAppKey(ctx context.Context, key lorawan.AES128Key) error {
	value := strings.ToUpper(hex.EncodeToString(key[:]))
	payload, err := m.SetParameter(ctx, "KEY", "APPKEY, "+value)
	if err != nil {
		return err
	}
	rest, ok := strings.CutPrefix(payload, "APPKEY ")
	if !ok {
		return &MalformedError{Line: payload}
	}
	if strings.ToUpper(strings.TrimSpace(rest)) != value {
		return fmt.Errorf("app key not accepted, module reports %q", payload)
	}
	return nil
}

// Configure applies a full OTAA provisioning to the module: activation
// mode, region, identity and key, plus the sub-band restriction for US915.
func (m *Modem) Configure(ctx context.Context, region Region, creds Credentials) error {
	if err := m.SetMode(ctx, ModeOTAA); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	if err := m.SetRegion(ctx, region); err != nil {
		return fmt.Errorf("set region: %w", err)
	}
	if err := m.SetDevEui(ctx, creds.DevEui); err != nil {
		return fmt.Errorf("set dev eui: %w", err)
	}
	if err := m.SetAppEui(ctx, creds.AppEui); err != nil {
		return fmt.Errorf("set app eui: %w", err)
	}
	if err := m.SetAppKey(ctx, creds.AppKey); err != nil {
		return fmt.Errorf("set app key: %w", err)
	}
	if region == RegionUS915 {
		if err := m.SubBand2Only(ctx); err != nil {
			return fmt.Errorf("restrict sub-band: %w", err)
		}
	}
	return nil
}
