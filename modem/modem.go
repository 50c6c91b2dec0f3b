package modem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"i4.energy/across/loragw/at"
)

// Modem represents a LoRaWAN radio module driven over a serial transport
// using a textual AT command protocol. It provides thread-safe access to the
// module through a centralized event loop that owns all transport I/O.
//
// The protocol is half-duplex with a single outstanding command: at most one
// command is on the wire at any time, and responses are matched to commands
// strictly in submission order. Unsolicited event lines (join results,
// delivery acknowledgments, downlinks) may interleave with command responses
// and are routed to the operations awaiting them, never to the command in
// flight.
type Modem struct {
	// transport provides the physical connection to the module.
	transport Transport
	// config contains the session configuration.
	config Config
	log    *slog.Logger

	// mu guards the lifecycle flags, which are touched from caller
	// goroutines and from the Loop.
	mu sync.Mutex
	// closed indicates if the modem has been shut down.
	closed bool
	// loopRunning indicates if the Loop is currently running.
	loopRunning bool

	// commands queues command requests for the Loop to process. The channel
	// is unbuffered: the queue is the set of blocked submitters, served in
	// FIFO order behind the command in flight.
	commands chan *commandRequest
	// events receives unsolicited lines that no tracked operation claimed.
	events chan at.Response

	// tracker correlates unsolicited events with awaiting operations.
	tracker *eventTracker

	// done is closed when the Loop exits; every pending and future waiter
	// observes ErrClosed through it.
	done     chan struct{}
	doneOnce sync.Once
}

// responseShape tells the dispatcher when a command's response is complete.
type responseShape int

const (
	// shapeSingle: the first line addressed to the command completes it.
	// Used for queries and parameter settings, which answer with exactly
	// one framed line, e.g. "+DR: US915".
	shapeSingle responseShape = iota
	// shapeUntilDone: lines accumulate until a final Done/OK or error line.
	// Used for multi-phase commands such as AT+JOIN and AT+MSGHEX.
	shapeUntilDone
)

// commandRequest represents an AT command request to be executed by the Loop.
type commandRequest struct {
	// text is the command line to send, without terminator.
	text string
	// shape is the expected response shape.
	shape responseShape
	// timeout is the per-attempt deadline.
	timeout time.Duration
	// retries is the number of timeout retries remaining.
	retries int
	// respChan receives the command response from the Loop.
	respChan chan commandResponse
	// ctx provides caller-side cancellation. Cancelling does not undo wire
	// effects; a response arriving after cancellation is discarded.
	ctx context.Context
}

// commandResponse contains the result of an AT command execution.
type commandResponse struct {
	// lines are the classified response lines, in arrival order, including
	// the final line.
	lines []at.Response
	// err contains any error that occurred during command execution.
	err error
}

// New creates a new Modem instance with the given configuration.
// It establishes the transport connection and verifies the module answers
// the AT sanity check.
//
// Returns an error if the transport connection or module initialization
// fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	m := &Modem{
		transport: transport,
		config:    config,
		log:       config.Logger,
		commands:  make(chan *commandRequest),
		events:    make(chan at.Response, 100), // Buffered to prevent blocking the loop
		tracker:   newEventTracker(),
		done:      make(chan struct{}),
	}

	initCtx := ctx
	if config.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.InitTimeout)
		defer cancel()
	}

	if err := m.init(initCtx); err != nil {
		if m.transport != nil {
			transport.Close()
		}
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return m, nil
}

// Loop is the main event loop that handles all transport I/O operations.
// It must be called exactly once after New() and before any other modem
// operations. The Loop coordinates all communication with the module:
//
// 1. Processes command requests from exec() calls
// 2. Writes AT commands to the transport
// 3. Reads and classifies responses from the transport
// 4. Routes unsolicited events to awaiting operations
// 5. Enforces per-command deadlines and timeout retries
// 6. Returns command responses to waiting exec() calls
//
// The Loop runs until the provided context is cancelled or the transport
// fails. It's the ONLY goroutine that reads from the transport, preventing
// race conditions and ensuring events are never lost.
//
// Usage:
//
//	modem, err := New(ctx, config)
//	if err != nil { return err }
//
//	// Start the loop (typically in a goroutine)
//	go modem.Loop(ctx)
//
//	// Now commands will work
//	version, err := modem.GetVersion(ctx)
func (m *Modem) Loop(ctx context.Context) error {
	m.mu.Lock()
	if m.loopRunning {
		m.mu.Unlock()
		return ErrLoopRunning
	}
	m.loopRunning = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.loopRunning = false
		m.mu.Unlock()
		m.tracker.abandon()
		m.doneOnce.Do(func() { close(m.done) })
	}()

	scanner := bufio.NewScanner(m.transport)
	scanner.Split(at.Splitter)

	// Channels for tokens and errors from the scanner goroutine
	tokens := make(chan string, 10)
	scanErrs := make(chan error, 1)

	// Start goroutine to read tokens from transport
	go func() {
		defer close(tokens)
		for scanner.Scan() {
			token := scanner.Text()
			if token == "" {
				continue
			}
			select {
			case tokens <- token:
			case <-ctx.Done():
				return
			}
		}
		// Scanner stopped - check if there was an error
		if err := scanner.Err(); err != nil {
			select {
			case scanErrs <- err:
			case <-ctx.Done():
			}
		}
	}()

	// Command in flight and its accumulating result
	var (
		current *commandRequest
		lines   []at.Response
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	arm := func(d time.Duration) {
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(d)
		timerC = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	// finish resolves the command in flight and frees the slot for the next
	// queued command. A command cancelled by its caller has its response
	// discarded: the wire effects are not undone, only the result dropped.
	finish := func(resp commandResponse) {
		if current == nil {
			return
		}
		select {
		case <-current.ctx.Done():
		default:
			current.respChan <- resp
		}
		current = nil
		lines = nil
		if timer != nil {
			timer.Stop()
		}
		timerC = nil
	}

	// send writes the command line of the in-flight command and arms its
	// deadline. A write failure resolves the command immediately.
	send := func() {
		wire := strings.TrimSpace(current.text) + at.CRLF
		if _, err := m.transport.Write([]byte(wire)); err != nil {
			finish(commandResponse{err: fmt.Errorf("write command %q: %w", current.text, err)})
			return
		}
		timeout := current.timeout
		if timeout <= 0 {
			timeout = m.config.ATTimeout
		}
		arm(timeout)
	}

	for {
		// Accept a new command only while no command is in flight: the
		// protocol has a single outstanding-command slot.
		cmdCh := m.commands
		if current != nil {
			cmdCh = nil
		}

		select {
		case <-ctx.Done():
			finish(commandResponse{err: ctx.Err()})
			return ctx.Err()

		case req := <-cmdCh:
			current = req
			lines = nil
			send()

		case token, ok := <-tokens:
			if !ok {
				// The scanner goroutine reports its error before closing the
				// token channel, so a pending error takes precedence over EOF.
				finish(commandResponse{err: ErrClosed})
				select {
				case err := <-scanErrs:
					return fmt.Errorf("scanner error: %w", err)
				default:
				}
				return io.EOF
			}

			resp := m.config.Profile.Classify(token)

			switch resp.Type {
			case at.TypeEvent:
				// Events are never correlated to the command in flight
				m.dispatchEvent(resp)

			case at.TypeOK:
				if current == nil {
					m.log.Warn("orphaned final response", "line", resp.Raw)
					break
				}
				lines = append(lines, resp)
				finish(commandResponse{lines: lines})

			case at.TypeError:
				if current == nil {
					m.log.Warn("orphaned error response", "line", resp.Raw)
					break
				}
				lines = append(lines, resp)
				finish(commandResponse{lines: lines, err: &ModuleError{Verb: resp.Verb, Code: resp.Code}})

			case at.TypeData:
				if current == nil {
					m.log.Warn("discarding data line with no command in flight", "line", resp.Raw)
					break
				}
				lines = append(lines, resp)
				if current.shape == shapeSingle {
					finish(commandResponse{lines: lines})
				}

			case at.TypeUnknown:
				m.log.Warn("discarding unrecognized line", "line", resp.Raw)
			}

			// Check if the command in flight was cancelled by its caller
			if current != nil {
				select {
				case <-current.ctx.Done():
					finish(commandResponse{err: fmt.Errorf("command cancelled: %w", current.ctx.Err())})
				default:
				}
			}

		case <-timerC:
			if current == nil {
				timerC = nil
				break
			}
			if current.retries > 0 {
				// Transient: no response at all. Re-send the identical
				// command text; the in-flight slot keeps its place at the
				// head of the queue.
				current.retries--
				lines = nil
				m.log.Debug("command timed out, retrying",
					"cmd", current.text, "retries_left", current.retries)
				send()
				break
			}
			finish(commandResponse{err: ErrTimeout})

		case err := <-scanErrs:
			// Transport failure is session-fatal
			finish(commandResponse{err: ErrClosed})
			return fmt.Errorf("scanner error: %w", err)
		}
	}
}

// dispatchEvent hands an unsolicited line to the oldest operation awaiting
// its kind. Events that no operation claimed are offered to the Events
// channel for observers; a full channel drops the event with a diagnostic.
func (m *Modem) dispatchEvent(resp at.Response) {
	if m.tracker.dispatch(resp) {
		return
	}
	select {
	case m.events <- resp:
	default:
		m.log.Warn("event channel full, dropping event", "line", resp.Raw)
	}
}

// Events returns a read-only channel carrying unsolicited lines that no
// awaiting operation claimed. The channel is buffered but may drop events
// if not consumed fast enough.
func (m *Modem) Events() <-chan at.Response {
	return m.events
}

// Close shuts down the modem and releases all resources. The command in
// flight and every queued command resolve with ErrClosed, as do all pending
// asynchronous operations. After calling Close(), the modem cannot be
// reused.
func (m *Modem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	m.closed = true
	m.mu.Unlock()

	if m.transport != nil {
		// Closing the transport unblocks the reader; the Loop exits and
		// broadcasts ErrClosed to all waiters.
		return m.transport.Close()
	}

	return nil
}

func (m *Modem) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// init performs the initial sanity check for the module hardware. This
// method is called during New() and must complete successfully before the
// modem can be used.
func (m *Modem) init(ctx context.Context) error {
	// Wake-up / sanity check; the module answers "+AT: OK" when alive.
	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(150 * time.Millisecond):
			}
		}
		if _, err := m.execDirect(ctx, "AT", shapeSingle); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("modem not responding: %w", lastErr)
}

// exec sends an AT command to the module and waits for the response.
// This method coordinates with Loop() to ensure thread-safe command
// execution. Loop() must be running before calling this method.
func (m *Modem) exec(ctx context.Context, cmd string, shape responseShape, timeout time.Duration, retries int) ([]at.Response, error) {
	if m.isClosed() {
		return nil, ErrAlreadyClosed
	}
	if m.transport == nil {
		return nil, ErrNotInitialized
	}

	req := &commandRequest{
		text:     cmd,
		shape:    shape,
		timeout:  timeout,
		retries:  retries,
		respChan: make(chan commandResponse, 1), // Buffered to prevent blocking the Loop
		ctx:      ctx,
	}

	// Send request to Loop
	select {
	case m.commands <- req:
		// Request queued successfully
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("command cancelled before sending: %w", ctx.Err())
	}

	// Wait for response from Loop
	select {
	case resp := <-req.respChan:
		return resp.lines, resp.err
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("command cancelled: %w", ctx.Err())
	}
}

// execDirect executes an AT command directly on the transport without using
// the channel mechanism and handles the complete request-response cycle
// including timeout management. It is used during initialization when the
// Loop is not yet running.
//
// WARNING: This method should only be used during initialization.
// Use exec() for normal operations.
func (m *Modem) execDirect(ctx context.Context, cmd string, shape responseShape) ([]at.Response, error) {
	if m.isClosed() {
		return nil, ErrAlreadyClosed
	}
	if m.transport == nil {
		return nil, ErrNotInitialized
	}

	if _, ok := ctx.Deadline(); !ok && m.config.ATTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ATTimeout)
		defer cancel()
	}

	wire := strings.TrimSpace(cmd) + at.CRLF
	if _, err := m.transport.Write([]byte(wire)); err != nil {
		return nil, fmt.Errorf("write command %q: %w", cmd, err)
	}

	scanner := bufio.NewScanner(m.transport)
	scanner.Split(at.Splitter)

	var lines []at.Response

	for {
		select {
		case <-ctx.Done():
			return lines, ctx.Err()
		default:
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return lines, fmt.Errorf("read error: %w", err)
			}
			return lines, io.EOF
		}

		token := scanner.Text()
		if token == "" {
			continue
		}

		resp := m.config.Profile.Classify(token)

		switch resp.Type {
		case at.TypeOK:
			lines = append(lines, resp)
			return lines, nil
		case at.TypeError:
			lines = append(lines, resp)
			return lines, &ModuleError{Verb: resp.Verb, Code: resp.Code}
		case at.TypeData:
			lines = append(lines, resp)
			if shape == shapeSingle {
				return lines, nil
			}
		case at.TypeEvent:
			// No operation can await events before the Loop runs
			m.log.Debug("discarding event during init", "line", resp.Raw)
		case at.TypeUnknown:
			m.log.Warn("discarding unrecognized line", "line", resp.Raw)
		}
	}
}
