package modem_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"i4.energy/across/loragw/modem"
)

func TestModemNew(t *testing.T) {
	t.Run("Initialization Success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(sliceConcat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			initMockCalls(mockTransport),
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()

		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}
		m, err := modem.New(context.Background(), config)

		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if m == nil {
			t.Error("New() should return valid modem on success")
		}

		// Clean up
		mockTransport.EXPECT().Close().Return(nil)
		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	})

	t.Run("Initialization fails when module rejects the sanity ping", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		calls := NewMockSequence(mockTransport).
			ATRejected().
			Build()

		gomock.InOrder(
			sliceConcat(
				[]any{
					mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
				},
				calls,
				[]any{
					mockTransport.EXPECT().Close(),
				},
			)...,
		)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err == nil {
			t.Error("expected error when module rejects the sanity ping")
		}
		var modErr *modem.ModuleError
		if !errors.As(err, &modErr) {
			t.Errorf("expected ModuleError, got: %v", err)
		}
		if m != nil {
			t.Error("New() should return nil modem when error occurs")
		}
	})

	t.Run("Dialer error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, errors.New("connection failed"))

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()

		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		ctx := context.Background()
		m, err := modem.New(ctx, config)

		if err == nil {
			t.Error("expected error from dialer failure")
		}
		if m != nil {
			t.Error("New() should return nil modem when dialer fails")
		}
	})

	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		m, err := modem.New(context.Background(), modem.Config{})
		if !errors.Is(err, modem.ErrNoDialer) {
			t.Errorf("expected ErrNoDialer from New(), got: %v", err)
		}
		if m != nil {
			t.Error("New() should return nil modem when no dialer provided")
		}
	})

	t.Run("ErrNotInitialized on nil transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, nil)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()

		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		// This should create a modem with nil transport, putting it in "not initialized" state
		_, err = modem.New(context.Background(), config)
		if !errors.Is(err, modem.ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized from New(), got: %v", err)
		}
	})
}

func TestModemClose(t *testing.T) {
	t.Run("Closes underlying transport successfully", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(sliceConcat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			initMockCalls(mockTransport),
			[]any{
				mockTransport.EXPECT().Close().Return(nil),
			},
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()

		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Errorf("unexpected error from New(): %v", err)
		}

		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	})

	t.Run("Returns transport error on close failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		closeError := errors.New("transport close failed")
		gomock.InOrder(sliceConcat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			initMockCalls(mockTransport),
			[]any{
				mockTransport.EXPECT().Close().Return(closeError),
			},
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()

		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Errorf("unexpected error from New(): %v", err)
		}

		if err := m.Close(); err != closeError {
			t.Errorf("expected transport error, got: %v", err)
		}
	})

	t.Run("ErrAlreadyClosed on double close", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(sliceConcat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			initMockCalls(mockTransport),
			[]any{
				mockTransport.EXPECT().Close().Return(nil),
			},
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()

		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Errorf("unexpected error from New(): %v", err)
		}
		if m == nil {
			t.Error("New() should return valid modem on success")
		}

		// First close should succeed
		err = m.Close()
		if err != nil {
			t.Errorf("first close should succeed, got error: %v", err)
		}

		// Second close should return ErrAlreadyClosed
		err = m.Close()
		if err != modem.ErrAlreadyClosed {
			t.Errorf("expected ErrAlreadyClosed on second close, got: %v", err)
		}
	})
}

func TestModemLoop(t *testing.T) {
	t.Run("Starts and stops on EOF", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(
			sliceConcat(
				[]any{
					mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
				},
				initMockCalls(mockTransport),
			)...,
		)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		m, err := modem.New(ctx, config)
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		allowEOF := make(chan struct{})

		// Loop should read continuously until context cancellation or EOF
		mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			<-allowEOF
			return 0, io.EOF
		})
		mockTransport.EXPECT().Close().Return(nil)

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- m.Loop(ctx)
		}()

		// Signal EOF and wait for Loop to complete
		close(allowEOF)
		err = <-loopDone

		if err != nil && !errors.Is(err, io.EOF) {
			t.Errorf("expected Loop to handle EOF gracefully, got: %v", err)
		}
	})

	t.Run("Dispatch unclaimed events to the Events channel", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(
			sliceConcat(
				[]any{
					mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
				},
				initMockCalls(mockTransport),
			)...,
		)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}

		ctx := context.Background()
		m, err := modem.New(ctx, config)
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		// Coordinate reads to ensure the event is processed before EOF
		allowEOF := make(chan struct{})

		gomock.InOrder(
			mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				return copy(p, "+JOIN: Network joined\r\n"), nil
			}),
			mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				<-allowEOF
				return 0, io.EOF
			}),
		)
		mockTransport.EXPECT().Close().Return(nil)

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- m.Loop(ctx)
		}()

		// No operation awaits the join, so it surfaces on the Events channel
		select {
		case ev := <-m.Events():
			if !strings.Contains(ev.Raw, "+JOIN:") {
				t.Errorf("expected event to contain +JOIN:, got: %q", ev.Raw)
			}
		case <-time.After(time.Second):
			t.Error("expected event to be received within timeout")
		}

		close(allowEOF)
		err = <-loopDone

		if err != nil && !errors.Is(err, io.EOF) {
			t.Errorf("expected Loop to handle EOF gracefully, got: %v", err)
		}
	})

	t.Run("Exits gracefully on context cancellation", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(
			sliceConcat(
				[]any{
					mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
				},
				initMockCalls(mockTransport),
			)...,
		)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		m, err := modem.New(ctx, config)
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		readStarted := make(chan struct{})

		// Read should block until context is cancelled
		mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			close(readStarted)
			<-ctx.Done()
			return 0, ctx.Err()
		})
		mockTransport.EXPECT().Close().Return(nil)

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- m.Loop(ctx)
		}()

		<-readStarted
		cancel()

		err = <-loopDone
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected Loop to return context.Canceled, got: %v", err)
		}
	})

	t.Run("Handle scanner errors from Transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(
			sliceConcat(
				[]any{
					mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
				},
				initMockCalls(mockTransport),
			)...,
		)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}

		ctx := context.Background()
		m, err := modem.New(ctx, config)
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		scannerError := errors.New("transport read error")

		mockTransport.EXPECT().Read(gomock.Any()).Return(0, scannerError)
		mockTransport.EXPECT().Close().Return(nil)

		// Loop should propagate scanner errors
		err = m.Loop(ctx)
		if err == nil {
			t.Error("expected Loop to return scanner error")
		}
		if !strings.Contains(err.Error(), "scanner error") {
			t.Errorf("expected scanner error to be wrapped, got: %v", err)
		}
	})

	t.Run("ErrLoopRunning on consecutive calls", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(
			sliceConcat(
				[]any{
					mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
				},
				initMockCalls(mockTransport),
			)...,
		)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		m, err := modem.New(ctx, config)
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		}).AnyTimes()
		mockTransport.EXPECT().Close().Return(nil)

		loopDone := make(chan error, 1)
		go func() {
			loopDone <- m.Loop(ctx)
		}()

		// Give first Loop time to start and set loopRunning flag
		time.Sleep(10 * time.Millisecond)

		err = m.Loop(ctx)
		if !errors.Is(err, modem.ErrLoopRunning) {
			t.Errorf("expected ErrLoopRunning, got: %v", err)
		}

		cancel()
		<-loopDone
	})
}

// newTestModem builds a modem over a channel-backed transport and starts its
// Loop. The returned transport drives the conversation from the test.
func newTestModem(t *testing.T, opts func(*modem.ConfigBuilder)) (*modem.Modem, *modem.TestTransport, func()) {
	t.Helper()

	tt := modem.NewTestTransport()

	// Answer the initialization ping
	go func() {
		if w := <-tt.Writes(); w == "AT" {
			tt.SendData("+AT: OK\r\n")
		}
	}()

	builder := modem.NewConfigBuilder().
		WithDialer(modem.TestDialer{Transport: tt})
	if opts != nil {
		opts(builder)
	}
	config, err := builder.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m, err := modem.New(ctx, config)
	if err != nil {
		cancel()
		t.Fatalf("failed to create modem: %v", err)
	}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- m.Loop(ctx)
	}()

	cleanup := func() {
		m.Close()
		cancel()
		<-loopDone
	}
	return m, tt, cleanup
}

// expectWrite asserts the next command line written to the transport.
func expectWrite(t *testing.T, tt *modem.TestTransport, want string) {
	t.Helper()
	select {
	case got := <-tt.Writes():
		if got != want {
			t.Fatalf("expected write %q, got %q", want, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected write %q within timeout", want)
	}
}

func TestModemCommandSequencing(t *testing.T) {
	t.Run("Commands run one at a time in submission order", func(t *testing.T) {
		m, tt, cleanup := newTestModem(t, nil)
		defer cleanup()

		first := make(chan error, 1)
		go func() {
			_, err := m.Command(context.Background(), "AT+VER", time.Second)
			first <- err
		}()

		expectWrite(t, tt, "AT+VER")

		// Submit a second command while the first is still in flight
		second := make(chan error, 1)
		go func() {
			_, err := m.Command(context.Background(), "AT+DR", time.Second)
			second <- err
		}()

		// The second command must not reach the wire yet
		select {
		case w := <-tt.Writes():
			t.Fatalf("unexpected write %q while a command is in flight", w)
		case <-time.After(50 * time.Millisecond):
		}

		tt.SendData("+VER: 4.0.11\r\n")
		if err := <-first; err != nil {
			t.Errorf("unexpected error from first command: %v", err)
		}

		expectWrite(t, tt, "AT+DR")
		tt.SendData("+DR: DR0\r\n")
		if err := <-second; err != nil {
			t.Errorf("unexpected error from second command: %v", err)
		}
	})

	t.Run("Module error resolves the command without retry", func(t *testing.T) {
		m, tt, cleanup := newTestModem(t, nil)
		defer cleanup()

		result := make(chan error, 1)
		go func() {
			_, err := m.Command(context.Background(), "AT+DR=XX915", time.Second)
			result <- err
		}()

		expectWrite(t, tt, "AT+DR=XX915")
		tt.SendData("+DR: ERROR(-1)\r\n")

		err := <-result
		var modErr *modem.ModuleError
		if !errors.As(err, &modErr) {
			t.Fatalf("expected ModuleError, got: %v", err)
		}
		if modErr.Code != -1 {
			t.Errorf("expected error code -1, got %d", modErr.Code)
		}

		// No retry write must follow
		select {
		case w := <-tt.Writes():
			t.Errorf("unexpected retry write %q after module error", w)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("Timeout retries re-send the identical command", func(t *testing.T) {
		m, tt, cleanup := newTestModem(t, func(b *modem.ConfigBuilder) {
			b.WithATTimeout(100 * time.Millisecond).WithMaxRetries(1)
		})
		defer cleanup()

		start := time.Now()
		result := make(chan error, 1)
		go func() {
			_, err := m.Command(context.Background(), "AT+VER", 0)
			result <- err
		}()

		// Original attempt plus one retry, then ErrTimeout
		expectWrite(t, tt, "AT+VER")
		expectWrite(t, tt, "AT+VER")

		err := <-result
		if !errors.Is(err, modem.ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got: %v", err)
		}
		if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
			t.Errorf("expected two full attempts before timeout, took %v", elapsed)
		}

		// The session stays usable for the next command
		next := make(chan error, 1)
		go func() {
			_, err := m.Command(context.Background(), "AT+DR", time.Second)
			next <- err
		}()
		expectWrite(t, tt, "AT+DR")
		tt.SendData("+DR: DR0\r\n")
		if err := <-next; err != nil {
			t.Errorf("expected session to survive a timeout, got: %v", err)
		}
	})

	t.Run("Events interleaved with a response do not complete the command", func(t *testing.T) {
		m, tt, cleanup := newTestModem(t, nil)
		defer cleanup()

		result := make(chan error, 1)
		go func() {
			_, err := m.Command(context.Background(), "AT+VER", time.Second)
			result <- err
		}()

		expectWrite(t, tt, "AT+VER")

		// An unsolicited event arrives before the command's response
		tt.SendData("+JOIN: Network joined\r\n")

		select {
		case ev := <-m.Events():
			if !strings.Contains(ev.Raw, "+JOIN:") {
				t.Errorf("expected join event, got %q", ev.Raw)
			}
		case <-time.After(time.Second):
			t.Fatal("expected event on the Events channel")
		}

		// The command must still be pending
		select {
		case err := <-result:
			t.Fatalf("command completed prematurely: %v", err)
		case <-time.After(50 * time.Millisecond):
		}

		tt.SendData("+VER: 4.0.11\r\n")
		if err := <-result; err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Concurrent close and command submission", func(t *testing.T) {
		m, _, cleanup := newTestModem(t, nil)
		defer cleanup()

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.Command(context.Background(), "AT+VER", time.Minute)
				if err != nil &&
					!errors.Is(err, modem.ErrClosed) &&
					!errors.Is(err, modem.ErrAlreadyClosed) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}

		time.Sleep(10 * time.Millisecond)
		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
		wg.Wait()
	})

	t.Run("Close resolves in-flight and queued commands with ErrClosed", func(t *testing.T) {
		m, tt, cleanup := newTestModem(t, nil)
		defer cleanup()

		inflight := make(chan error, 1)
		go func() {
			_, err := m.Command(context.Background(), "AT+VER", time.Minute)
			inflight <- err
		}()
		expectWrite(t, tt, "AT+VER")

		queued := make(chan error, 1)
		go func() {
			_, err := m.Command(context.Background(), "AT+DR", time.Minute)
			queued <- err
		}()

		if err := m.Close(); err != nil {
			t.Fatalf("unexpected error from Close(): %v", err)
		}

		for name, ch := range map[string]chan error{"in-flight": inflight, "queued": queued} {
			select {
			case err := <-ch:
				if !errors.Is(err, modem.ErrClosed) {
					t.Errorf("expected ErrClosed for %s command, got: %v", name, err)
				}
			case <-time.After(time.Second):
				t.Errorf("expected %s command to resolve after Close", name)
			}
		}
	})
}
