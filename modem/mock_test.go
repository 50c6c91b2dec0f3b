package modem_test

import (
	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/loragw/modem"
)

// initMockCalls returns the transport calls of a successful initialization:
// the AT sanity ping and its answer.
func initMockCalls(transport *modem.MockTransport) []any {
	return NewMockSequence(transport).AT().Build()
}

type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte("AT\r\n")).Return(4, nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			resp := "+AT: OK\r\n"
			copy(p, resp)
			return len(resp), nil
		}),
	)
	return b
}

// ATRejected answers the sanity ping with a module error, covering the four
// initialization attempts New makes before giving up.
func (b *MockSequenceBuilder) ATRejected() *MockSequenceBuilder {
	for i := 0; i < 4; i++ {
		b.calls = append(b.calls,
			b.transport.EXPECT().Write([]byte("AT\r\n")).Return(4, nil),
			b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				resp := "+AT: ERROR(-1)\r\n"
				copy(p, resp)
				return len(resp), nil
			}),
		)
	}
	return b
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}
