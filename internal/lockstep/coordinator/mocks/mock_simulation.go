package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

// MockSimulation is a mock implementation of coordinator.Simulation
type MockSimulation struct {
	mock.Mock
}

func (m *MockSimulation) ApplyTurn(turn protocol.Turn, cmds []protocol.Command) error {
	args := m.Called(turn, cmds)
	return args.Error(0)
}
