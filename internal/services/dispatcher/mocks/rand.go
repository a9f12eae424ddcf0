package mocks

import "github.com/stretchr/testify/mock"

type Rand struct {
	mock.Mock
}

func (m *Rand) Intn(n int) int {
	return m.Called(n).Int(0)
}
