package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) InsertIgnore(ctx context.Context, record JobRecord) (bool, error) {
	args := m.Called(ctx, record)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) UpdateIfNewer(ctx context.Context, update StatusUpdate) (int64, error) {
	args := m.Called(ctx, update)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) FindByID(ctx context.Context, id string) (*JobRecord, error) {
	args := m.Called(ctx, id)
	if r := args.Get(0); r != nil {
		return r.(*JobRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) FindAll(ctx context.Context, limit, offset int) ([]JobRecord, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]JobRecord), args.Error(1)
}

func (m *MockStore) CountAll(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
