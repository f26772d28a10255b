package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"telehealth-chat/internal/storage"
)

type StoreMock struct {
	mock.Mock
}

func (m *StoreMock) Store(ctx context.Context, data []byte, mimeType, suggestedName string) (storage.Descriptor, error) {
	args := m.Called(ctx, data, mimeType, suggestedName)
	var desc storage.Descriptor
	if val := args.Get(0); val != nil {
		desc = val.(storage.Descriptor)
	}
	return desc, args.Error(1)
}

func (m *StoreMock) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

var _ storage.Store = (*StoreMock)(nil)
