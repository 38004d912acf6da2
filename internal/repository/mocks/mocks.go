package mocks

import (
	"context"
	"io"

	"github.com/rpggio/parley/internal/domain/message"
	"github.com/rpggio/parley/internal/tabs"
	"github.com/stretchr/testify/mock"
)

// MessageRepository is a mock for repository.MessageRepository.
type MessageRepository struct {
	mock.Mock
}

func (m *MessageRepository) History(ctx context.Context, conversationID string) ([]message.Message, error) {
	args := m.Called(ctx, conversationID)
	if msgs, ok := args.Get(0).([]message.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MessageRepository) Send(ctx context.Context, conversationID string, out message.Outgoing) (message.Message, error) {
	args := m.Called(ctx, conversationID, out)
	if msg, ok := args.Get(0).(message.Message); ok {
		return msg, args.Error(1)
	}
	return message.Message{}, args.Error(1)
}

func (m *MessageRepository) Edit(ctx context.Context, conversationID, messageID, text string) (message.Message, error) {
	args := m.Called(ctx, conversationID, messageID, text)
	if msg, ok := args.Get(0).(message.Message); ok {
		return msg, args.Error(1)
	}
	return message.Message{}, args.Error(1)
}

func (m *MessageRepository) Delete(ctx context.Context, conversationID, messageID string) error {
	args := m.Called(ctx, conversationID, messageID)
	return args.Error(0)
}

// UploadRepository is a mock for repository.UploadRepository.
type UploadRepository struct {
	mock.Mock
}

func (m *UploadRepository) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	args := m.Called(ctx, name, r)
	return args.String(0), args.Error(1)
}

// PrefsRepository is a mock for repository.PrefsRepository.
type PrefsRepository struct {
	mock.Mock
}

func (m *PrefsRepository) LastSelected(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *PrefsRepository) SetLastSelected(ctx context.Context, conversationID string) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

func (m *PrefsRepository) PurgedIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *PrefsRepository) AddPurged(ctx context.Context, ids ...string) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

// TabRepository is a mock for repository.TabRepository.
type TabRepository struct {
	mock.Mock
}

func (m *TabRepository) Load(ctx context.Context) ([]tabs.Record, error) {
	args := m.Called(ctx)
	if recs, ok := args.Get(0).([]tabs.Record); ok {
		return recs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TabRepository) Update(ctx context.Context, fn func([]tabs.Record) ([]tabs.Record, error)) error {
	args := m.Called(ctx, fn)
	return args.Error(0)
}
