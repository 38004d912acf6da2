package tabs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rpggio/parley/internal/broadcast"
	"github.com/rpggio/parley/internal/repository/mocks"
	"github.com/rpggio/parley/internal/tabs"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRegister_RegistryFailure(t *testing.T) {
	reg := &mocks.TabRepository{}
	reg.On("Update", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()
	reg.On("Update", mock.Anything, mock.Anything).Return(nil)

	c := tabs.NewCoordinator(reg, broadcast.NewHub(nil).Open(tabs.Topic), nil, tabs.WithTabID("me"))
	defer c.Close(context.Background())

	_, err := c.Register(context.Background(), "/c/1", "")
	require.ErrorContains(t, err, "disk full")

	require.NoError(t, c.Close(context.Background()))
	reg.AssertNumberOfCalls(t, "Update", 2)
}
