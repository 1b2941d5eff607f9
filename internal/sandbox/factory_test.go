package sandbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/sandboxd/internal/config"
	"github.com/appforge/sandboxd/internal/logging"
)

type nullProvider struct {
	Provider
	name string
}

func (n *nullProvider) Name() string { return n.name }

func builderFor(name string) Builder {
	return func(cfg *config.Config, deps Deps) (Provider, error) {
		return &nullProvider{name: name}, nil
	}
}

func TestFactoryBuildSelectsBackend(t *testing.T) {
	f := NewFactory()
	require.NoError(t, f.Register("docker", builderFor("docker")))
	require.NoError(t, f.Register("remote", builderFor("remote")))

	cfg := config.Default()
	cfg.VM.Backend = "remote"

	p, err := f.Build(cfg, Deps{Logger: logging.NewNop()})
	require.NoError(t, err)
	assert.Equal(t, "remote", p.Name())
}

func TestFactoryUnknownBackend(t *testing.T) {
	f := NewFactory()
	require.NoError(t, f.Register("docker", builderFor("docker")))

	cfg := config.Default()
	cfg.VM.Backend = "hyperweave"

	_, err := f.Build(cfg, Deps{Logger: logging.NewNop()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownBackend)
	assert.Contains(t, err.Error(), "hyperweave")
}

func TestFactoryRejectsDuplicateRegistration(t *testing.T) {
	f := NewFactory()
	require.NoError(t, f.Register("docker", builderFor("docker")))
	assert.Error(t, f.Register("docker", builderFor("docker")))
	assert.Error(t, f.Register("", builderFor("")))
}

func TestFactoryBuilderErrorIsWrapped(t *testing.T) {
	f := NewFactory()
	boom := errors.New("daemon unreachable")
	require.NoError(t, f.Register("docker", func(cfg *config.Config, deps Deps) (Provider, error) {
		return nil, boom
	}))

	cfg := config.Default()
	_, err := f.Build(cfg, Deps{Logger: logging.NewNop()})
	assert.ErrorIs(t, err, boom)
}

func TestBackendsSorted(t *testing.T) {
	f := NewFactory()
	require.NoError(t, f.Register("remote", builderFor("remote")))
	require.NoError(t, f.Register("docker", builderFor("docker")))
	require.NoError(t, f.Register("fleet", builderFor("fleet")))

	assert.Equal(t, []string{"docker", "fleet", "remote"}, f.Backends())
}
