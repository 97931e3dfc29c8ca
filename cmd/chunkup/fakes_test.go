package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-resumable/chunk"
	"github.com/stretchr/testify/require"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

func newEnv(envVars map[string]string) fakeEnvRepo {
	if envVars == nil {
		envVars = map[string]string{}
	}
	return fakeEnvRepo{envVars: envVars}
}

func writeFile(t *testing.T, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, data, 0600))
	return data
}

func identifierOf(t *testing.T, path string) string {
	t.Helper()
	src, err := chunk.OpenFile(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, src.Close()) }()
	return chunk.Identifier(src.Name(), src.Size(), src.ModTime())
}
