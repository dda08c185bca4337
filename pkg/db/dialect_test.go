package db

import (
	"testing"

	"github.com/smallbiznis/settlement/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectRefusesMySQL(t *testing.T) {
	_, err := Dialect(config.Config{DBType: "mysql", DBName: "settlement"})
	require.ErrorIs(t, err, ErrUnsupportedDialect)

	_, err = Dialect(config.Config{DBType: "oracle"})
	require.ErrorIs(t, err, ErrUnsupportedDialect)
}

func TestDialectOpensSupportedTypes(t *testing.T) {
	pg, err := Dialect(config.Config{DBType: "postgres", DBHost: "localhost", DBName: "settlement"})
	require.NoError(t, err)
	assert.Equal(t, "postgres", pg.Name())

	lite, err := Dialect(config.Config{DBType: "sqlite", DBName: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", lite.Name())
}
