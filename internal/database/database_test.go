package database_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/pulsewatch/internal/database"
)

func TestConfig_ConnectionString(t *testing.T) {
	cfg := database.Config{
		Host:     "db.internal",
		Port:     5432,
		User:     "pulse",
		Password: "p@ss:w/rd",
		Database: "pulsewatch",
		SSLMode:  "require",
	}

	u, err := url.Parse(cfg.ConnectionString())
	require.NoError(t, err)

	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "db.internal:5432", u.Host)
	assert.Equal(t, "/pulsewatch", u.Path)

	pass, ok := u.User.Password()
	require.True(t, ok)
	assert.Equal(t, "p@ss:w/rd", pass)
	assert.Equal(t, "require", u.Query().Get("sslmode"))
	assert.Equal(t, database.DefaultApplicationName, u.Query().Get("application_name"))
}

func TestConfig_ConnectionStringDefaults(t *testing.T) {
	cfg := database.Config{Host: "localhost", Port: 5432, User: "u", Database: "d", ApplicationName: "pulsewatch-worker"}

	u, err := url.Parse(cfg.ConnectionString())
	require.NoError(t, err)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
	assert.Equal(t, "pulsewatch-worker", u.Query().Get("application_name"))
}

func TestConfig_URLOverride(t *testing.T) {
	cfg := database.Config{URL: "postgres://x@y/z", Host: "ignored"}
	assert.Equal(t, "postgres://x@y/z", cfg.ConnectionString())
}
