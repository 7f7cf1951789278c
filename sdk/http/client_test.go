package http

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	t.Parallel()
	t.Run("no-ca", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c, err := NewClient("", 5*time.Second)
		require.NoError(err)
		assert.Equal(5*time.Second, c.Timeout)
		assert.NotNil(c.Transport)
		assert.NotNil(c.CheckRedirect)
	})
	t.Run("bad-ca", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c, err := NewClient("not-a-pem", time.Second)
		require.Error(err)
		assert.Nil(c)
		assert.Truef(errors.Is(err, ErrInvalidCertificatePem), "wanted \"%s\" but got \"%s\"", ErrInvalidCertificatePem, err)
	})
}
