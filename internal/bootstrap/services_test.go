package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rechnio/rechnio-go/config"
	"github.com/rechnio/rechnio-go/internal/data/cryptoutil"
)

func TestErrorChannelBufferSize(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 2,
		},
		{
			name:  "scheduler only",
			modes: []config.ServiceMode{config.ServiceModeScheduler},
			want:  3,
		},
		{
			name: "all services enabled",
			modes: []config.ServiceMode{
				config.ServiceModeScheduler,
				config.ServiceModeDeliverySweeper,
			},
			want: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			assert.Equal(t, tt.want, errorChannelBufferSize(enabled))
		})
	}
}

func TestValidateServiceConfig(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		require.Error(t, ValidateServiceConfig(nil))
	})

	t.Run("unknown service", func(t *testing.T) {
		cfg := &config.AppConfig{Services: "http"}
		require.Error(t, ValidateServiceConfig(cfg))
	})

	t.Run("valid services", func(t *testing.T) {
		cfg := &config.AppConfig{Services: "scheduler,delivery-sweeper"}
		require.NoError(t, ValidateServiceConfig(cfg))
	})
}

func TestGetEnabledServices(t *testing.T) {
	assert.Empty(t, GetEnabledServices(nil))

	cfg := &config.AppConfig{Services: "scheduler,delivery-sweeper"}
	assert.ElementsMatch(t, []string{"scheduler", "delivery-sweeper"}, GetEnabledServices(cfg))

	cfg = &config.AppConfig{Services: "bogus"}
	assert.Empty(t, GetEnabledServices(cfg))
}

func TestCreateEncryptor(t *testing.T) {
	t.Run("empty key falls back to noop", func(t *testing.T) {
		enc := CreateEncryptor("", nil)
		_, ok := enc.(*cryptoutil.NoopEncryptor)
		assert.True(t, ok)
	})

	t.Run("hex key round trips", func(t *testing.T) {
		key := "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f"
		enc := CreateEncryptor(key, nil)

		ciphertext, err := enc.Encrypt([]byte("credential blob"))
		require.NoError(t, err)
		assert.NotContains(t, ciphertext, "credential blob")

		plain, err := enc.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, []byte("credential blob"), plain)
	})

	t.Run("passphrase is hashed to a 32-byte key", func(t *testing.T) {
		enc := CreateEncryptor("not-a-hex-key", nil)

		ciphertext, err := enc.Encrypt([]byte("secret"))
		require.NoError(t, err)

		plain, err := enc.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, []byte("secret"), plain)
	})
}
