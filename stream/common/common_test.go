package common

import (
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestResponseKey(t *testing.T) {
	assert.Equal(t, uint16(0x8011), ResponseKey(KeyPeerProperties))
	assert.True(t, IsResponseKey(ResponseKey(KeyOpen)))
	assert.False(t, IsResponseKey(KeyOpen))
	assert.Equal(t, KeyOpen, RequestKey(ResponseKey(KeyOpen)))
}

func TestErrorMessageOf(t *testing.T) {
	tests := []struct {
		code     uint16
		expected string
	}{
		{0x02, "Stream does not exist"},
		{0x04, "Subscription ID does not exist"},
		{0x06, "Stream not available"},
		{0x12, "Publisher does not exist"},
		{0x99, "Unknown error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ErrorMessageOf(tt.code))
	}
}

func TestResponseError(t *testing.T) {
	err := errors.Wrap(&ResponseError{Key: ResponseKey(KeyDeclarePublisher), Code: ResponseCodeStreamDoesNotExist}, "declare")
	assert.True(t, IsResponseCode(err, ResponseCodeStreamDoesNotExist))
	assert.False(t, IsResponseCode(err, ResponseCodeStreamNotAvailable))
	assert.Contains(t, err.Error(), "Stream does not exist")
}

func TestConfigValidate(t *testing.T) {
	conf := DefaultClientConfig()
	assert.NoError(t, conf.Validate())

	conf.Mechanism = "SCRAM-SHA-256"
	err := conf.Validate()
	var protoErr *ProtocolError
	assert.True(t, errors.As(err, &protoErr))

	conf = DefaultClientConfig()
	conf.Hostname = ""
	assert.Error(t, conf.Validate())
}

func TestDialEndpoint(t *testing.T) {
	conf := DefaultClientConfig()
	assert.Equal(t, "localhost:5552", conf.DialEndpoint())

	conf.AddressResolver = AddressResolverConf{Enabled: true, Host: "lb.local"}
	assert.Equal(t, "lb.local:5552", conf.DialEndpoint())
}

func TestSupportsVersion(t *testing.T) {
	versions := ClientSupportedVersions(true)
	assert.True(t, SupportsVersion(versions, KeyPublish, 2))
	assert.False(t, SupportsVersion(ClientSupportedVersions(false), KeyPublish, 2))
	assert.False(t, SupportsVersion(nil, KeyPublish, 1))
}
