package kixdns

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineErrorMessageIncludesKind(t *testing.T) {
	err := newErr(ErrUpstreamTimeout, "dial %s failed", "1.1.1.1:53")
	assert.Equal(t, "upstream_timeout: dial 1.1.1.1:53 failed", err.Error())
}

func TestEngineErrorErrorsAs(t *testing.T) {
	var target *EngineError
	err := error(newErr(ErrSaturated, "no permits"))
	assert.True(t, errors.As(err, &target))
	assert.Equal(t, ErrSaturated, target.Kind)
}

func TestErrKindString(t *testing.T) {
	assert.Equal(t, "parse_error", ErrParse.String())
	assert.Equal(t, "policy_deny", ErrPolicyDeny.String())
	assert.Equal(t, "config_error", ErrConfig.String())
	assert.Equal(t, "saturated", ErrSaturated.String())
}

func TestWrapStartupNilPassthrough(t *testing.T) {
	assert.NoError(t, wrapStartup(nil, "context"))
}

func TestWrapStartupWrapsWithContext(t *testing.T) {
	base := errors.New("boom")
	err := wrapStartup(base, "dial upstream")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "dial upstream")
	assert.Contains(t, err.Error(), "boom")
}
