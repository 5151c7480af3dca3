package messaging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userCreated struct {
	Login string `json:"login"`
	Email string `json:"email"`
}

type userCreatedV1 struct {
	Login string `json:"user_login"`
}

func TestEncodeDecode(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register[userCreated](r, "useraccess.UserCreated", 2))

	tag, data, err := r.Encode(&userCreated{Login: "admin", Email: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "useraccess.UserCreated.v2", tag)
	assert.JSONEq(t, `{"login":"admin","email":"a@x.com"}`, string(data))

	v, err := r.Decode(tag, data)
	require.NoError(t, err)
	assert.Equal(t, &userCreated{Login: "admin", Email: "a@x.com"}, v)
}

func TestLegacyVersionUpcasts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register[userCreated](r, "useraccess.UserCreated", 2))
	require.NoError(t, RegisterDecoder(r, "useraccess.UserCreated", 1, func(data []byte) (any, error) {
		var old userCreatedV1
		if err := json.Unmarshal(data, &old); err != nil {
			return nil, err
		}
		return &userCreated{Login: old.Login}, nil
	}))

	v, err := r.Decode("useraccess.UserCreated.v1", []byte(`{"user_login":"legacy"}`))
	require.NoError(t, err)
	assert.Equal(t, &userCreated{Login: "legacy"}, v)

	// encoding always uses the current version
	tag, _, err := r.Encode(&userCreated{})
	require.NoError(t, err)
	assert.Equal(t, "useraccess.UserCreated.v2", tag)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register[userCreated](r, "a", 1))

	assert.ErrorIs(t, Register[userCreated](r, "b", 1), ErrAlreadyRegistered)
	assert.ErrorIs(t, Register[userCreatedV1](r, "a", 1), ErrAlreadyRegistered)
	assert.Panics(t, func() { MustRegister[userCreated](r, "a", 1) })
}

func TestUnknownTypes(t *testing.T) {
	r := NewRegistry()

	_, _, err := r.Encode(&userCreated{})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = r.Decode("nope.v1", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.False(t, r.Known("nope.v1"))
}

func TestDecodeRejectsBadPayload(t *testing.T) {
	r := NewRegistry()
	MustRegister[userCreated](r, "u", 1)

	_, err := r.Decode("u.v1", []byte(`{not json`))
	assert.Error(t, err)
}

func TestEncodeRequiresPointer(t *testing.T) {
	r := NewRegistry()
	MustRegister[userCreated](r, "u", 1)

	// value types are not registered, only *T
	_, _, err := r.Encode(userCreated{})
	assert.ErrorIs(t, err, ErrUnknownType)
}
