package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bybx/internal/security"
)

func slotOf(b byte) []byte {
	return bytes.Repeat([]byte{b}, BindingSize)
}

func TestBind(t *testing.T) {
	original, key := sealed(t, Header{OrderReference: "ORD-1234", ProductID: 42}, []byte("report"))
	snapshot := bytes.Clone(original)

	bound, err := Bind(original, slotOf(0xA1))
	require.NoError(t, err)

	assert.Equal(t, snapshot, original, "input must not be modified")

	env, err := Parse(bound)
	require.NoError(t, err)
	assert.True(t, env.IsBound())
	assert.Equal(t, slotOf(0xA1), env.BindingSlot)

	// only the slot differs
	assert.Equal(t, original[:BindingOffset], bound[:BindingOffset])
	assert.Equal(t, original[BindingOffset+BindingSize:], bound[BindingOffset+BindingSize:])

	// the stamped envelope still decrypts
	plaintext, err := security.Decrypt(env.Ciphertext, env.IV, env.AuthTag, key, env.AssociatedData())
	require.NoError(t, err)
	assert.Equal(t, []byte("report"), plaintext)
}

func TestBind_SameSlotIsIdempotent(t *testing.T) {
	original, _ := sealed(t, Header{OrderReference: "ORD-1234", ProductID: 42}, []byte("report"))

	once, err := Bind(original, slotOf(0xA1))
	require.NoError(t, err)
	twice, err := Bind(once, slotOf(0xA1))
	require.NoError(t, err)

	assert.Equal(t, once, twice)
}

func TestBind_Rejections(t *testing.T) {
	original, _ := sealed(t, Header{OrderReference: "ORD-1234", ProductID: 42}, []byte("report"))
	bound, err := Bind(original, slotOf(0xA1))
	require.NoError(t, err)

	tests := []struct {
		name    string
		input   []byte
		slot    []byte
		wantErr error
	}{
		{name: "different slot", input: bound, slot: slotOf(0xB2), wantErr: ErrSlotConflict},
		{name: "zero slot", input: original, slot: make([]byte, BindingSize), wantErr: ErrInvalidSlot},
		{name: "short slot", input: original, slot: slotOf(0xA1)[:32], wantErr: ErrInvalidSlot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Bind(tt.input, tt.slot)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err = Bind([]byte("not an envelope"), slotOf(0xA1))
	assert.Error(t, err)
}

func TestIsBound_AnyNonZeroByte(t *testing.T) {
	tests := []struct {
		name   string
		offset int
		bound  bool
	}{
		{name: "first slot byte", offset: BindingOffset, bound: true},
		{name: "middle slot byte", offset: BindingOffset + 31, bound: true},
		{name: "last slot byte", offset: BindingOffset + BindingSize - 1, bound: true},
		{name: "last product id byte", offset: BindingOffset - 1, bound: false},
		{name: "first reserved byte", offset: BindingOffset + BindingSize, bound: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := sealed(t, Header{OrderReference: "ORD-1", ProductID: 1}, []byte("x"))
			b[tt.offset] = 0xFF

			env, err := Parse(b)
			require.NoError(t, err)
			assert.Equal(t, tt.bound, env.IsBound())
		})
	}
}
