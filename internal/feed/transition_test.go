package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionKind(t *testing.T) {
	tests := []struct {
		name          string
		before, after string
		want          Kind
	}{
		{"join", "", "lobby", KindJoin},
		{"leave", "lobby", "", KindLeave},
		{"move", "lobby", "gaming", KindMove},
		{"none", "", "", KindNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := Transition{BeforeChannel: tt.before, AfterChannel: tt.after}
			assert.Equal(t, tt.want, tr.Kind())
			assert.Equal(t, tt.name, tr.Kind().String())
		})
	}
}

func TestDecode(t *testing.T) {
	tr, err := Decode([]byte(`{"subject_id":"42","group_id":"7","after_channel":"lobby","timestamp":"2026-03-10T12:00:00Z","subject_name":"Alice"}`))
	require.NoError(t, err)

	assert.Equal(t, "42", tr.SubjectID)
	assert.Equal(t, "7", tr.GroupID)
	assert.Equal(t, KindJoin, tr.Kind())
	assert.Equal(t, "Alice", tr.SubjectName)
	assert.True(t, tr.Timestamp.Equal(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)))
}

func TestDecode_Invalid(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"group_id":"7","after_channel":"lobby"}`,
		`{"subject_id":"42","after_channel":"lobby"}`,
	} {
		_, err := Decode([]byte(payload))
		assert.Error(t, err, payload)
	}
}

func TestDecode_Resync(t *testing.T) {
	tr, err := Decode([]byte(`{"group_id":"7","resync":true,"present":["1","2"]}`))
	require.NoError(t, err)

	assert.Equal(t, KindNone, tr.Kind())
	assert.True(t, tr.Resync)
	assert.Equal(t, []string{"1", "2"}, tr.Present)
}

func TestEncodeDecodeKeepsKind(t *testing.T) {
	in := Transition{SubjectID: "1", GroupID: "2", BeforeChannel: "a"}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindLeave, out.Kind())
}

func TestTee(t *testing.T) {
	var first, second []string
	sink := Tee(
		SinkFunc(func(ctx context.Context, tr Transition) { first = append(first, tr.SubjectID) }),
		SinkFunc(func(ctx context.Context, tr Transition) { second = append(second, tr.SubjectID) }),
	)

	sink.HandleTransition(context.Background(), Transition{SubjectID: "a"})
	sink.HandleTransition(context.Background(), Transition{SubjectID: "b"})

	assert.Equal(t, []string{"a", "b"}, first)
	assert.Equal(t, []string{"a", "b"}, second)
}
