package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewFrameWriter(&buf, 0)
	require.NoError(t, w.WriteMessage(Register{Type: TypeRegister, Token: "tok"}))
	require.NoError(t, w.WriteMessage(NewHeartbeatAck("READY")))

	r := NewFrameReader(&buf, 0)

	first, err := r.ReadFrame()
	require.NoError(t, err)
	typ, err := PeekType(first)
	require.NoError(t, err)
	assert.Equal(t, TypeRegister, typ)

	var reg Register
	require.NoError(t, json.Unmarshal(first, &reg))
	assert.Equal(t, "tok", reg.Token)

	second, err := r.ReadFrame()
	require.NoError(t, err)
	typ, err = PeekType(second)
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeatAck, typ)

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameHeaderIsBigEndianLength(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, NewFrameWriter(&buf, 0).WriteFrame([]byte(`{"type":"x"}`)))

	raw := buf.Bytes()
	require.Len(t, raw, 4+12)
	assert.Equal(t, []byte{0, 0, 0, 12}, raw[:4])
}

func TestReadFrameRejectsOversizedFrameBeforeBody(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 1024)
	buf.Write(header)
	// Body intentionally absent: the reader must fail on the header alone.

	_, err := NewFrameReader(&buf, 512).ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameRejectsEmptyFrame(t *testing.T) {
	t.Parallel()

	_, err := NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 0}), 0).ReadFrame()
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	t.Parallel()

	raw := []byte{0, 0, 0, 10, '{', '}'}
	_, err := NewFrameReader(bytes.NewReader(raw), 0).ReadFrame()
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteFrameRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := NewFrameWriter(&buf, 4).WriteFrame([]byte("12345"))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len())
}

func TestPeekType(t *testing.T) {
	t.Parallel()

	_, err := PeekType([]byte(`{"token":"x"}`))
	assert.ErrorIs(t, err, ErrMissingType)

	_, err = PeekType([]byte(`not json`))
	assert.Error(t, err)

	typ, err := PeekType([]byte(`{"type":"something_new"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageType("something_new"), typ)
}

func TestTaskResultWireNames(t *testing.T) {
	t.Parallel()

	code := 2
	body, err := json.Marshal(TaskResult{
		Type:      TypeTaskResult,
		TaskID:    "t",
		Success:   false,
		ExitCode:  &code,
		Artifacts: map[string]string{"sarif": "s3://x"},
	})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(body, &fields))
	assert.Equal(t, "task_result", fields["type"])
	assert.Equal(t, "t", fields["taskId"])
	assert.Equal(t, float64(2), fields["exitCode"])
	assert.Contains(t, fields, "artifacts")
	assert.NotContains(t, fields, "stageId")
}
