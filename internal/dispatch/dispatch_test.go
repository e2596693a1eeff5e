package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_MarshalUnmarshal(t *testing.T) {
	task := Task{SubmissionID: 42, ProblemID: 7, Language: "cpp"}
	body, err := task.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalTask(body)
	require.NoError(t, err)
	assert.Equal(t, task, got)
}

func TestUnmarshalTask_Invalid(t *testing.T) {
	_, err := UnmarshalTask([]byte("not json"))
	assert.Error(t, err)
}

func TestFakeConsumer_AckNack(t *testing.T) {
	fc := &FakeConsumer{Tasks: []Task{
		{SubmissionID: 1, ProblemID: 1, Language: "python"},
		{SubmissionID: 2, ProblemID: 1, Language: "cpp"},
	}}

	deliveries, err := fc.Consume(context.Background())
	require.NoError(t, err)

	var seen []int64
	for d := range deliveries {
		seen = append(seen, d.Task.SubmissionID)
		if d.Task.SubmissionID == 1 {
			require.NoError(t, d.Ack())
		} else {
			require.NoError(t, d.Nack(true))
		}
	}

	assert.Equal(t, []int64{1, 2}, seen)
	assert.Equal(t, []int64{1}, fc.Acked)
	assert.Equal(t, []int64{2}, fc.Nacked)
}
