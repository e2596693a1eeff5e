package dispatch

import "context"

// FakeConsumer replays a fixed list of tasks as deliveries and records how
// each was resolved, for worker pool tests.
type FakeConsumer struct {
	Tasks []Task

	Acked  []int64
	Nacked []int64
}

func (f *FakeConsumer) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery, len(f.Tasks))
	for _, task := range f.Tasks {
		t := task
		out <- Delivery{
			Task:     t,
			ackFunc:  func() error { f.Acked = append(f.Acked, t.SubmissionID); return nil },
			nackFunc: func(requeue bool) error { f.Nacked = append(f.Nacked, t.SubmissionID); return nil },
		}
	}
	close(out)
	return out, nil
}

func (f *FakeConsumer) Close() error { return nil }
