// Package dispatch wraps the AMQP judge-submission work queue: a durable
// topic exchange, one queue bound with routing key "judge-submission", and
// a dead-letter exchange/queue. The consumer dead-letters only messages
// whose body cannot be parsed; redeliveries are not counted, so a message
// that keeps being nacked with requeue is redelivered without limit.
package dispatch

import "encoding/json"

// Exchange and queue names fixed by the wire contract between the outbox
// publisher (producer) and judge workers (consumers).
const (
	Exchange        = "judge.dispatch"
	Queue           = "judge.dispatch.submit"
	RoutingKey      = "judge-submission"
	DeadLetterExchange = "judge.dispatch.dlq"
	DeadLetterQueue    = "judge.dispatch.dlq.submit"

	// MaxRedeliveries is the redelivery limit for a poison message. The
	// consumer does not read x-death or any delivery count and does not
	// consult this value.
	MaxRedeliveries = 5
)

// Task is the payload carried by a judge-submission dispatch message.
type Task struct {
	SubmissionID int64  `json:"submission_id"`
	ProblemID    int64  `json:"problem_id"`
	Language     string `json:"language"`
}

// Marshal encodes a Task for publication.
func (t Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalTask decodes a dispatch message body into a Task.
func UnmarshalTask(body []byte) (Task, error) {
	var t Task
	err := json.Unmarshal(body, &t)
	return t, err
}
