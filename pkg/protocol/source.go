package protocol

import "context"

// JobSubmitCallback receives job submissions decoded by a source.
type JobSubmitCallback func(ctx context.Context, submission map[string]any) error

// JobSource feeds jobs into the scheduler from an external system (cron
// schedule, message queue). Start must not block; Stop drains in-flight work.
type JobSource interface {
	Start(ctx context.Context, callback JobSubmitCallback) error
	Stop(ctx context.Context) error
}
