package remote

import (
	"context"
	"fmt"
)

// Disconnected is the EventAPI used when no remote endpoint is configured.
// Every call fails as a connectivity failure so mutations stay queued.
type Disconnected struct{}

func (Disconnected) CreateClosed(context.Context, Call, EventFields) (string, error) {
	return "", errNoEndpoint()
}

func (Disconnected) Start(context.Context, Call, EventFields) (string, error) {
	return "", errNoEndpoint()
}

func (Disconnected) Complete(context.Context, Call, string, EventFields) error {
	return errNoEndpoint()
}

func (Disconnected) Update(context.Context, Call, string, EventFields) error {
	return errNoEndpoint()
}

func (Disconnected) Cancel(context.Context, Call, string, string) error {
	return errNoEndpoint()
}

func errNoEndpoint() error {
	return fmt.Errorf("%w: no remote endpoint configured", ErrConnectivity)
}
