// Package lambda dispatches stitch assembly jobs as asynchronous AWS Lambda
// invocations.
//
// The invoked function receives the JSON-encoded stitch.Job and is
// expected to run it with an Assembler. That function is deployed
// separately and is not part of this module; "stitch run" executes the
// same payload from a file or stdin.
package lambda

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/pithecene-io/stitch/stitch"
)

// API defines the subset of the Lambda client interface used by the
// dispatcher.
type API interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Dispatcher implements stitch.Dispatcher with fire-and-forget Lambda
// invocations. Delivery is at-least-once; the Lambda service may retry a
// failed invocation.
type Dispatcher struct {
	client   API
	function string
}

// New creates a Dispatcher invoking function, a function name or ARN.
func New(client API, function string) (*Dispatcher, error) {
	if client == nil {
		return nil, errors.New("lambda: client is required")
	}
	if function == "" {
		return nil, errors.New("lambda: function is required")
	}
	return &Dispatcher{client: client, function: function}, nil
}

// Dispatch invokes the function asynchronously with job as payload. The
// call returns once Lambda has accepted the event.
func (d *Dispatcher) Dispatch(ctx context.Context, job stitch.Job) error {
	payload, err := stitch.EncodeJob(job)
	if err != nil {
		return &stitch.DispatchError{Destination: job.Destination, Err: err}
	}

	out, err := d.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(d.function),
		InvocationType: types.InvocationTypeEvent,
		LogType:        types.LogTypeNone,
		Payload:        payload,
	})
	if err != nil {
		return &stitch.DispatchError{Destination: job.Destination, Err: fmt.Errorf("lambda: invoke %s: %w", d.function, err)}
	}
	if out.StatusCode < 200 || out.StatusCode > 299 {
		return &stitch.DispatchError{Destination: job.Destination, Err: fmt.Errorf("lambda: invoke %s: status %d", d.function, out.StatusCode)}
	}
	if out.FunctionError != nil {
		return &stitch.DispatchError{Destination: job.Destination, Err: fmt.Errorf("lambda: invoke %s: function error %s", d.function, aws.ToString(out.FunctionError))}
	}
	return nil
}
