// Package progress publishes live run updates over socket.io.
//
// Every update is emitted as an "execution-update" event whose first
// argument is the room "execution:<run id>" and whose second argument is
// the Update payload. The gateway relays it to the clients in that room.
package progress

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/7ama2004/synapse/internal/ctxlog"
	"github.com/7ama2004/synapse/pkg/api"
)

// EventName is the socket.io event carrying updates.
const EventName = "execution-update"

// Update kinds.
const (
	KindRunStarted     = "run.started"
	KindStageStarted   = "stage.started"
	KindStageCompleted = "stage.completed"
	KindBlockCompleted = "block.completed"
	KindRunCompleted   = "run.completed"
	KindRunFailed      = "run.failed"
)

const connectTimeout = 15 * time.Second

// Room returns the room updates for runID are addressed to.
func Room(runID string) string { return "execution:" + runID }

// Update is the payload of an execution-update event.
type Update struct {
	ExecutionID  string    `json:"executionId"`
	WorkflowID   string    `json:"workflowId"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	CurrentStage int       `json:"currentStage"`
	StageCount   int       `json:"stageCount"`
	BlockID      string    `json:"blockId,omitempty"`
	BlockType    string    `json:"blockType,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Emitter sends a socket.io event. *socket.Socket satisfies it.
type Emitter interface {
	Emit(ev string, args ...any) error
}

// Publisher is an api.Observer that turns engine callbacks into updates.
// Block starts are not published.
type Publisher struct {
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time
	close   func()
}

var _ api.Observer = (*Publisher)(nil)

// New returns a Publisher emitting through e. A nil logger means
// slog.Default().
func New(e Emitter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{emitter: e, logger: logger, now: time.Now, close: func() {}}
}

// DialOptions tune Dial.
type DialOptions struct {
	Namespace          string
	InsecureSkipVerify bool
}

// Dial connects to the socket.io server at rawURL and returns a Publisher
// using that connection. It waits for the connect event, ctx or a 15s
// timeout, whichever comes first.
func Dial(ctx context.Context, rawURL string, dopts DialOptions) (*Publisher, error) {
	logger := ctxlog.FromContext(ctx).With("component", "progress", "url", rawURL)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	opts := socket.DefaultOptions()
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		opts.SetPath(parsedURL.Path)
	}
	if dopts.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(dopts.Namespace, opts)

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		select {
		case connected <- nil:
		default:
		}
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		select {
		case connected <- err:
		default:
		}
	})
	io.Connect()

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("waiting for socket.io connection: %w", ctx.Err())
	case <-timer.C:
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", connectTimeout)
	}

	logger.Info("progress publisher connected", "sid", io.Id())
	p := New(io, logger)
	p.close = func() { io.Disconnect() }
	return p, nil
}

// Close disconnects a Publisher created by Dial. It is a no-op otherwise.
func (p *Publisher) Close() { p.close() }

func (p *Publisher) publish(ctx context.Context, res *api.ExecutionResult, kind string, mutate func(*Update)) {
	u := Update{
		ExecutionID:  res.RunID,
		WorkflowID:   res.WorkflowID,
		Kind:         kind,
		Status:       string(res.Status),
		Progress:     res.Progress,
		CurrentStage: res.CurrentStage,
		StageCount:   res.StageCount,
		Timestamp:    p.now().UTC(),
	}
	if mutate != nil {
		mutate(&u)
	}
	if err := p.emitter.Emit(EventName, Room(res.RunID), u); err != nil {
		p.logger.WarnContext(ctx, "progress_emit_failed",
			slog.String("run_id", res.RunID),
			slog.String("kind", kind),
			slog.Any("error", err))
	}
}

func (p *Publisher) OnRunStart(ctx context.Context, res *api.ExecutionResult) {
	p.publish(ctx, res, KindRunStarted, nil)
}

func (p *Publisher) OnRunCompleted(ctx context.Context, res *api.ExecutionResult) {
	p.publish(ctx, res, KindRunCompleted, nil)
}

func (p *Publisher) OnRunFailed(ctx context.Context, res *api.ExecutionResult, err error) {
	p.publish(ctx, res, KindRunFailed, func(u *Update) {
		if err != nil {
			u.Error = err.Error()
		}
		if res.Error != nil {
			u.BlockID = res.Error.BlockID
		}
	})
}

func (p *Publisher) OnStageStart(ctx context.Context, res *api.ExecutionResult, stage int, blocks api.Stage) {
	p.publish(ctx, res, KindStageStarted, func(u *Update) { u.CurrentStage = stage })
}

func (p *Publisher) OnStageCompleted(ctx context.Context, res *api.ExecutionResult, stage int, err error, d time.Duration) {
	p.publish(ctx, res, KindStageCompleted, func(u *Update) {
		u.CurrentStage = stage
		if err != nil {
			u.Error = err.Error()
		}
	})
}

func (p *Publisher) OnBlockStart(ctx context.Context, res *api.ExecutionResult, blockID, blockType string) {
}

func (p *Publisher) OnBlockCompleted(ctx context.Context, res *api.ExecutionResult, blockID, blockType string, err error, d time.Duration) {
	p.publish(ctx, res, KindBlockCompleted, func(u *Update) {
		u.BlockID = blockID
		u.BlockType = blockType
		if err != nil {
			u.Error = err.Error()
		}
	})
}
