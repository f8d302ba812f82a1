package engine

import (
	"context"
	"time"

	"github.com/drummonds/docpages/config"
	"github.com/drummonds/docpages/database"
	"github.com/drummonds/docpages/queue"
	"github.com/oklog/ulid/v2"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultRotateInterval = 5 * time.Second
)

// StatusChannel is the queue's real time side of status, scoped by access token
type StatusChannel interface {
	IssueAccessToken(ctx context.Context, scope string) (string, error)
	Subscribe(ctx context.Context, token string) (<-chan queue.RunStatus, error)
}

// ProgressResponse is the polling endpoint's body
type ProgressResponse struct {
	Status            database.ProcessingState `json:"status"`
	Progress          int                      `json:"progress"`
	Message           *string                  `json:"message"`
	Error             *string                  `json:"error"`
	Mode              config.ExecutionMode     `json:"mode"`
	LocalMode         bool                     `json:"localMode"`
	PublicAccessToken *string                  `json:"publicAccessToken"`
	SelfHosted        bool                     `json:"selfHosted,omitempty"`
	TokenError        string                   `json:"tokenError,omitempty"`
}

// Signal is one normalized progress update
type Signal struct {
	State    database.ProcessingState `json:"status"`
	Progress int                      `json:"progress"`
	Message  string                   `json:"message,omitempty"`
	Error    string                   `json:"error,omitempty"`
	// Observable is false when live progress cannot be followed, the run itself may still finish
	Observable bool `json:"observable"`
}

// Observer turns either execution strategy's status into one stream of signals
type Observer struct {
	DB       database.Repository
	Channel  StatusChannel // nil when no queue is configured
	Mode     config.ExecutionMode
	Messages Messages

	PollInterval   time.Duration
	RotateInterval time.Duration
}

func (o *Observer) pollInterval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return defaultPollInterval
}

func (o *Observer) rotateInterval() time.Duration {
	if o.RotateInterval > 0 {
		return o.RotateInterval
	}
	return defaultRotateInterval
}

func (o *Observer) messages() Messages {
	if o.Messages != nil {
		return o.Messages
	}
	return NewMessages("")
}

// modeOf is the strategy that scheduled the version, the deployment's mode for untracked versions
func (o *Observer) modeOf(status *database.ProcessingStatus) config.ExecutionMode {
	if o.Channel == nil {
		return config.ExecutionLocal
	}
	if status.Mode != "" {
		return status.Mode
	}
	return o.Mode
}

// Snapshot reads the current status and, for delegated versions, a token to follow it live.
// A token failure is reported in the body rather than as an error.
func (o *Observer) Snapshot(ctx context.Context, versionID ulid.ULID) (*ProgressResponse, error) {
	status, err := database.GetStatusOrDefault(ctx, o.DB, versionID)
	if err != nil {
		return nil, err
	}
	mode := o.modeOf(status)
	resp := &ProgressResponse{
		Status:    status.State,
		Progress:  status.Progress,
		Message:   status.Message,
		Error:     status.Error,
		Mode:      mode,
		LocalMode: mode == config.ExecutionLocal,
	}
	if resp.LocalMode {
		resp.SelfHosted = true
		return resp, nil
	}

	token, err := o.Channel.IssueAccessToken(ctx, VersionScope(versionID))
	if err != nil {
		Logger.Warn("Access token generation failed, live progress unavailable", "versionID", versionID, "error", err)
		resp.TokenError = "Token generation skipped"
		return resp, nil
	}
	resp.PublicAccessToken = &token
	return resp, nil
}

// NormalizeRunState maps queue run states onto the status lifecycle
func NormalizeRunState(state string) database.ProcessingState {
	switch state {
	case queue.StateExecuting:
		return database.StateProcessing
	case queue.StateCompleted:
		return database.StateCompleted
	case queue.StateFailed, queue.StateCrashed, queue.StateCanceled, queue.StateSystemFailure:
		return database.StateFailed
	default:
		return database.StateQueued
	}
}

func signalFromStatus(status *database.ProcessingStatus) Signal {
	sig := Signal{State: status.State, Progress: status.Progress, Observable: true}
	if status.Message != nil {
		sig.Message = *status.Message
	}
	if status.Error != nil {
		sig.Error = *status.Error
	}
	return sig
}

func signalFromRun(run queue.RunStatus) Signal {
	return Signal{
		State:      NormalizeRunState(run.State),
		Progress:   run.Progress,
		Message:    run.Message,
		Error:      run.Error,
		Observable: true,
	}
}

// Watch streams signals for the version until it is terminal or ctx ends. Local versions are
// polled, delegated ones follow the queue's channel. While QUEUED the message rotates through
// placeholder texts.
func (o *Observer) Watch(ctx context.Context, versionID ulid.ULID) (<-chan Signal, error) {
	status, err := database.GetStatusOrDefault(ctx, o.DB, versionID)
	if err != nil {
		return nil, err
	}

	out := make(chan Signal, 4)
	go func() {
		defer close(out)
		w := &watch{ctx: ctx, out: out, rotation: o.messages().QueuedRotation(), current: signalFromStatus(status)}
		if !w.emit() {
			return
		}
		if o.modeOf(status) == config.ExecutionLocal {
			o.poll(w, versionID)
			return
		}
		o.follow(w, versionID)
	}()
	return out, nil
}

// watch is the state of one Watch stream
type watch struct {
	ctx      context.Context
	out      chan<- Signal
	rotation []string
	index    int
	current  Signal
}

// emit sends the current signal, false once the stream should end
func (w *watch) emit() bool {
	sig := w.current
	if sig.State == database.StateQueued && len(w.rotation) > 0 {
		sig.Message = w.rotation[w.index%len(w.rotation)]
	}
	select {
	case w.out <- sig:
	case <-w.ctx.Done():
		return false
	}
	return !sig.State.Terminal() && sig.Observable
}

func (o *Observer) poll(w *watch, versionID ulid.ULID) {
	poll := time.NewTicker(o.pollInterval())
	defer poll.Stop()
	rotate := time.NewTicker(o.rotateInterval())
	defer rotate.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-rotate.C:
			if w.current.State != database.StateQueued {
				continue
			}
			w.index++
		case <-poll.C:
			status, err := database.GetStatusOrDefault(w.ctx, o.DB, versionID)
			if err != nil {
				Logger.Warn("Progress poll failed", "versionID", versionID, "error", err)
				continue
			}
			next := signalFromStatus(status)
			if next == w.current {
				continue
			}
			w.current = next
		}
		if !w.emit() {
			return
		}
	}
}

func (o *Observer) follow(w *watch, versionID ulid.ULID) {
	if w.current.State.Terminal() {
		return
	}
	unobservable := func() {
		w.current = Signal{State: w.current.State, Progress: w.current.Progress, Observable: false}
		w.emit()
	}

	token, err := o.Channel.IssueAccessToken(w.ctx, VersionScope(versionID))
	if err != nil {
		Logger.Warn("Access token generation failed, live progress unavailable", "versionID", versionID, "error", err)
		unobservable()
		return
	}
	updates, err := o.Channel.Subscribe(w.ctx, token)
	if err != nil {
		Logger.Warn("Subscribing to run status failed", "versionID", versionID, "error", err)
		unobservable()
		return
	}

	rotate := time.NewTicker(o.rotateInterval())
	defer rotate.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-rotate.C:
			if w.current.State != database.StateQueued {
				continue
			}
			w.index++
		case run, ok := <-updates:
			if !ok {
				return
			}
			next := signalFromRun(run)
			if next == w.current {
				continue
			}
			w.current = next
		}
		if !w.emit() {
			return
		}
	}
}
