package queue

import (
	"context"
	"errors"
	"testing"
)

func TestWorkerChainsStages(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	var ran []string
	handlers := map[string]HandlerFunc{
		"convert-files": func(ctx context.Context, job *Job) error {
			ran = append(ran, job.Task.Kind)
			return nil
		},
		"pdf-to-image": func(ctx context.Context, job *Job) error {
			ran = append(ran, job.Task.Kind)
			return nil
		},
	}
	worker := NewWorker(client, handlers, 1, 0)

	task := testTask("t1", "t1-v1-convert-files")
	task.Kind = "convert-files"
	task.Scope = "version:v1"
	task.Next = []Stage{{Kind: "pdf-to-image", IdempotencyKey: "t1-v1-pdf-to-image"}}
	if _, err := client.Submit(ctx, task); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if processed, err := worker.RunOnce(ctx); err != nil || !processed {
		t.Fatalf("Expected first stage to run, got %v %v", processed, err)
	}
	latest, _ := client.LatestStatus(ctx, "version:v1")
	if latest == nil || latest.State != StateExecuting {
		t.Errorf("Scope should stay non-final between stages, got %+v", latest)
	}

	if processed, err := worker.RunOnce(ctx); err != nil || !processed {
		t.Fatalf("Expected chained stage to run, got %v %v", processed, err)
	}
	latest, _ = client.LatestStatus(ctx, "version:v1")
	if latest == nil || latest.State != StateCompleted || latest.Progress != 100 {
		t.Errorf("Expected COMPLETED after last stage, got %+v", latest)
	}

	if len(ran) != 2 || ran[0] != "convert-files" || ran[1] != "pdf-to-image" {
		t.Errorf("Unexpected execution order %v", ran)
	}

	if processed, _ := worker.RunOnce(ctx); processed {
		t.Error("Queue should be drained")
	}
}

func TestWorkerFailures(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		handler HandlerFunc
	}{
		{"handler error", "pdf-to-image", func(ctx context.Context, job *Job) error { return errors.New("render failed") }},
		{"handler panic", "pdf-to-image", func(ctx context.Context, job *Job) error { panic("boom") }},
		{"no handler", "optimize-video", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t)
			ctx := context.Background()

			handlers := map[string]HandlerFunc{}
			if tt.handler != nil {
				handlers[tt.kind] = tt.handler
			}
			worker := NewWorker(client, handlers, 1, 0)

			task := testTask("t1", "k1")
			task.Kind = tt.kind
			handle, err := client.Submit(ctx, task)
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			if processed, err := worker.RunOnce(ctx); err != nil || !processed {
				t.Fatalf("Expected job to be processed, got %v %v", processed, err)
			}

			latest, _ := client.LatestStatus(ctx, task.Scope)
			if latest == nil || latest.State != StateFailed || latest.Error == "" {
				t.Errorf("Expected FAILED with error, got %+v", latest)
			}
			job, err := client.GetJob(ctx, handle.ID)
			if err != nil {
				t.Fatalf("GetJob failed: %v", err)
			}
			if job.State != StateFailed {
				t.Errorf("Expected job state FAILED, got %s", job.State)
			}

			// the slot was released so the team can run again
			if _, err := client.Submit(ctx, testTask("t1", "k2")); err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			next, err := client.Claim(ctx)
			if err != nil || next == nil {
				t.Errorf("Expected slot to be free after failure, got %v %v", next, err)
			}
		})
	}
}
