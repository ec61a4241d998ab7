package convergence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/camctl/internal/hw/camera"
)

// scriptStream replays one round of results.
type scriptStream struct {
	results []camera.Result
}

func (s *scriptStream) Next(ctx context.Context) (camera.Result, bool, error) {
	if err := ctx.Err(); err != nil {
		return camera.Result{}, false, err
	}
	if len(s.results) == 0 {
		return camera.Result{}, false, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r, true, nil
}

// rounds hands out one scripted round per trigger, then empty rounds.
type rounds struct {
	script   [][]camera.Result
	triggers int
	consumed int
}

func (r *rounds) trigger(ctx context.Context) (Stream, error) {
	r.triggers++
	if len(r.script) == 0 {
		return &blockingStream{}, nil
	}
	next := r.script[0]
	r.script = r.script[1:]
	return &countingStream{scriptStream: scriptStream{results: next}, n: &r.consumed}, nil
}

type countingStream struct {
	scriptStream
	n *int
}

func (s *countingStream) Next(ctx context.Context) (camera.Result, bool, error) {
	r, ok, err := s.scriptStream.Next(ctx)
	if ok {
		*s.n++
	}
	return r, ok, err
}

// blockingStream never yields a result.
type blockingStream struct{}

func (blockingStream) Next(ctx context.Context) (camera.Result, bool, error) {
	<-ctx.Done()
	return camera.Result{}, false, ctx.Err()
}

func result(kv ...any) camera.Result {
	md := make(map[camera.Key]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		md[kv[i].(camera.Key)] = kv[i+1]
	}
	return camera.Result{Metadata: md}
}

func TestRun_InactiveThenLocked(t *testing.T) {
	script := &rounds{script: [][]camera.Result{{
		result(camera.KeyAFState, camera.AFStateInactive, camera.KeyAEState, camera.AEStateConverged),
		result(camera.KeyAFState, camera.AFStateFocusedLocked, camera.KeyAEState, camera.AEStateConverged),
		result(camera.KeyAFState, camera.AFStateFocusedLocked, camera.KeyAEState, camera.AEStateConverged),
	}}}
	var tr Tracker
	out, err := Protocol{}.Run(context.Background(), &tr, Support{AF: true, AE: true}, script.trigger)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if script.consumed != 2 || out.Results != 2 {
		t.Errorf("consumed %d results, want exactly 2", script.consumed)
	}
	if out.Triggers != 1 {
		t.Errorf("triggers = %d, want 1", out.Triggers)
	}
	if got := tr.State(); got != Converged {
		t.Errorf("state = %+v, want all done", got)
	}
}

func TestRun_AlreadyConvergedSkipsTrigger(t *testing.T) {
	var tr Tracker
	tr.Update(result(
		camera.KeyAFState, camera.AFStateFocusedLocked,
		camera.KeyAEState, camera.AEStateConverged,
		camera.KeyAWBState, camera.AWBStateConverged,
	))
	script := &rounds{}
	if _, err := (Protocol{}).Run(context.Background(), &tr, Support{AF: true, AE: true, AWB: true}, script.trigger); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if script.triggers != 0 {
		t.Errorf("triggers = %d, want none", script.triggers)
	}
}

func TestRun_PassiveFocusStillTriggers(t *testing.T) {
	var tr Tracker
	tr.Update(result(
		camera.KeyAFState, camera.AFStatePassiveFocused,
		camera.KeyAEState, camera.AEStateConverged,
	))
	script := &rounds{script: [][]camera.Result{{
		result(camera.KeyAFState, camera.AFStateActiveScan, camera.KeyAEState, camera.AEStateConverged),
		result(camera.KeyAFState, camera.AFStateFocusedLocked, camera.KeyAEState, camera.AEStateConverged),
	}}}
	out, err := Protocol{}.Run(context.Background(), &tr, Support{AF: true, AE: true}, script.trigger)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if script.triggers != 1 {
		t.Errorf("triggers = %d, want 1", script.triggers)
	}
	if script.consumed != 2 || out.Results != 2 {
		t.Errorf("consumed %d results, want 2", script.consumed)
	}
	if got := tr.State(); got != Converged {
		t.Errorf("state = %+v, want all done", got)
	}
}

func TestRun_RetriggersAfterWindow(t *testing.T) {
	script := &rounds{script: [][]camera.Result{
		{result(camera.KeyAFState, camera.AFStateNotFocusedLocked)},
		{result(camera.KeyAFState, camera.AFStateActiveScan), result(camera.KeyAFState, camera.AFStateFocusedLocked)},
	}}
	var tr Tracker
	out, err := Protocol{}.Run(context.Background(), &tr, Support{AF: true}, script.trigger)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Triggers != 2 || out.Results != 3 {
		t.Errorf("outcome = %+v, want 2 triggers and 3 results", out)
	}
}

func TestRun_ConvergedFlagCanRegress(t *testing.T) {
	script := &rounds{script: [][]camera.Result{
		{
			result(camera.KeyAEState, camera.AEStateConverged),
			result(camera.KeyAEState, camera.AEStateSearching, camera.KeyAWBState, camera.AWBStateConverged),
		},
		{result(camera.KeyAEState, camera.AEStateLocked)},
	}}
	var tr Tracker
	out, err := Protocol{}.Run(context.Background(), &tr, Support{AE: true, AWB: true}, script.trigger)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Triggers != 2 {
		t.Errorf("triggers = %d, want a second round after AE regressed", out.Triggers)
	}
}

func TestRun_UnboundedUntilContextEnds(t *testing.T) {
	script := &rounds{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var tr Tracker
	_, err := Protocol{}.Run(ctx, &tr, Support{AF: true}, script.trigger)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRun_UnknownKey(t *testing.T) {
	var tr Tracker
	p := Protocol{Keys: []camera.Key{camera.KeyAFState, camera.Key("sensor.exposure_time")}}
	_, err := p.Run(context.Background(), &tr, Support{AF: true}, (&rounds{}).trigger)
	if !errors.Is(err, ErrUnknownResultKey) {
		t.Errorf("err = %v, want ErrUnknownResultKey", err)
	}
}

func TestRun_MistypedValue(t *testing.T) {
	script := &rounds{script: [][]camera.Result{{result(camera.KeyAFState, "locked")}}}
	var tr Tracker
	_, err := Protocol{}.Run(context.Background(), &tr, Support{AF: true}, script.trigger)
	if !errors.Is(err, ErrUnknownResultKey) {
		t.Errorf("err = %v, want ErrUnknownResultKey", err)
	}
}

func TestRun_TriggerError(t *testing.T) {
	boom := errors.New("session closed")
	var tr Tracker
	_, err := Protocol{}.Run(context.Background(), &tr, Support{AE: true}, func(context.Context) (Stream, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}
