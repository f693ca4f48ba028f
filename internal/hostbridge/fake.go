package hostbridge

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Bridge used in tests to exercise the host-owned
// proxy path without a real host process.
type Fake struct {
	mu        sync.Mutex
	instances map[string]*fakeInstance
}

type fakeInstance struct {
	info       InstanceInfo
	buffer     []byte
	outputSubs map[int]func(OutputEvent)
	doneSubs   map[int]func(string)
	nextSubID  int
}

// NewFake creates an empty Fake bridge.
func NewFake() *Fake {
	return &Fake{instances: make(map[string]*fakeInstance)}
}

// Seed registers an instance as already known to the host, in the given
// status, so tests can exercise the "exists but disconnected" path.
func (f *Fake) Seed(id, name, workingDirectory string, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[id] = &fakeInstance{
		info: InstanceInfo{ID: id, Name: name, WorkingDirectory: workingDirectory, Status: status},
		outputSubs: make(map[int]func(OutputEvent)),
		doneSubs:   make(map[int]func(string)),
	}
}

// Emit delivers data to every active output subscriber for id, and appends
// it to the fake host-side buffer.
func (f *Fake) Emit(id string, data []byte) {
	f.mu.Lock()
	inst, ok := f.instances[id]
	if !ok {
		f.mu.Unlock()
		return
	}
	inst.buffer = append(inst.buffer, data...)
	subs := make([]func(OutputEvent), 0, len(inst.outputSubs))
	for _, fn := range inst.outputSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(OutputEvent{InstanceID: id, Data: data})
	}
}

// MarkComplete fires every response-complete subscriber for id.
func (f *Fake) MarkComplete(id string) {
	f.mu.Lock()
	inst, ok := f.instances[id]
	if !ok {
		f.mu.Unlock()
		return
	}
	subs := make([]func(string), 0, len(inst.doneSubs))
	for _, fn := range inst.doneSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(id)
	}
}

func (f *Fake) InstanceExists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.instances[id]
	return ok, nil
}

func (f *Fake) InstanceStatus(_ context.Context, id string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return StatusUnknown, fmt.Errorf("unknown instance: %s", id)
	}
	return inst.info.Status, nil
}

func (f *Fake) Start(_ context.Context, id, workingDirectory, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		inst = &fakeInstance{
			info:       InstanceInfo{ID: id, Name: name, WorkingDirectory: workingDirectory},
			outputSubs: make(map[int]func(OutputEvent)),
			doneSubs:   make(map[int]func(string)),
		}
		f.instances[id] = inst
	}
	inst.info.Status = StatusConnected
	return -1, nil
}

func (f *Fake) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return fmt.Errorf("unknown instance: %s", id)
	}
	inst.info.Status = StatusDisconnected
	return nil
}

func (f *Fake) Send(_ context.Context, id string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[id]; !ok {
		return fmt.Errorf("unknown instance: %s", id)
	}
	return nil
}

func (f *Fake) GetBuffer(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, fmt.Errorf("unknown instance: %s", id)
	}
	out := make([]byte, len(inst.buffer))
	copy(out, inst.buffer)
	return out, nil
}

func (f *Fake) ListInstances(_ context.Context) ([]InstanceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]InstanceInfo, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst.info)
	}
	return out, nil
}

func (f *Fake) SubscribeOutput(id string, fn func(OutputEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		inst = &fakeInstance{
			info:       InstanceInfo{ID: id},
			outputSubs: make(map[int]func(OutputEvent)),
			doneSubs:   make(map[int]func(string)),
		}
		f.instances[id] = inst
	}
	subID := inst.nextSubID
	inst.nextSubID++
	inst.outputSubs[subID] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(inst.outputSubs, subID)
	}
}

func (f *Fake) SubscribeResponseComplete(id string, fn func(string)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		inst = &fakeInstance{
			info:       InstanceInfo{ID: id},
			outputSubs: make(map[int]func(OutputEvent)),
			doneSubs:   make(map[int]func(string)),
		}
		f.instances[id] = inst
	}
	subID := inst.nextSubID
	inst.nextSubID++
	inst.doneSubs[subID] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(inst.doneSubs, subID)
	}
}
